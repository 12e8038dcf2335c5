package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/atranelis/recall/internal/util"
	"github.com/atranelis/recall/pkg/ai"
)

// defaultRetryBackoff is the initial delay between failed oracle attempts;
// it doubles per attempt.
const defaultRetryBackoff = 2 * time.Second

// rawEntity mirrors one entity as the oracle emits it: variant fields plus
// chunk-grounded message indexes instead of resolved refs.
type rawEntity struct {
	Kind            string   `json:"kind" jsonschema:"enum=concept,enum=decision,enum=open_question,enum=person,enum=organization,enum=project,enum=theme,enum=tension" jsonschema_description:"The entity kind."`
	Name            string   `json:"name" jsonschema_description:"Canonical name as used in the transcript."`
	Description     string   `json:"description" jsonschema_description:"One to three sentences grounded in the transcript."`
	MessageIndexes  []int    `json:"message_indexes" jsonschema_description:"Bracketed message indexes this entity is grounded in."`
	Role            string   `json:"role,omitempty"`
	Knows           []string `json:"knows,omitempty"`
	WorksWith       []string `json:"works_with,omitempty"`
	MemberOf        []string `json:"member_of,omitempty"`
	Members         []string `json:"members,omitempty"`
	Funds           []string `json:"funds,omitempty"`
	People          []string `json:"people,omitempty"`
	FundedBy        []string `json:"funded_by,omitempty"`
	DecidedBy       []string `json:"decided_by,omitempty"`
	Alternatives    []string `json:"alternatives,omitempty"`
	Project         string   `json:"project,omitempty"`
	Status          string   `json:"status,omitempty" jsonschema:"enum=,enum=open,enum=answered"`
	BetweenPeople   []string `json:"between_people,omitempty"`
	BetweenConcepts []string `json:"between_concepts,omitempty"`
	Themes          []string `json:"themes,omitempty"`
}

type extractionResponse struct {
	Entities []rawEntity `json:"entities" jsonschema_description:"Every knowledge entity found in the transcript."`
}

// ChunkExtraction is the validated result of extracting one chunk.
type ChunkExtraction struct {
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	Entities   []*Entity `json:"entities"`
}

// Extractor turns chunks into entities through the configured oracle.
type Extractor struct {
	oracle     ai.Oracle
	maxRetries int
	backoff    time.Duration
	opts       []ai.GenerateOption
}

// NewExtractor builds an extractor. maxRetries <= 0 means one attempt.
func NewExtractor(oracle ai.Oracle, maxRetries int, opts ...ai.GenerateOption) *Extractor {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Extractor{oracle: oracle, maxRetries: maxRetries, backoff: defaultRetryBackoff, opts: opts}
}

// ExtractChunk runs the oracle over one chunk and resolves its answer into
// validated entities. A structurally broken answer, including an entity of a
// kind outside the known set, fails the whole chunk so it stays pending and
// gets retried on the next run rather than entering the graph half-read.
func (e *Extractor) ExtractChunk(ctx context.Context, chunk *Chunk) (*ChunkExtraction, error) {
	if len(chunk.Messages) == 0 {
		return &ChunkExtraction{SessionID: chunk.SessionID, ChunkIndex: chunk.Index}, nil
	}

	prompt := fmt.Sprintf(extractionPrompt, chunk.Transcript())

	response, err := util.RetryWithBackoff(ctx, e.maxRetries, e.backoff,
		func(ctx context.Context) (extractionResponse, error) {
			var r extractionResponse
			err := e.oracle.GenerateCompletionWithFormat(
				ctx,
				"knowledge_extraction",
				"Knowledge entities extracted from a conversation transcript.",
				prompt,
				&r,
				append([]ai.GenerateOption{ai.WithSystemPrompts(extractionSystemPrompt)}, e.opts...)...,
			)
			return r, err
		})
	if err != nil {
		return nil, fmt.Errorf("extract %s/%d: %w", chunk.SessionID, chunk.Index, err)
	}

	return e.resolve(chunk, response.Entities)
}

// resolve maps raw oracle entities onto validated ones, turning chunk
// message indexes into provenance refs.
func (e *Extractor) resolve(chunk *Chunk, raw []rawEntity) (*ChunkExtraction, error) {
	valid := make(map[int]bool, len(chunk.Messages))
	for _, msg := range chunk.Messages {
		valid[msg.Index] = true
	}
	anchor := chunk.Messages[0].Index

	result := &ChunkExtraction{SessionID: chunk.SessionID, ChunkIndex: chunk.Index}
	for _, r := range raw {
		kind, err := ParseKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("extract %s/%d: %w", chunk.SessionID, chunk.Index, err)
		}

		refs := make([]MessageRef, 0, len(r.MessageIndexes))
		for _, idx := range r.MessageIndexes {
			if valid[idx] {
				refs = append(refs, MessageRef{SessionID: chunk.SessionID, Index: idx})
			}
		}
		// Hallucinated indexes fall back to the chunk start so the entity
		// stays traceable to the chunk it came from.
		if len(refs) == 0 {
			refs = []MessageRef{{SessionID: chunk.SessionID, Index: anchor}}
		}

		entity := &Entity{
			Kind:            kind,
			Name:            ai.NormalizeName(r.Name),
			Description:     r.Description,
			Refs:            UnionRefs(refs),
			Role:            r.Role,
			Knows:           r.Knows,
			WorksWith:       r.WorksWith,
			MemberOf:        r.MemberOf,
			Members:         r.Members,
			Funds:           r.Funds,
			People:          r.People,
			FundedBy:        r.FundedBy,
			DecidedBy:       r.DecidedBy,
			Alternatives:    r.Alternatives,
			Project:         r.Project,
			Status:          r.Status,
			BetweenPeople:   r.BetweenPeople,
			BetweenConcepts: r.BetweenConcepts,
			Themes:          r.Themes,
		}
		if entity.Kind == KindOpenQuestion && entity.Status == "" {
			entity.Status = StatusOpen
		}
		if err := entity.Validate(); err != nil {
			return nil, fmt.Errorf("extract %s/%d: %w", chunk.SessionID, chunk.Index, err)
		}
		result.Entities = append(result.Entities, entity)
	}
	return result, nil
}
