package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/atranelis/recall/internal/util"
	"github.com/atranelis/recall/pkg/ai"
	"github.com/atranelis/recall/pkg/archive"
	"github.com/atranelis/recall/pkg/archive/store"
	"github.com/atranelis/recall/pkg/logger"
)

const summarySystemPrompt = `You summarize personal conversation logs. Write a compact summary
(three to five sentences) of what the conversation was about, what was decided and what stayed
open. Then assign two to five short topical tags. Tags are lowercase single words or short
hyphenated phrases.`

type summaryResponse struct {
	Summary string   `json:"summary" jsonschema_description:"Three to five sentence summary of the conversation."`
	Tags    []string `json:"tags" jsonschema_description:"Two to five short lowercase topical tags."`
}

// Summarizer fills in missing session summaries and tags. It runs as its
// own periodic worker, independent of the extraction pipeline.
type Summarizer struct {
	oracle ai.Oracle
	store  *store.Store
}

func NewSummarizer(oracle ai.Oracle, archiveStore *store.Store) *Summarizer {
	return &Summarizer{oracle: oracle, store: archiveStore}
}

// Run summarizes up to limit sessions missing a summary. Per-session
// failures are logged and skipped; the session stays unsummarized and is
// picked up again on the next sweep.
func (s *Summarizer) Run(ctx context.Context, limit int) error {
	ids, err := s.store.SessionsMissingSummary(ctx, limit)
	if err != nil {
		return fmt.Errorf("list sessions missing summary: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := s.store.GetSession(ctx, id)
		if err != nil || session == nil {
			logger.Warn("summarizer could not load session", "session", id, "error", err)
			continue
		}

		summary, tags, err := s.summarize(ctx, session)
		if err != nil {
			logger.Warn("summarization failed", "session", id, "error", err)
			continue
		}
		if err := s.store.SetSummary(ctx, id, summary, tags); err != nil {
			return fmt.Errorf("store summary for %s: %w", id, err)
		}
		logger.Debug("session summarized", "session", id, "tags", tags)
	}
	return nil
}

func (s *Summarizer) summarize(ctx context.Context, session *archive.Session) (string, []string, error) {
	var transcript strings.Builder
	for _, msg := range session.Messages {
		text := util.TruncateText(msg.Text, 1000)
		fmt.Fprintf(&transcript, "%s: %s\n", strings.ToUpper(msg.Role), text)
	}

	var response summaryResponse
	err := s.oracle.GenerateCompletionWithFormat(
		ctx,
		"session_summary",
		"Summary and tags for one conversation log.",
		fmt.Sprintf("Summarize this conversation.\n\n%s", transcript.String()),
		&response,
		ai.WithSystemPrompts(summarySystemPrompt),
	)
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(response.Summary) == "" {
		return "", nil, fmt.Errorf("oracle returned an empty summary")
	}

	tags := make([]string, 0, len(response.Tags))
	for _, tag := range response.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return response.Summary, tags, nil
}
