package extract

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the closed set of entity variants the pipeline knows. Adding a
// variant is a coordinated change: the extraction schema, the merger, the
// corrections schema and the graph syncer's mapping table all reference this
// set, and the syncer refuses to sync kinds its mapping does not cover.
type Kind string

const (
	KindConcept      Kind = "concept"
	KindDecision     Kind = "decision"
	KindOpenQuestion Kind = "open_question"
	KindPerson       Kind = "person"
	KindOrganization Kind = "organization"
	KindProject      Kind = "project"
	KindTheme        Kind = "theme"
	KindTension      Kind = "tension"
)

// Kinds lists every known entity variant in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindConcept,
		KindDecision,
		KindOpenQuestion,
		KindPerson,
		KindOrganization,
		KindProject,
		KindTheme,
		KindTension,
	}
}

// IdentityKinds are the variants merged across the whole corpus, not just
// within one session. They name durable things (people, organizations,
// projects, themes) that recur under slightly different wordings.
func IdentityKinds() []Kind {
	return []Kind{KindPerson, KindOrganization, KindProject, KindTheme}
}

// ParseKind maps an oracle-provided kind string onto the closed variant set.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case KindConcept, KindDecision, KindOpenQuestion, KindPerson,
		KindOrganization, KindProject, KindTheme, KindTension:
		return kind, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", value)
}

// MessageRef points at one originating message, the unit of provenance.
type MessageRef struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

// OpenQuestion status values.
const (
	StatusOpen     = "open"
	StatusAnswered = "answered"
)

// Entity is one extracted knowledge item. Refs is the provenance set and is
// never empty for a valid entity; merging entities unions their Refs.
// Variant-specific fields are only populated for their kind and hold names
// of other entities, which the relation derivation resolves into edges.
type Entity struct {
	Kind        Kind         `json:"kind"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Refs        []MessageRef `json:"message_refs"`

	// Person
	Role      string   `json:"role,omitempty"`
	Knows     []string `json:"knows,omitempty"`
	WorksWith []string `json:"works_with,omitempty"`
	MemberOf  []string `json:"member_of,omitempty"`

	// Organization
	Members []string `json:"members,omitempty"`
	Funds   []string `json:"funds,omitempty"`

	// Project
	People   []string `json:"people,omitempty"`
	FundedBy []string `json:"funded_by,omitempty"`

	// Decision
	DecidedBy    []string `json:"decided_by,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Project      string   `json:"project,omitempty"`

	// OpenQuestion
	Status string `json:"status,omitempty"`

	// Tension
	BetweenPeople   []string `json:"between_people,omitempty"`
	BetweenConcepts []string `json:"between_concepts,omitempty"`

	// Any kind
	Themes []string `json:"themes,omitempty"`
}

// Validate reports whether the entity satisfies the structural rules every
// pipeline stage relies on: known kind, non-empty name, non-empty refs.
func (e *Entity) Validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%s entity with empty name", e.Kind)
	}
	if len(e.Refs) == 0 {
		return fmt.Errorf("%s %q has no message refs", e.Kind, e.Name)
	}
	return nil
}

// SessionIDs derives the set of sessions this entity is traceable to.
func (e *Entity) SessionIDs() []string {
	seen := make(map[string]bool, len(e.Refs))
	var ids []string
	for _, ref := range e.Refs {
		if !seen[ref.SessionID] {
			seen[ref.SessionID] = true
			ids = append(ids, ref.SessionID)
		}
	}
	sort.Strings(ids)
	return ids
}

// UnionRefs returns the sorted, deduplicated union of the given ref sets.
func UnionRefs(sets ...[]MessageRef) []MessageRef {
	seen := make(map[MessageRef]bool)
	var out []MessageRef
	for _, set := range sets {
		for _, ref := range set {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// UnionNames merges name lists, deduplicating case-insensitively while
// keeping the first spelling seen.
func UnionNames(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range sets {
		for _, name := range set {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if !seen[key] {
				seen[key] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
