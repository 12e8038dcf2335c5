// Package merge consolidates extracted entities within a session and across
// the whole corpus. Clustering judgment is delegated to the oracle, but
// provenance is never: a merged entity's refs are always the union of its
// members' refs, computed locally, because a reworded merged name cannot be
// matched back to its inputs afterwards.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/atranelis/recall/pkg/ai"
	"github.com/atranelis/recall/pkg/extract"
	"github.com/atranelis/recall/pkg/logger"
)

// Result is the consolidated output for one merge scope.
type Result struct {
	Entities []*extract.Entity
	// Warnings carry data-quality findings for manual review: hallucinated
	// cluster members, clustering failures that fell back to exact-name
	// merging, and entities with empty provenance.
	Warnings []string
}

// Merger consolidates same-kind entities using oracle clustering plus a
// deterministic name pass.
type Merger struct {
	oracle     ai.Oracle
	maxRetries int

	// AllowCalls gates the clustering oracle calls. When it reports false
	// the merger degrades to the deterministic name merge, the same path
	// taken when clustering fails. nil means unrestricted.
	AllowCalls func() bool
}

func NewMerger(oracle ai.Oracle, maxRetries int) *Merger {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Merger{oracle: oracle, maxRetries: maxRetries}
}

// MergeSession consolidates the partial entities of one session's chunks.
// All kinds are merged here; the scope is a single session.
func (m *Merger) MergeSession(ctx context.Context, extractions []*extract.ChunkExtraction) (*Result, error) {
	var entities []*extract.Entity
	for _, ex := range extractions {
		entities = append(entities, ex.Entities...)
	}
	return m.mergeScope(ctx, entities, extract.Kinds())
}

// MergeCorpus consolidates identity-kind entities (people, organizations,
// projects, themes) across sessions. Other kinds are scoped to their session
// and pass through untouched apart from the deterministic name dedup.
func (m *Merger) MergeCorpus(ctx context.Context, entities []*extract.Entity) (*Result, error) {
	return m.mergeScope(ctx, entities, extract.IdentityKinds())
}

// mergeScope runs the two-pass consolidation for each kind in oracleKinds
// and a name-only dedup for everything else.
func (m *Merger) mergeScope(ctx context.Context, entities []*extract.Entity, oracleKinds []extract.Kind) (*Result, error) {
	useOracle := make(map[extract.Kind]bool, len(oracleKinds))
	for _, kind := range oracleKinds {
		useOracle[kind] = true
	}

	byKind := make(map[extract.Kind][]*extract.Entity)
	for _, e := range entities {
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	result := &Result{}
	for _, kind := range extract.Kinds() {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}

		// First pass is always deterministic: exact case-insensitive name
		// equality. This keeps oracle batches small and the outcome stable.
		group = mergeByName(group)

		if useOracle[kind] && len(group) > 1 {
			clustered, warnings := m.clusterMerge(ctx, kind, group)
			result.Warnings = append(result.Warnings, warnings...)
			// Second deterministic pass over the oracle's output: the
			// oracle's canonical renames can collapse names that were
			// distinct going in.
			group = mergeByName(clustered)
		}

		for _, e := range group {
			if len(e.Refs) == 0 {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s %q has empty provenance after merge", e.Kind, e.Name))
			}
		}
		result.Entities = append(result.Entities, group...)
	}

	sortEntities(result.Entities)
	return result, nil
}

// clusterMerge asks the oracle which same-kind entities are the same thing
// and merges each cluster. An oracle failure degrades to the name-merged
// input with a warning; entities are flagged, never discarded.
func (m *Merger) clusterMerge(ctx context.Context, kind extract.Kind, group []*extract.Entity) ([]*extract.Entity, []string) {
	var warnings []string
	merged := group

	for start := 0; start < len(group); start += ai.ClusterBatchSize {
		if m.AllowCalls != nil && !m.AllowCalls() {
			warnings = append(warnings,
				fmt.Sprintf("budget exhausted, %s clustering degraded to exact-name merge", kind))
			logger.Warn("entity clustering skipped, budget exhausted", "kind", kind)
			break
		}

		end := min(start+ai.ClusterBatchSize, len(group))
		batch := group[start:end]

		candidates := make([]ai.ClusterCandidate, 0, len(batch))
		for _, e := range batch {
			candidates = append(candidates, ai.ClusterCandidate{Name: e.Name, Kind: string(e.Kind)})
		}

		response, err := ai.CallClusterOracle(ctx, candidates, m.oracle, m.maxRetries)
		if err != nil {
			warnings = append(warnings,
				fmt.Sprintf("clustering %s batch %d failed, falling back to exact-name merge: %v", kind, start/ai.ClusterBatchSize, err))
			logger.Warn("entity clustering failed", "kind", kind, "error", err)
			continue
		}

		merged, warnings = applyClusters(merged, response.Groups, warnings)
	}
	return merged, warnings
}

// applyClusters folds each oracle group into one entity. Members are matched
// case-insensitively against the input set; a member name the input never
// contained is reported and skipped. The merged refs are the union over the
// matched members, regardless of the canonical name the oracle picked.
func applyClusters(entities []*extract.Entity, groups []ai.ClusterGroup, warnings []string) ([]*extract.Entity, []string) {
	byName := make(map[string]int, len(entities))
	for i, e := range entities {
		byName[nameKey(e.Name)] = i
	}

	consumed := make(map[int]bool)
	var out []*extract.Entity

	for _, group := range groups {
		var members []*extract.Entity
		for _, member := range group.Members {
			idx, ok := byName[nameKey(member)]
			if !ok {
				warnings = append(warnings,
					fmt.Sprintf("cluster member %q not in input set, skipped", member))
				continue
			}
			if consumed[idx] {
				continue
			}
			consumed[idx] = true
			members = append(members, entities[idx])
		}
		if len(members) == 0 {
			continue
		}

		canonical := ai.NormalizeName(group.Name)
		if canonical == "" {
			canonical = members[0].Name
		}
		merged := mergeEntities(members)
		merged.Name = canonical
		out = append(out, merged)
	}

	for i, e := range entities {
		if !consumed[i] {
			out = append(out, e)
		}
	}
	return out, warnings
}

// mergeByName collapses entities whose names are equal ignoring case.
func mergeByName(entities []*extract.Entity) []*extract.Entity {
	groups := make(map[string][]*extract.Entity)
	var order []string
	for _, e := range entities {
		key := nameKey(e.Name)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	out := make([]*extract.Entity, 0, len(order))
	for _, key := range order {
		out = append(out, mergeEntities(groups[key]))
	}
	return out
}

// mergeEntities folds members into one entity. Refs are unioned, list fields
// are unioned, the longest description wins, and an answered question stays
// answered.
func mergeEntities(members []*extract.Entity) *extract.Entity {
	merged := &extract.Entity{
		Kind: members[0].Kind,
		Name: members[0].Name,
	}

	refSets := make([][]extract.MessageRef, 0, len(members))
	for _, e := range members {
		refSets = append(refSets, e.Refs)

		if len(e.Description) > len(merged.Description) {
			merged.Description = e.Description
		}
		if len(e.Role) > len(merged.Role) {
			merged.Role = e.Role
		}
		if merged.Project == "" {
			merged.Project = e.Project
		}
		if e.Status == extract.StatusAnswered || merged.Status == "" {
			merged.Status = e.Status
		}

		merged.Knows = extract.UnionNames(merged.Knows, e.Knows)
		merged.WorksWith = extract.UnionNames(merged.WorksWith, e.WorksWith)
		merged.MemberOf = extract.UnionNames(merged.MemberOf, e.MemberOf)
		merged.Members = extract.UnionNames(merged.Members, e.Members)
		merged.Funds = extract.UnionNames(merged.Funds, e.Funds)
		merged.People = extract.UnionNames(merged.People, e.People)
		merged.FundedBy = extract.UnionNames(merged.FundedBy, e.FundedBy)
		merged.DecidedBy = extract.UnionNames(merged.DecidedBy, e.DecidedBy)
		merged.Alternatives = extract.UnionNames(merged.Alternatives, e.Alternatives)
		merged.BetweenPeople = extract.UnionNames(merged.BetweenPeople, e.BetweenPeople)
		merged.BetweenConcepts = extract.UnionNames(merged.BetweenConcepts, e.BetweenConcepts)
		merged.Themes = extract.UnionNames(merged.Themes, e.Themes)
	}

	merged.Refs = extract.UnionRefs(refSets...)
	return merged
}

func nameKey(name string) string {
	return strings.ToLower(ai.NormalizeName(name))
}

func sortEntities(entities []*extract.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Kind != entities[j].Kind {
			return entities[i].Kind < entities[j].Kind
		}
		return nameKey(entities[i].Name) < nameKey(entities[j].Name)
	})
}
