package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atranelis/recall/internal/util"
)

// ClusterBatchSize bounds how many candidate names go into a single
// clustering call. Larger batches degrade judgment quality before they hit
// context limits.
const ClusterBatchSize = 300

// clusterBackoffBase is the initial delay between failed clustering
// attempts; it doubles per attempt.
var clusterBackoffBase = 2 * time.Second

// ClusterCandidate is one entity name offered to the clustering oracle.
type ClusterCandidate struct {
	Name string
	Kind string
}

// ClusterGroup represents a group of names judged to be the same entity,
// with the canonical name the group should merge under.
type ClusterGroup struct {
	Name    string   `json:"canonicalName" jsonschema_description:"The final name for the merged entity."`
	Members []string `json:"members" jsonschema_description:"Names from the input list that refer to the same entity."`
}

// ClusterResponse is the response from the clustering oracle call.
type ClusterResponse struct {
	Groups []ClusterGroup `json:"groups" jsonschema_description:"Groups of names referring to the same entity. Names that are unique stay out."`
}

const clusterPrompt = `You are consolidating a knowledge base extracted from personal conversation logs.
Below is a list of entity names of the same kind. Some of them refer to the same real-world thing under different spellings, abbreviations, aliases or phrasings (e.g. "Tim" / "Timo", "EPV" / "Eastside Park Vision").

Group the names that refer to the same entity. Only group names you are confident about; when in doubt, leave them ungrouped. Never group distinct people who merely share a first name. Pick the most complete, most commonly used name as the canonical name of each group.

%s`

// CallClusterOracle asks the oracle which of the given same-kind candidates
// refer to the same entity. Candidates are normalized before being offered;
// fewer than two usable candidates short-circuits to an empty response.
func CallClusterOracle(
	ctx context.Context,
	candidates []ClusterCandidate,
	oracle Oracle,
	maxRetries int,
) (*ClusterResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if oracle == nil {
		return nil, fmt.Errorf("oracle is nil")
	}
	if len(candidates) < 2 {
		return &ClusterResponse{Groups: []ClusterGroup{}}, nil
	}

	cleaned := make([]ClusterCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		name := NormalizeName(candidate.Name)
		kind := NormalizeName(candidate.Kind)
		if name == "" || kind == "" {
			continue
		}
		cleaned = append(cleaned, ClusterCandidate{Name: name, Kind: kind})
	}
	if len(cleaned) < 2 {
		return &ClusterResponse{Groups: []ClusterGroup{}}, nil
	}
	if len(cleaned) > ClusterBatchSize {
		return nil, fmt.Errorf("cluster batch size exceeded: %d > %d", len(cleaned), ClusterBatchSize)
	}

	var data strings.Builder
	data.WriteString("Entities:\n")
	for _, c := range cleaned {
		fmt.Fprintf(&data, "- Name: %s, Kind: %s\n", c.Name, c.Kind)
	}
	prompt := fmt.Sprintf(clusterPrompt, data.String())

	// A fresh response per attempt: a failed attempt may have partially
	// decoded groups that must not leak into the next one.
	res, err := util.RetryWithBackoff(ctx, maxRetries, clusterBackoffBase,
		func(ctx context.Context) (ClusterResponse, error) {
			var r ClusterResponse
			err := oracle.GenerateCompletionWithFormat(
				ctx, "cluster_entities", "Group names referring to the same entity.", prompt, &r,
			)
			return r, err
		})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// NormalizeName standardizes names for clustering and merge comparisons.
func NormalizeName(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}
