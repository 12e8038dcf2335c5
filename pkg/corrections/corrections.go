// Package corrections applies hand-maintained overrides on top of merged
// extraction output. The correction file is declarative and re-applied on
// every import; applying it twice gives the same result as applying it once.
package corrections

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atranelis/recall/pkg/ai"
	"github.com/atranelis/recall/pkg/extract"
	"github.com/atranelis/recall/pkg/logger"
)

// EdgeSpec adds one typed edge. Kinds are optional; an omitted kind is
// resolved by unique name lookup over the entity set.
type EdgeSpec struct {
	From     string `yaml:"from"`
	FromKind string `yaml:"from_kind,omitempty"`
	Relation string `yaml:"relation"`
	To       string `yaml:"to"`
	ToKind   string `yaml:"to_kind,omitempty"`
}

// FieldSpec overrides one field of one node.
type FieldSpec struct {
	Node  string `yaml:"node"`
	Label string `yaml:"label"`
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// CorrectionSet is the full override document. Application order is fixed:
// deletions first, then added edges, then field overrides.
type CorrectionSet struct {
	DeleteNodes []string    `yaml:"delete_nodes"`
	AddEdges    []EdgeSpec  `yaml:"add_edges"`
	SetFields   []FieldSpec `yaml:"set_fields"`
}

// Load reads a correction file. A missing file is an empty set, not an
// error, so a corpus without manual corrections needs no placeholder file.
func Load(path string) (*CorrectionSet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &CorrectionSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read corrections %s: %w", path, err)
	}

	var set CorrectionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse corrections %s: %w", path, err)
	}
	return &set, nil
}

// Apply returns the corrected entity and relation sets. Inputs are not
// mutated. Deleting an absent node and setting a field to its current value
// are no-ops; an edge naming an unresolvable endpoint is skipped with a
// warning, never a failure.
func (set *CorrectionSet) Apply(entities []*extract.Entity, relations []extract.Relation) ([]*extract.Entity, []extract.Relation) {
	deleted := make(map[string]bool, len(set.DeleteNodes))
	for _, name := range set.DeleteNodes {
		deleted[nameKey(name)] = true
	}

	kept := make([]*extract.Entity, 0, len(entities))
	for _, e := range entities {
		if deleted[nameKey(e.Name)] {
			continue
		}
		copied := *e
		kept = append(kept, &copied)
	}

	var keptRels []extract.Relation
	for _, rel := range relations {
		if deleted[nameKey(rel.From.Name)] || deleted[nameKey(rel.To.Name)] {
			continue
		}
		keptRels = append(keptRels, rel)
	}

	for _, edge := range set.AddEdges {
		rel, err := set.resolveEdge(edge, kept)
		if err != nil {
			logger.Warn("correction edge skipped", "from", edge.From, "to", edge.To, "error", err)
			continue
		}
		if deleted[nameKey(rel.From.Name)] || deleted[nameKey(rel.To.Name)] {
			continue
		}
		if !containsRelation(keptRels, rel) {
			keptRels = append(keptRels, rel)
		}
	}

	for _, field := range set.SetFields {
		applied := false
		for _, e := range kept {
			if nameKey(e.Name) != nameKey(field.Node) {
				continue
			}
			if field.Label != "" && !strings.EqualFold(field.Label, string(e.Kind)) {
				continue
			}
			if err := setField(e, field.Field, field.Value); err != nil {
				logger.Warn("correction field skipped", "node", field.Node, "error", err)
				break
			}
			applied = true
		}
		if !applied {
			logger.Warn("correction field matched no node", "node", field.Node, "label", field.Label)
		}
	}

	return kept, keptRels
}

// resolveEdge maps an edge spec onto a relation with concrete endpoint
// kinds, validating the relation type against the known set.
func (set *CorrectionSet) resolveEdge(edge EdgeSpec, entities []*extract.Entity) (extract.Relation, error) {
	relType := extract.RelType(strings.ToUpper(strings.TrimSpace(edge.Relation)))
	known := false
	for _, t := range extract.RelTypes() {
		if t == relType {
			known = true
			break
		}
	}
	if !known {
		return extract.Relation{}, fmt.Errorf("unknown relation type %q", edge.Relation)
	}

	from, err := resolveEndpoint(edge.From, edge.FromKind, entities)
	if err != nil {
		return extract.Relation{}, err
	}
	to, err := resolveEndpoint(edge.To, edge.ToKind, entities)
	if err != nil {
		return extract.Relation{}, err
	}
	return extract.Relation{Type: relType, From: from, To: to}, nil
}

func resolveEndpoint(name, kind string, entities []*extract.Entity) (extract.NodeRef, error) {
	name = ai.NormalizeName(name)
	if name == "" {
		return extract.NodeRef{}, fmt.Errorf("empty endpoint name")
	}
	if kind != "" {
		return extract.NodeRef{Kind: strings.ToLower(kind), Name: name}, nil
	}

	var matches []*extract.Entity
	for _, e := range entities {
		if nameKey(e.Name) == nameKey(name) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return extract.NodeRef{}, fmt.Errorf("endpoint %q matches no node", name)
	case 1:
		return extract.NodeRef{Kind: string(matches[0].Kind), Name: matches[0].Name}, nil
	default:
		return extract.NodeRef{}, fmt.Errorf("endpoint %q is ambiguous, set a kind", name)
	}
}

func setField(e *extract.Entity, field, value string) error {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "name":
		if value == "" {
			return fmt.Errorf("refusing to set empty name")
		}
		e.Name = value
	case "description":
		e.Description = value
	case "role":
		e.Role = value
	case "status":
		if value != extract.StatusOpen && value != extract.StatusAnswered {
			return fmt.Errorf("unknown status %q", value)
		}
		e.Status = value
	case "project":
		e.Project = value
	default:
		return fmt.Errorf("field %q is not overridable", field)
	}
	return nil
}

func containsRelation(rels []extract.Relation, rel extract.Relation) bool {
	for _, r := range rels {
		if r == rel {
			return true
		}
	}
	return false
}

func nameKey(name string) string {
	return strings.ToLower(ai.NormalizeName(name))
}
