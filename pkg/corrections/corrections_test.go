package corrections

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/atranelis/recall/pkg/extract"
)

func entitySet() []*extract.Entity {
	return []*extract.Entity{
		{Kind: extract.KindPerson, Name: "Timo", Role: "gardener",
			Refs: []extract.MessageRef{{SessionID: "A", Index: 0}}},
		{Kind: extract.KindPerson, Name: "Klaus",
			Refs: []extract.MessageRef{{SessionID: "A", Index: 2}}},
		{Kind: extract.KindProject, Name: "Eastside Park",
			Refs: []extract.MessageRef{{SessionID: "A", Index: 3}}},
	}
}

func relationSet() []extract.Relation {
	return []extract.Relation{
		{Type: extract.RelKnows,
			From: extract.NodeRef{Kind: "person", Name: "Klaus"},
			To:   extract.NodeRef{Kind: "person", Name: "Timo"}},
		{Type: extract.RelMemberOf,
			From: extract.NodeRef{Kind: "person", Name: "Timo"},
			To:   extract.NodeRef{Kind: "project", Name: "Eastside Park"}},
	}
}

func TestDeleteRemovesNodeAndItsRelations(t *testing.T) {
	set := &CorrectionSet{DeleteNodes: []string{"klaus"}}

	entities, relations := set.Apply(entitySet(), relationSet())

	for _, e := range entities {
		if e.Name == "Klaus" {
			t.Error("Klaus should be deleted")
		}
	}
	for _, r := range relations {
		if r.From.Name == "Klaus" || r.To.Name == "Klaus" {
			t.Errorf("relation %v references the deleted node", r)
		}
	}
	if len(relations) != 1 {
		t.Errorf("len(relations) = %d, want 1", len(relations))
	}
}

func TestDeleteAbsentNodeIsNoOp(t *testing.T) {
	set := &CorrectionSet{DeleteNodes: []string{"klaus"}}
	entities := []*extract.Entity{
		{Kind: extract.KindPerson, Name: "Timo",
			Refs: []extract.MessageRef{{SessionID: "A", Index: 0}}},
	}

	got, rels := set.Apply(entities, nil)
	if len(got) != 1 || got[0].Name != "Timo" {
		t.Errorf("entities = %v, deleting an absent node must change nothing", got)
	}
	if len(rels) != 0 {
		t.Errorf("relations = %v", rels)
	}
}

func TestAddEdgeResolvesAndDeduplicates(t *testing.T) {
	set := &CorrectionSet{AddEdges: []EdgeSpec{
		{From: "Timo", Relation: "knows", To: "Klaus"},
	}}

	_, relations := set.Apply(entitySet(), relationSet())
	count := 0
	for _, r := range relations {
		if r.Type == extract.RelKnows {
			count++
		}
	}
	// The KNOWS edge between the two already exists in the other direction;
	// the added edge is a distinct directed edge.
	if count != 2 {
		t.Errorf("KNOWS edges = %d, want 2", count)
	}

	// Applying again must not duplicate it.
	_, again := set.Apply(entitySet(), relations)
	if len(again) != len(relations) {
		t.Errorf("second application grew relations from %d to %d", len(relations), len(again))
	}
}

func TestAddEdgeUnresolvableEndpointSkipped(t *testing.T) {
	set := &CorrectionSet{AddEdges: []EdgeSpec{
		{From: "Nobody", Relation: "KNOWS", To: "Timo"},
	}}

	_, relations := set.Apply(entitySet(), relationSet())
	if len(relations) != len(relationSet()) {
		t.Errorf("len(relations) = %d, unresolvable edge must be skipped", len(relations))
	}
}

func TestSetFieldsOverride(t *testing.T) {
	set := &CorrectionSet{SetFields: []FieldSpec{
		{Node: "timo", Label: "person", Field: "role", Value: "city planner"},
		{Node: "Timo", Label: "organization", Field: "role", Value: "wrong label"},
	}}

	entities, _ := set.Apply(entitySet(), nil)
	if entities[0].Role != "city planner" {
		t.Errorf("Role = %q, want override applied", entities[0].Role)
	}
}

func TestApplyTwiceEqualsApplyOnce(t *testing.T) {
	set := &CorrectionSet{
		DeleteNodes: []string{"klaus"},
		AddEdges:    []EdgeSpec{{From: "Timo", Relation: "MEMBER_OF", To: "Eastside Park"}},
		SetFields:   []FieldSpec{{Node: "Timo", Field: "role", Value: "city planner"}},
	}

	e1, r1 := set.Apply(entitySet(), relationSet())
	e2, r2 := set.Apply(e1, r1)

	if !reflect.DeepEqual(e1, e2) {
		t.Errorf("entities differ between applications:\nonce:  %v\ntwice: %v", e1, e2)
	}
	if !reflect.DeepEqual(r1, r2) {
		t.Errorf("relations differ between applications:\nonce:  %v\ntwice: %v", r1, r2)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	set := &CorrectionSet{SetFields: []FieldSpec{
		{Node: "Timo", Field: "role", Value: "changed"},
	}}

	input := entitySet()
	set.Apply(input, nil)
	if input[0].Role != "gardener" {
		t.Errorf("input Role = %q, Apply must not mutate its input", input[0].Role)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrections.yaml")
	doc := `delete_nodes:
  - klaus
add_edges:
  - from: Timo
    relation: KNOWS
    to: Anna
    to_kind: person
set_fields:
  - node: Timo
    label: person
    field: role
    value: city planner
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(set.DeleteNodes) != 1 || set.DeleteNodes[0] != "klaus" {
		t.Errorf("DeleteNodes = %v", set.DeleteNodes)
	}
	if len(set.AddEdges) != 1 || set.AddEdges[0].ToKind != "person" {
		t.Errorf("AddEdges = %v", set.AddEdges)
	}
	if len(set.SetFields) != 1 || set.SetFields[0].Value != "city planner" {
		t.Errorf("SetFields = %v", set.SetFields)
	}

	empty, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load(missing) error = %v", err)
	}
	if len(empty.DeleteNodes)+len(empty.AddEdges)+len(empty.SetFields) != 0 {
		t.Error("missing file should load as an empty set")
	}
}
