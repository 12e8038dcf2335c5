package merge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/atranelis/recall/pkg/ai"
	"github.com/atranelis/recall/pkg/extract"
)

// clusterOracle replays one canned clustering answer, or fails.
type clusterOracle struct {
	answer string
	err    error
	calls  int
}

var _ ai.Oracle = (*clusterOracle)(nil)

func (o *clusterOracle) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (o *clusterOracle) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	o.calls++
	if o.err != nil {
		return o.err
	}
	return json.Unmarshal([]byte(o.answer), out)
}

func (o *clusterOracle) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return nil, nil
}

func (o *clusterOracle) ResetMetrics() {}

func (o *clusterOracle) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func person(name string, refs ...extract.MessageRef) *extract.Entity {
	return &extract.Entity{Kind: extract.KindPerson, Name: name, Refs: refs}
}

func ref(session string, idx int) extract.MessageRef {
	return extract.MessageRef{SessionID: session, Index: idx}
}

func TestMergeSessionUnionsRefsAcrossChunks(t *testing.T) {
	// Exact same name in two chunks merges without any oracle judgment.
	oracle := &clusterOracle{answer: `{"groups": []}`}
	m := NewMerger(oracle, 1)

	got, err := m.MergeSession(context.Background(), []*extract.ChunkExtraction{
		{SessionID: "A", ChunkIndex: 0, Entities: []*extract.Entity{person("timo", ref("A", 0))}},
		{SessionID: "A", ChunkIndex: 1, Entities: []*extract.Entity{person("timo", ref("A", 5))}},
	})
	if err != nil {
		t.Fatalf("MergeSession() error = %v", err)
	}
	if len(got.Entities) != 1 {
		t.Fatalf("len(Entities) = %d, want 1", len(got.Entities))
	}
	timo := got.Entities[0]
	if len(timo.Refs) != 2 || timo.Refs[0] != ref("A", 0) || timo.Refs[1] != ref("A", 5) {
		t.Errorf("Refs = %v, want union {(A,0),(A,5)}", timo.Refs)
	}
}

func TestClusterMergeUnionsRefsIndependentOfCanonicalName(t *testing.T) {
	// The oracle renames the group to a spelling that matches neither input.
	oracle := &clusterOracle{answer: `{
		"groups": [{"canonicalName": "Timo Berger", "members": ["Tim", "Timo"]}]
	}`}
	m := NewMerger(oracle, 1)

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{
		person("Tim", ref("A", 0)),
		person("Timo", ref("B", 3)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entities) != 1 {
		t.Fatalf("len(Entities) = %d, want 1", len(got.Entities))
	}
	merged := got.Entities[0]
	if merged.Name != "Timo Berger" {
		t.Errorf("Name = %q, want oracle canonical name", merged.Name)
	}
	if len(merged.Refs) != 2 {
		t.Errorf("Refs = %v, want both inputs' refs despite the rename", merged.Refs)
	}
}

func TestCaseInsensitiveNameSecondPass(t *testing.T) {
	// The oracle misses the pair; the deterministic pass must still fold
	// names differing only in case.
	oracle := &clusterOracle{answer: `{"groups": []}`}
	m := NewMerger(oracle, 1)

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{
		person("Klaus", ref("A", 1)),
		person("klaus", ref("B", 2)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entities) != 1 {
		t.Fatalf("len(Entities) = %d, want 1 after name pass", len(got.Entities))
	}
	if len(got.Entities[0].Refs) != 2 {
		t.Errorf("Refs = %v, want both", got.Entities[0].Refs)
	}
}

func TestClusterFailureFlagsAndKeepsEntities(t *testing.T) {
	oracle := &clusterOracle{err: errors.New("model unavailable")}
	m := NewMerger(oracle, 1)

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{
		person("Tim", ref("A", 0)),
		person("Timo", ref("B", 3)),
	})
	if err != nil {
		t.Fatalf("MergeCorpus() should degrade, not fail: %v", err)
	}
	if len(got.Entities) != 2 {
		t.Errorf("len(Entities) = %d, want 2 kept entities", len(got.Entities))
	}
	if len(got.Warnings) == 0 || !strings.Contains(got.Warnings[0], "falling back") {
		t.Errorf("Warnings = %v, want clustering fallback warning", got.Warnings)
	}
}

func TestExhaustedBudgetSkipsClusterOracle(t *testing.T) {
	oracle := &clusterOracle{answer: `{"groups": []}`}
	m := NewMerger(oracle, 1)
	m.AllowCalls = func() bool { return false }

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{
		person("Tim", ref("A", 0)),
		person("Timo", ref("B", 3)),
	})
	if err != nil {
		t.Fatalf("MergeCorpus() error = %v", err)
	}
	if oracle.calls != 0 {
		t.Errorf("oracle calls = %d, want 0 once the budget is exhausted", oracle.calls)
	}
	if len(got.Entities) != 2 {
		t.Errorf("len(Entities) = %d, want both entities kept by the name merge", len(got.Entities))
	}
	if len(got.Warnings) == 0 || !strings.Contains(got.Warnings[0], "budget") {
		t.Errorf("Warnings = %v, want a budget degradation warning", got.Warnings)
	}
}

func TestHallucinatedClusterMemberIsSkipped(t *testing.T) {
	oracle := &clusterOracle{answer: `{
		"groups": [{"canonicalName": "Timo", "members": ["Timo", "Theodor"]}]
	}`}
	m := NewMerger(oracle, 1)

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{
		person("Timo", ref("A", 0)),
		person("Anna", ref("A", 4)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entities) != 2 {
		t.Errorf("len(Entities) = %d, want Timo and Anna", len(got.Entities))
	}
	found := false
	for _, w := range got.Warnings {
		if strings.Contains(w, "Theodor") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want a warning naming the unknown member", got.Warnings)
	}
}

func TestMergeEntityFields(t *testing.T) {
	oracle := &clusterOracle{answer: `{"groups": []}`}
	m := NewMerger(oracle, 1)

	a := person("Timo", ref("A", 0))
	a.Description = "short"
	a.Knows = []string{"Klaus"}
	a.Role = "gardener"

	b := person("timo", ref("B", 1))
	b.Description = "the longer and more specific description"
	b.Knows = []string{"Anna"}
	b.WorksWith = []string{"Klaus"}

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{a, b})
	if err != nil {
		t.Fatal(err)
	}
	merged := got.Entities[0]
	if merged.Description != b.Description {
		t.Errorf("Description = %q, longer one should win", merged.Description)
	}
	if merged.Role != "gardener" {
		t.Errorf("Role = %q", merged.Role)
	}
	if len(merged.Knows) != 2 {
		t.Errorf("Knows = %v, want union", merged.Knows)
	}
}

func TestAnsweredStatusWins(t *testing.T) {
	oracle := &clusterOracle{answer: `{"groups": []}`}
	m := NewMerger(oracle, 1)

	open := &extract.Entity{Kind: extract.KindOpenQuestion, Name: "grant deadline",
		Status: extract.StatusOpen, Refs: []extract.MessageRef{ref("A", 0)}}
	answered := &extract.Entity{Kind: extract.KindOpenQuestion, Name: "Grant Deadline",
		Status: extract.StatusAnswered, Refs: []extract.MessageRef{ref("B", 7)}}

	got, err := m.MergeSession(context.Background(), []*extract.ChunkExtraction{
		{SessionID: "A", Entities: []*extract.Entity{open, answered}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entities) != 1 {
		t.Fatalf("len(Entities) = %d, want 1", len(got.Entities))
	}
	if got.Entities[0].Status != extract.StatusAnswered {
		t.Errorf("Status = %q, answered must survive the merge", got.Entities[0].Status)
	}
}

func TestCorpusMergeLeavesSessionScopedKindsAlone(t *testing.T) {
	oracle := &clusterOracle{answer: `{"groups": []}`}
	m := NewMerger(oracle, 1)

	decisionA := &extract.Entity{Kind: extract.KindDecision, Name: "use the grant",
		Refs: []extract.MessageRef{ref("A", 0)}}
	decisionB := &extract.Entity{Kind: extract.KindDecision, Name: "skip the grant",
		Refs: []extract.MessageRef{ref("B", 0)}}

	got, err := m.MergeCorpus(context.Background(), []*extract.Entity{decisionA, decisionB})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entities) != 2 {
		t.Errorf("len(Entities) = %d, decisions must not cross-merge", len(got.Entities))
	}
	if oracle.calls != 0 {
		t.Errorf("oracle calls = %d, decisions should not reach the cluster oracle in corpus scope", oracle.calls)
	}
}
