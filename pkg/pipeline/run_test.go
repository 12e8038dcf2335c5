package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/atranelis/recall/pkg/ai"
	"github.com/atranelis/recall/pkg/archive"
	"github.com/atranelis/recall/pkg/archive/store"
	"github.com/atranelis/recall/pkg/extract"
)

// scriptedOracle serves canned extraction answers in call order and charges
// a fixed cost per extraction and per cluster call. Cluster calls return no
// groups.
type scriptedOracle struct {
	mu             sync.Mutex
	extractAnswers []string
	extractCalls   int
	clusterCalls   int
	costPerCall    float64
	clusterCost    float64
	cost           float64
}

var _ ai.Oracle = (*scriptedOracle)(nil)

func (o *scriptedOracle) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (o *scriptedOracle) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch name {
	case "cluster_entities":
		o.clusterCalls++
		o.cost += o.clusterCost
		return json.Unmarshal([]byte(`{"groups": []}`), out)
	case "knowledge_extraction":
		if o.extractCalls >= len(o.extractAnswers) {
			return fmt.Errorf("unexpected extraction call %d", o.extractCalls)
		}
		answer := o.extractAnswers[o.extractCalls]
		o.extractCalls++
		o.cost += o.costPerCall
		return json.Unmarshal([]byte(answer), out)
	default:
		return fmt.Errorf("unexpected format call %q", name)
	}
}

func (o *scriptedOracle) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return make([]float32, 4), nil
}

func (o *scriptedOracle) ResetMetrics() {}

func (o *scriptedOracle) GetMetrics() ai.ModelMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ai.ModelMetrics{CostUSD: o.cost}
}

func entityAnswer(name string, index int) string {
	return fmt.Sprintf(`{"entities": [
		{"kind": "person", "name": %q, "description": "seen in chunk", "message_indexes": [%d]}
	]}`, name, index)
}

func writeCorpus(t *testing.T, dir, sessionID string, messages ...string) string {
	t.Helper()
	path := filepath.Join(dir, sessionID+".jsonl")
	var lines []byte
	for i, text := range messages {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		line := fmt.Sprintf(
			`{"type":%q,"timestamp":"2026-04-01T10:0%d:00Z","message":{"role":%q,"content":%q}}`,
			role, i, role, text,
		)
		lines = append(lines, []byte(line+"\n")...)
	}
	if err := os.WriteFile(path, lines, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testRunner(t *testing.T, corpusDir string, oracle ai.Oracle, ceiling float64) (*Runner, *store.Store, *Manifest) {
	t.Helper()
	stateDir := t.TempDir()

	archiveStore, err := store.Open(filepath.Join(stateDir, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { archiveStore.Close() })

	manifest, err := LoadManifest(filepath.Join(stateDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}

	runner := NewRunner(RunnerParams{
		Roots:            map[string]string{"anton": corpusDir},
		Store:            archiveStore,
		Manifest:         manifest,
		Oracle:           oracle,
		CorrectionsPath:  filepath.Join(stateDir, "corrections.yaml"),
		BudgetCeilingUSD: ceiling,
		ChunkSize:        2,
		ParallelChunks:   1,
		MaxRetries:       1,
	})
	return runner, archiveStore, manifest
}

func TestRunExtractsMergesAndStages(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1",
		"timo wants to fund the eastside park",
		"the city grant looks promising",
		"timo will talk to the stadtwerke",
		"good, that settles it",
	)

	oracle := &scriptedOracle{
		extractAnswers: []string{entityAnswer("Timo", 0), entityAnswer("timo", 2)},
		costPerCall:    0.5,
	}
	runner, archiveStore, manifest := testRunner(t, corpus, oracle, 100)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.ScannedSessions != 1 {
		t.Errorf("ScannedSessions = %d, want 1", report.ScannedSessions)
	}
	if report.ProcessedChunks != 2 || report.FailedChunks != 0 {
		t.Errorf("chunks = %d done / %d failed, want 2/0", report.ProcessedChunks, report.FailedChunks)
	}
	if report.SpendUSD != 1 {
		t.Errorf("SpendUSD = %v, want 1", report.SpendUSD)
	}
	if report.EntitiesByKind["person"] != 1 {
		t.Errorf("EntitiesByKind = %v, the two chunk persons must merge into one", report.EntitiesByKind)
	}

	ctx := context.Background()
	merged, err := archiveStore.MergedExtractions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := merged["sess1"]
	if !ok {
		t.Fatal("no merged extraction for sess1")
	}
	// Provenance union across the two chunks.
	var entities []map[string]any
	if err := json.Unmarshal(payload, &entities); err != nil {
		t.Fatal(err)
	}
	refs := entities[0]["message_refs"].([]any)
	if len(refs) != 2 {
		t.Errorf("merged refs = %v, want the union of both chunks", refs)
	}

	staged, err := archiveStore.StagedExtractions(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 0 {
		t.Errorf("staged rows remain after merge: %d", len(staged))
	}

	_, done, _ := manifest.Counts()
	if done != 2 {
		t.Errorf("manifest done = %d, want 2", done)
	}
}

func TestRerunOnUnchangedCorpusDoesNoWork(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	oracle := &scriptedOracle{
		extractAnswers: []string{entityAnswer("Timo", 0), entityAnswer("Timo", 2)},
	}
	runner, _, _ := testRunner(t, corpus, oracle, 100)

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := oracle.extractCalls

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.ScannedSessions != 0 {
		t.Errorf("ScannedSessions = %d on unchanged corpus, want 0", report.ScannedSessions)
	}
	if oracle.extractCalls != callsAfterFirst {
		t.Errorf("extract calls grew from %d to %d on an unchanged corpus", callsAfterFirst, oracle.extractCalls)
	}
}

func TestBudgetCutoffLeavesChunksPendingAndResumes(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	oracle := &scriptedOracle{
		extractAnswers: []string{entityAnswer("Timo", 0), entityAnswer("Timo", 2)},
		costPerCall:    1,
	}
	// Ceiling 1: the first call exhausts the budget, the second chunk must
	// not be issued.
	runner, archiveStore, manifest := testRunner(t, corpus, oracle, 1)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if oracle.extractCalls != 1 {
		t.Fatalf("extract calls = %d, want 1", oracle.extractCalls)
	}
	if report.ProcessedChunks != 1 || report.SkippedChunks != 1 {
		t.Errorf("chunks = %d done / %d skipped, want 1/1", report.ProcessedChunks, report.SkippedChunks)
	}
	if !report.BudgetExhausted {
		t.Error("report should mark the budget exhausted")
	}
	pending, done, _ := manifest.Counts()
	if pending != 1 || done != 1 {
		t.Errorf("manifest = %d pending / %d done, want 1/1", pending, done)
	}

	// Resume with a raised ceiling: the file is unchanged, so the session
	// is rediscovered through the manifest and exactly the remaining chunk
	// runs. Completed work is never re-billed.
	resumed := NewRunner(RunnerParams{
		Roots:            map[string]string{"anton": corpus},
		Store:            archiveStore,
		Manifest:         manifest,
		Oracle:           oracle,
		CorrectionsPath:  filepath.Join(t.TempDir(), "corrections.yaml"),
		BudgetCeilingUSD: 100,
		ChunkSize:        2,
		ParallelChunks:   1,
		MaxRetries:       1,
	})
	resumedReport, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if oracle.extractCalls != 2 {
		t.Errorf("extract calls = %d after resume, want 2 (one per chunk overall)", oracle.extractCalls)
	}
	if resumedReport.ProcessedChunks != 1 {
		t.Errorf("resumed ProcessedChunks = %d, want exactly the remaining chunk", resumedReport.ProcessedChunks)
	}
	if resumedReport.SpendUSD != 2 {
		t.Errorf("cumulative SpendUSD = %v, want 2", resumedReport.SpendUSD)
	}

	merged, err := archiveStore.MergedExtractions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var entities []map[string]any
	if err := json.Unmarshal(merged["sess1"], &entities); err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 {
		t.Errorf("merged entities = %d, want the two chunk persons merged", len(entities))
	}
}

func TestFailedChunkDoesNotAbortRun(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	oracle := &scriptedOracle{
		extractAnswers: []string{
			`{"entities": [{"kind": "Pseudo", "name": "ghost", "description": "x", "message_indexes": [0]}]}`,
			entityAnswer("Timo", 2),
		},
	}
	runner, _, manifest := testRunner(t, corpus, oracle, 100)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, chunk failures must not abort the run", err)
	}
	if report.FailedChunks != 1 {
		t.Errorf("FailedChunks = %d, want exactly 1", report.FailedChunks)
	}
	if report.ProcessedChunks != 1 {
		t.Errorf("ProcessedChunks = %d, want 1", report.ProcessedChunks)
	}
	if got := manifest.Status("sess1", 0); got != StatusFailed {
		t.Errorf("Status(sess1,0) = %s, want failed", got)
	}
	if got := manifest.Status("sess1", 1); got != StatusDone {
		t.Errorf("Status(sess1,1) = %s, want done", got)
	}
	if len(report.Warnings) == 0 {
		t.Error("a failed chunk must surface a warning")
	}
}

func TestClusterSpendCountsAgainstBudget(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	// Two distinct person names survive the name pass, so both the session
	// merge and the corpus merge issue one clustering call each.
	oracle := &scriptedOracle{
		extractAnswers: []string{entityAnswer("Tim", 0), entityAnswer("Timo", 2)},
		costPerCall:    0.5,
		clusterCost:    0.25,
	}
	runner, _, manifest := testRunner(t, corpus, oracle, 100)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if oracle.clusterCalls != 2 {
		t.Fatalf("cluster calls = %d, want 2 (session merge + corpus merge)", oracle.clusterCalls)
	}
	if report.SpendUSD != 1.5 {
		t.Errorf("SpendUSD = %v, want 1.5 including the cluster calls", report.SpendUSD)
	}
	if manifest.Spend() != 1.5 {
		t.Errorf("manifest spend = %v, want 1.5", manifest.Spend())
	}
}

func TestExhaustedBudgetBlocksClusterCalls(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	// Extraction alone reaches the ceiling; the merge phases must fall back
	// to the deterministic name merge without touching the oracle again.
	oracle := &scriptedOracle{
		extractAnswers: []string{entityAnswer("Tim", 0), entityAnswer("Timo", 2)},
		costPerCall:    0.75,
	}
	runner, _, _ := testRunner(t, corpus, oracle, 1.5)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if oracle.extractCalls != 2 {
		t.Fatalf("extract calls = %d, want 2", oracle.extractCalls)
	}
	if oracle.clusterCalls != 0 {
		t.Errorf("cluster calls = %d, want 0 once the budget is exhausted", oracle.clusterCalls)
	}
	if !report.BudgetExhausted {
		t.Error("report should mark the budget exhausted")
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "clustering degraded") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want a clustering degradation warning", report.Warnings)
	}
	if report.EntitiesByKind["person"] != 2 {
		t.Errorf("EntitiesByKind = %v, the name merge must still have run", report.EntitiesByKind)
	}
}

func TestMergeCanonicalFollowsChunkOrder(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	// Same person under two spellings; the earlier chunk's spelling wins,
	// regardless of staging storage order.
	oracle := &scriptedOracle{
		extractAnswers: []string{entityAnswer("TIMO", 0), entityAnswer("timo", 2)},
	}
	runner, archiveStore, _ := testRunner(t, corpus, oracle, 100)

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	merged, err := archiveStore.MergedExtractions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var entities []map[string]any
	if err := json.Unmarshal(merged["sess1"], &entities); err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 {
		t.Fatalf("merged entities = %d, want 1", len(entities))
	}
	if entities[0]["name"] != "TIMO" {
		t.Errorf("canonical name = %v, want the first chunk's spelling TIMO", entities[0]["name"])
	}
}

func TestPruneKeepIncludesSessionOwners(t *testing.T) {
	entities := []*extract.Entity{
		{Kind: extract.KindPerson, Name: "Timo"},
		{Kind: extract.KindConcept, Name: "city grant"},
	}
	sessions := []archive.Session{
		{ID: "s1", UserID: "anton"},
		{ID: "s2", UserID: "anton"},
		{ID: "s3", UserID: "berta"},
	}

	keep := pruneKeep(entities, sessions)

	persons := keep[extract.KindPerson]
	if len(persons) != 3 {
		t.Fatalf("person keep set = %v, want Timo plus each owner once", persons)
	}
	owners := map[string]bool{}
	for _, name := range persons {
		owners[name] = true
	}
	if !owners["anton"] || !owners["berta"] {
		t.Errorf("person keep set = %v, session owners must survive pruning", persons)
	}
	if len(keep[extract.KindConcept]) != 1 {
		t.Errorf("concept keep set = %v", keep[extract.KindConcept])
	}
}

func TestChangedFingerprintResetsSessionWork(t *testing.T) {
	corpus := t.TempDir()
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four")

	oracle := &scriptedOracle{
		extractAnswers: []string{
			entityAnswer("Timo", 0), entityAnswer("Timo", 2),
			entityAnswer("Klaus", 0), entityAnswer("Klaus", 2), entityAnswer("Klaus", 4),
		},
	}
	runner, archiveStore, manifest := testRunner(t, corpus, oracle, 100)

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if oracle.extractCalls != 2 {
		t.Fatalf("extract calls = %d after first run, want 2", oracle.extractCalls)
	}

	// Grow the file: fingerprint changes, all chunks re-extract.
	writeCorpus(t, corpus, "sess1", "one", "two", "three", "four", "five", "six")

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.ScannedSessions != 1 {
		t.Errorf("ScannedSessions = %d, want 1", report.ScannedSessions)
	}
	if oracle.extractCalls != 5 {
		t.Errorf("extract calls = %d, want 5 (2 initial + 3 after reset)", oracle.extractCalls)
	}

	merged, err := archiveStore.MergedExtractions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var entities []map[string]any
	if err := json.Unmarshal(merged["sess1"], &entities); err != nil {
		t.Fatal(err)
	}
	if entities[0]["name"] != "Klaus" {
		t.Errorf("merged entity = %v, stale Timo extraction must be replaced", entities[0]["name"])
	}

	_, done, _ := manifest.Counts()
	if done != 3 {
		t.Errorf("manifest done = %d, want 3", done)
	}
}
