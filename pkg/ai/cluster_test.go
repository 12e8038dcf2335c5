package ai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// flakyOracle writes a canned answer per attempt and fails the attempts
// whose answer is paired with an error, after decoding.
type flakyOracle struct {
	answers []string
	errs    []error
	calls   int
}

var _ Oracle = (*flakyOracle)(nil)

func (o *flakyOracle) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	return "", nil
}

func (o *flakyOracle) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...GenerateOption) error {
	i := o.calls
	o.calls++
	if err := json.Unmarshal([]byte(o.answers[i]), out); err != nil {
		return err
	}
	return o.errs[i]
}

func (o *flakyOracle) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return nil, nil
}

func (o *flakyOracle) ResetMetrics() {}

func (o *flakyOracle) GetMetrics() ModelMetrics { return ModelMetrics{} }

func TestCallClusterOracleRetriesWithFreshResponse(t *testing.T) {
	old := clusterBackoffBase
	clusterBackoffBase = 0
	defer func() { clusterBackoffBase = old }()

	// The first attempt decodes a group but still fails; its groups must not
	// survive into the retried attempt's result.
	oracle := &flakyOracle{
		answers: []string{
			`{"groups": [{"canonicalName": "Stale", "members": ["a", "b"]}]}`,
			`{"groups": [{"canonicalName": "Timo", "members": ["Tim", "Timo"]}]}`,
		},
		errs: []error{errors.New("stream cut off"), nil},
	}

	candidates := []ClusterCandidate{
		{Name: "Tim", Kind: "person"},
		{Name: "Timo", Kind: "person"},
	}
	res, err := CallClusterOracle(context.Background(), candidates, oracle, 2)
	if err != nil {
		t.Fatalf("CallClusterOracle() error = %v", err)
	}
	if oracle.calls != 2 {
		t.Errorf("oracle calls = %d, want 2", oracle.calls)
	}
	if len(res.Groups) != 1 {
		t.Fatalf("Groups = %v, want exactly the retried attempt's group", res.Groups)
	}
	if res.Groups[0].Name != "Timo" {
		t.Errorf("Groups[0].Name = %q, stale first-attempt group leaked", res.Groups[0].Name)
	}
}

func TestCallClusterOracleGivesUpAfterMaxRetries(t *testing.T) {
	old := clusterBackoffBase
	clusterBackoffBase = 0
	defer func() { clusterBackoffBase = old }()

	oracle := &flakyOracle{
		answers: []string{`{"groups": []}`, `{"groups": []}`},
		errs:    []error{errors.New("unavailable"), errors.New("unavailable")},
	}
	candidates := []ClusterCandidate{
		{Name: "Tim", Kind: "person"},
		{Name: "Timo", Kind: "person"},
	}
	if _, err := CallClusterOracle(context.Background(), candidates, oracle, 2); err == nil {
		t.Error("CallClusterOracle() should report the last error once attempts are exhausted")
	}
}
