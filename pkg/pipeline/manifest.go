package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Status of one chunk's extraction work.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Manifest is the durable record of what extraction work remains, plus the
// cumulative spend of the corpus so far. It is the sole source of truth for
// resuming: a chunk marked done is never re-extracted and never re-billed.
// Every mutation is written through to disk before it is acknowledged.
type Manifest struct {
	mu    sync.Mutex
	path  string
	state manifestState
}

type manifestState struct {
	Chunks   map[string]Status `json:"chunks"`
	SpendUSD float64           `json:"spend_usd"`
}

func chunkKey(sessionID string, chunk int) string {
	return fmt.Sprintf("%s:%d", sessionID, chunk)
}

// LoadManifest reads the manifest at path, or starts an empty one if the
// file does not exist yet. A present but unreadable manifest is a run-level
// error; guessing at lost state would risk double-spending.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{
		path:  path,
		state: manifestState{Chunks: make(map[string]Status)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.state.Chunks == nil {
		m.state.Chunks = make(map[string]Status)
	}
	return m, nil
}

// EnsureChunks registers a session's chunks as pending where no status is
// recorded yet. Existing done or failed entries are left alone.
func (m *Manifest) EnsureChunks(sessionID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for i := 0; i < count; i++ {
		key := chunkKey(sessionID, i)
		if _, ok := m.state.Chunks[key]; !ok {
			m.state.Chunks[key] = StatusPending
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.save()
}

// ResetSession puts every chunk of a session back to pending. This is the
// explicit re-extraction path, used when a session's fingerprint changed.
func (m *Manifest) ResetSession(sessionID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := sessionID + ":"
	for key := range m.state.Chunks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.state.Chunks, key)
		}
	}
	for i := 0; i < count; i++ {
		m.state.Chunks[chunkKey(sessionID, i)] = StatusPending
	}
	return m.save()
}

// Status returns the recorded status of one chunk; unknown chunks are
// pending.
func (m *Manifest) Status(sessionID string, chunk int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.state.Chunks[chunkKey(sessionID, chunk)]
	if !ok {
		return StatusPending
	}
	return status
}

// MarkDone transitions a chunk to done. Transitions are monotonic: a chunk
// already done or failed stays where it is.
func (m *Manifest) MarkDone(sessionID string, chunk int) error {
	return m.transition(sessionID, chunk, StatusDone)
}

// MarkFailed transitions a chunk to failed.
func (m *Manifest) MarkFailed(sessionID string, chunk int) error {
	return m.transition(sessionID, chunk, StatusFailed)
}

func (m *Manifest) transition(sessionID string, chunk int, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chunkKey(sessionID, chunk)
	if current, ok := m.state.Chunks[key]; ok && current != StatusPending {
		return nil
	}
	m.state.Chunks[key] = to
	return m.save()
}

// PendingChunks lists the pending chunk indexes of a session in order.
func (m *Manifest) PendingChunks(sessionID string, count int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []int
	for i := 0; i < count; i++ {
		status, ok := m.state.Chunks[chunkKey(sessionID, i)]
		if !ok || status == StatusPending {
			pending = append(pending, i)
		}
	}
	sort.Ints(pending)
	return pending
}

// SessionsWithPending lists the sessions that still have pending chunks.
// This is how an interrupted run's work is rediscovered: the scanner only
// reports changed files, the manifest knows what remains.
func (m *Manifest) SessionsWithPending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for key, status := range m.state.Chunks {
		if status != StatusPending {
			continue
		}
		sep := strings.LastIndex(key, ":")
		if sep <= 0 {
			continue
		}
		id := key[:sep]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AddSpend records oracle cost against the manifest's cumulative counter.
func (m *Manifest) AddSpend(amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount <= 0 {
		return nil
	}
	m.state.SpendUSD += amount
	return m.save()
}

// Spend returns the cumulative recorded spend.
func (m *Manifest) Spend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SpendUSD
}

// Counts reports how many chunks are pending, done and failed.
func (m *Manifest) Counts() (pending, done, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, status := range m.state.Chunks {
		switch status {
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		default:
			pending++
		}
	}
	return pending, done, failed
}

// save writes the state atomically: full write to a temp file in the same
// directory, then rename. A crash mid-save leaves the previous manifest
// intact.
func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create manifest temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close manifest temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
