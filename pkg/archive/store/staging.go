package store

import (
	"context"
	"fmt"
)

// StageExtraction stores the partial extraction payload for one chunk,
// replacing any previous payload for the same (session, chunk). Staged rows
// let an interrupted run resume the merge without re-running the oracle.
func (s *Store) StageExtraction(ctx context.Context, sessionID string, chunkIdx int, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staged_extractions (session_id, chunk_idx, payload, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT (session_id, chunk_idx) DO UPDATE SET
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		sessionID, chunkIdx, string(payload),
	)
	if err != nil {
		return fmt.Errorf("stage extraction %s/%d: %w", sessionID, chunkIdx, err)
	}
	return nil
}

// StagedExtractions returns every staged chunk payload for a session, keyed
// by chunk index.
func (s *Store) StagedExtractions(ctx context.Context, sessionID string) (map[int][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_idx, payload FROM staged_extractions WHERE session_id = ? ORDER BY chunk_idx`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query staged extractions: %w", err)
	}
	defer rows.Close()

	staged := make(map[int][]byte)
	for rows.Next() {
		var chunkIdx int
		var payload string
		if err := rows.Scan(&chunkIdx, &payload); err != nil {
			return nil, err
		}
		staged[chunkIdx] = []byte(payload)
	}
	return staged, rows.Err()
}

// DeleteStagedExtractions drops all staged chunk payloads of a session,
// called after its merge result has been persisted.
func (s *Store) DeleteStagedExtractions(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_extractions WHERE session_id = ?`, sessionID)
	return err
}

// SaveMergedExtraction stores the merged per-session entity payload.
func (s *Store) SaveMergedExtraction(ctx context.Context, sessionID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merged_extractions (session_id, payload, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT (session_id) DO UPDATE SET
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		sessionID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("save merged extraction %s: %w", sessionID, err)
	}
	return nil
}

// MergedExtractions returns all merged per-session payloads keyed by
// session id, the input of the cross-session merge.
func (s *Store) MergedExtractions(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, payload FROM merged_extractions`)
	if err != nil {
		return nil, fmt.Errorf("query merged extractions: %w", err)
	}
	defer rows.Close()

	merged := make(map[string][]byte)
	for rows.Next() {
		var sessionID, payload string
		if err := rows.Scan(&sessionID, &payload); err != nil {
			return nil, err
		}
		merged[sessionID] = []byte(payload)
	}
	return merged, rows.Err()
}

// DeleteMergedExtraction removes a session's merged payload, forcing
// re-extraction on the next run.
func (s *Store) DeleteMergedExtraction(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM merged_extractions WHERE session_id = ?`, sessionID)
	return err
}
