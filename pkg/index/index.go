// Package index keeps the embedding store's session records aligned with
// the archive's fingerprint state. One row per session; a row is refreshed
// exactly when its fingerprint changes.
package index

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/atranelis/recall/pkg/ai"
)

type pgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// Index is the vector index over session summaries.
type Index struct {
	conn   pgxConn
	oracle ai.Oracle
	dim    int
}

// New wraps an existing connection or pool. dim is the embedding width and
// must match the oracle's output.
func New(conn pgxConn, oracle ai.Oracle, dim int) *Index {
	if dim <= 0 {
		dim = 1536
	}
	return &Index{conn: conn, oracle: oracle, dim: dim}
}

// EnsureSchema creates the vector extension and the embeddings table.
func (ix *Index) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_embeddings (
			session_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, ix.dim),
	}
	for _, stmt := range statements {
		if _, err := ix.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure index schema: %w", err)
		}
	}
	return nil
}

// StaleSessions compares the given (session id, fingerprint) state against
// the index. stale are sessions whose row is missing or carries an older
// fingerprint; orphaned are indexed sessions absent from the archive.
func (ix *Index) StaleSessions(ctx context.Context, fingerprints map[string]string) (stale, orphaned []string, err error) {
	rows, err := ix.conn.Query(ctx, `SELECT session_id, fingerprint FROM session_embeddings`)
	if err != nil {
		return nil, nil, fmt.Errorf("query indexed fingerprints: %w", err)
	}
	defer rows.Close()

	indexed := make(map[string]string)
	for rows.Next() {
		var id, fingerprint string
		if err := rows.Scan(&id, &fingerprint); err != nil {
			return nil, nil, err
		}
		indexed[id] = fingerprint
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for id, fingerprint := range fingerprints {
		if indexed[id] != fingerprint {
			stale = append(stale, id)
		}
	}
	for id := range indexed {
		if _, ok := fingerprints[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	return stale, orphaned, nil
}

// UpsertSession embeds the given text and stores it under the session's
// current fingerprint.
func (ix *Index) UpsertSession(ctx context.Context, sessionID, fingerprint, text string) error {
	embedding, err := ix.oracle.GenerateEmbedding(ctx, []byte(text))
	if err != nil {
		return fmt.Errorf("embed session %s: %w", sessionID, err)
	}

	_, err = ix.conn.Exec(ctx,
		`INSERT INTO session_embeddings (session_id, fingerprint, summary, embedding, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (session_id) DO UPDATE SET
		   fingerprint = EXCLUDED.fingerprint,
		   summary = EXCLUDED.summary,
		   embedding = EXCLUDED.embedding,
		   updated_at = EXCLUDED.updated_at`,
		sessionID, fingerprint, text, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("upsert session embedding %s: %w", sessionID, err)
	}
	return nil
}

// SimilarSessions returns the ids of the sessions nearest to the given one
// by cosine distance, excluding itself.
func (ix *Index) SimilarSessions(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := ix.conn.Query(ctx,
		`SELECT o.session_id
		 FROM session_embeddings s, session_embeddings o
		 WHERE s.session_id = $1 AND o.session_id <> $1
		 ORDER BY s.embedding <=> o.embedding
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query similar sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes a session's index row.
func (ix *Index) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := ix.conn.Exec(ctx,
		`DELETE FROM session_embeddings WHERE session_id = $1`, sessionID)
	return err
}
