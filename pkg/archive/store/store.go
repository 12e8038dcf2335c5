package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding the session archive: session and
// message rows, the FTS5 full-text index over messages, and staged
// extraction payloads awaiting merge.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the archive database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under the concurrent reindex and pipeline workers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			first_ts TEXT,
			last_ts TEXT,
			msg_count INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL,
			summary TEXT,
			tags TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT,
			user_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, idx)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts
			USING fts5(text, role, session_id, content=messages, content_rowid=id)`,
		`CREATE TABLE IF NOT EXISTS staged_extractions (
			session_id TEXT NOT NULL,
			chunk_idx INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, chunk_idx)
		)`,
		`CREATE TABLE IF NOT EXISTS merged_extractions (
			session_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}
