package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atranelis/recall/pkg/archive"
)

// KnownFingerprints returns the fingerprint of every indexed session, the
// scanner's diff baseline.
func (s *Store) KnownFingerprints(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fingerprint FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	known := make(map[string]string)
	for rows.Next() {
		var id, fingerprint string
		if err := rows.Scan(&id, &fingerprint); err != nil {
			return nil, err
		}
		known[id] = fingerprint
	}
	return known, rows.Err()
}

// UpsertSession replaces the session row, its messages and their full-text
// index entries in one transaction. Summary and tags survive unchanged
// fingerprints only through re-summarization, so they are reset on replace.
func (s *Store) UpsertSession(ctx context.Context, session *archive.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear fts rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	tags, err := json.Marshal(session.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, first_ts, last_ts, msg_count, fingerprint, summary, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title,
		formatTS(session.FirstTS), formatTS(session.LastTS),
		len(session.Messages), session.Fingerprint, session.Summary, string(tags),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, msg := range session.Messages {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, idx, role, text, timestamp, user_id)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID, msg.Index, msg.Role, msg.Text, formatTS(msg.Timestamp), session.UserID,
		)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", msg.Index, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message rowid: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages_fts (rowid, text, role, session_id) VALUES (?, ?, ?, ?)`,
			rowID, msg.Text, msg.Role, session.ID,
		); err != nil {
			return fmt.Errorf("insert fts row %d: %w", msg.Index, err)
		}
	}

	return tx.Commit()
}

// GetSession loads one session including its ordered messages. Returns nil
// when the session is not indexed.
func (s *Store) GetSession(ctx context.Context, id string) (*archive.Session, error) {
	session, err := s.scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, first_ts, last_ts, fingerprint, summary, tags
		 FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, role, text, timestamp FROM messages WHERE session_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg archive.Message
		var ts sql.NullString
		if err := rows.Scan(&msg.Index, &msg.Role, &msg.Text, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp = parseTS(ts)
		session.Messages = append(session.Messages, msg)
	}
	return session, rows.Err()
}

// ListSessions returns the metadata rows of every indexed session, without
// messages, ordered by first timestamp.
func (s *Store) ListSessions(ctx context.Context) ([]archive.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, first_ts, last_ts, fingerprint, summary, tags
		 FROM sessions ORDER BY first_ts`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []archive.Session
	for rows.Next() {
		session, err := s.scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// SessionsMissingSummary returns up to limit session ids without a summary,
// oldest first, for the summarizer worker.
func (s *Store) SessionsMissingSummary(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE summary IS NULL OR summary = ''
		 ORDER BY first_ts LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions missing summary: %w", err)
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

// SetSummary stores the generated summary and tags for a session.
func (s *Store) SetSummary(ctx context.Context, id string, summary string, tags []string) error {
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, tags = ? WHERE id = ?`, summary, string(encoded), id)
	return err
}

// SearchMessages runs an FTS5 match query over the message index and returns
// up to limit (session id, message index) hits in rank order.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]archive.Message, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.session_id, m.idx, m.role, m.text, m.timestamp
		 FROM messages_fts f JOIN messages m ON m.id = f.rowid
		 WHERE messages_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var msgs []archive.Message
	var sessionIDs []string
	for rows.Next() {
		var msg archive.Message
		var sessionID string
		var ts sql.NullString
		if err := rows.Scan(&sessionID, &msg.Index, &msg.Role, &msg.Text, &ts); err != nil {
			return nil, nil, err
		}
		msg.Timestamp = parseTS(ts)
		msgs = append(msgs, msg)
		sessionIDs = append(sessionIDs, sessionID)
	}
	return msgs, sessionIDs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSessionRow(row rowScanner) (*archive.Session, error) {
	var session archive.Session
	var firstTS, lastTS, summary, tags sql.NullString
	if err := row.Scan(
		&session.ID, &session.UserID, &session.Title,
		&firstTS, &lastTS, &session.Fingerprint, &summary, &tags,
	); err != nil {
		return nil, err
	}
	session.FirstTS = parseTS(firstTS)
	session.LastTS = parseTS(lastTS)
	session.Summary = summary.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &session.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", session.ID, err)
		}
	}
	return &session, nil
}

func formatTS(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTS(value sql.NullString) time.Time {
	if !value.Valid || value.String == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, value.String)
	if err != nil {
		return time.Time{}
	}
	return ts
}
