package archive

import (
	"time"
)

// Message is a single entry of a conversation log. Messages are immutable
// once parsed; Index is the position within the session and doubles as the
// provenance key for extracted entities.
type Message struct {
	Index     int       `json:"index"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Session is one complete source conversation log, the unit of corpus change
// detection. Summary and Tags are filled in later by the summarizer and stay
// empty after parsing.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Fingerprint string    `json:"fingerprint"`
	Messages    []Message `json:"messages"`
	FirstTS     time.Time `json:"first_ts,omitzero"`
	LastTS      time.Time `json:"last_ts,omitzero"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// MessageCount returns the number of parsed messages.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}
