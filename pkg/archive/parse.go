package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/atranelis/recall/internal/util"
)

// MinMessageCount is the smallest session worth keeping. Shorter sessions
// are warm-up or test runs and are skipped entirely.
const MinMessageCount = 3

// maxScanTokenSize allows single JSONL lines up to 16 MiB; assistant
// messages with embedded file contents routinely exceed bufio's default.
const maxScanTokenSize = 16 * 1024 * 1024

var (
	reSystemReminder = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	reIDESelection   = regexp.MustCompile(`(?s)<ide_selection>.*?</ide_selection>`)
	reIDEOpenedFile  = regexp.MustCompile(`(?s)<ide_opened_file>.*?</ide_opened_file>`)
	reCommandMessage = regexp.MustCompile(`(?s)<command-message>.*?</command-message>`)
	reCommandName    = regexp.MustCompile(`(?s)<command-name>.*?</command-name>`)
)

// stripTags removes tool-injected markup blocks that carry no conversational
// content.
func stripTags(text string) string {
	text = reSystemReminder.ReplaceAllString(text, "")
	text = reIDESelection.ReplaceAllString(text, "")
	text = reIDEOpenedFile.ReplaceAllString(text, "")
	text = reCommandMessage.ReplaceAllString(text, "")
	text = reCommandName.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

type rawRecord struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Message   rawMessage      `json:"message"`
}

type rawMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt json.RawMessage `json:"createdAt"`
}

type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractText pulls readable text out of a record's content, which is either
// a plain string or a list of typed blocks.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return stripTags(asString)
	}

	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}

	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		if text := stripTags(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseTimestamp accepts ISO strings and millisecond epoch numbers.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if ts, err := time.Parse(time.RFC3339, asString); err == nil {
			return ts
		}
		return time.Time{}
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber > 0 {
		return time.UnixMilli(int64(asNumber)).UTC()
	}
	return time.Time{}
}

// ParseSessionFile reads one line-delimited session log and returns the
// parsed Session, without fingerprint. Malformed lines and non-message
// records are skipped. Returns nil (no error) for sessions below
// MinMessageCount.
func ParseSessionFile(path string, userID string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	sessionID := SessionIDFromPath(path)
	session := &Session{
		ID:     sessionID,
		UserID: userID,
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record rawRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Type != "user" && record.Type != "assistant" && record.Type != "summary" {
			continue
		}

		ts := parseTimestamp(record.Message.CreatedAt)
		if ts.IsZero() {
			ts = parseTimestamp(record.Timestamp)
		}
		if !ts.IsZero() {
			if session.FirstTS.IsZero() {
				session.FirstTS = ts
			}
			session.LastTS = ts
		}

		text := extractText(record.Message.Content)
		if text == "" {
			continue
		}

		role := record.Message.Role
		if record.Type == "summary" {
			role = "system"
			text = util.TruncateText(text, 500)
			text = "--- session compacted ---\n" + text
		} else if role == "" {
			role = record.Type
		}

		session.Messages = append(session.Messages, Message{
			Index:     len(session.Messages),
			Role:      role,
			Text:      text,
			Timestamp: ts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	if len(session.Messages) < MinMessageCount {
		return nil, nil
	}

	session.Title = deriveTitle(session)
	return session, nil
}

// SessionIDFromPath derives the stable session identifier from the file name.
func SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// deriveTitle uses the first meaningful user message as the session title.
func deriveTitle(session *Session) string {
	for _, msg := range session.Messages {
		if msg.Role != "user" && msg.Role != "human" {
			continue
		}
		clean := strings.TrimSpace(msg.Text)
		if len(clean) > 3 {
			return util.TruncateText(clean, 120)
		}
	}
	short := session.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Session " + short
}
