package extract

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/atranelis/recall/internal/util"
	"github.com/atranelis/recall/pkg/archive"
)

const (
	// DefaultChunkSize is the number of messages per chunk. Boundaries are
	// a pure function of message count, so a re-run over an unchanged
	// session produces identical chunks.
	DefaultChunkSize = 500

	// maxMessageChars bounds one message's contribution to a transcript.
	maxMessageChars = 2000
)

// Chunk is a contiguous slice of one session's messages, the unit of
// oracle extraction and of staging.
type Chunk struct {
	SessionID string
	Index     int
	Messages  []archive.Message
}

// SplitSession cuts a session into fixed-size chunks. chunkSize <= 0 falls
// back to DefaultChunkSize. A session shorter than one chunk yields exactly
// one chunk.
func SplitSession(session *archive.Session, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks []Chunk
	for start := 0; start < len(session.Messages); start += chunkSize {
		end := min(start+chunkSize, len(session.Messages))
		chunks = append(chunks, Chunk{
			SessionID: session.ID,
			Index:     len(chunks),
			Messages:  session.Messages[start:end],
		})
	}
	return chunks
}

// Transcript renders the chunk as the prompt text the oracle sees. Message
// indices are the session-global ones, so refs in the oracle's answer map
// straight back to stored messages.
func (c *Chunk) Transcript() string {
	var b strings.Builder
	for _, msg := range c.Messages {
		text := msg.Text
		if len(text) > maxMessageChars {
			text = util.TruncateText(text, maxMessageChars) + "…"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", msg.Index, strings.ToUpper(msg.Role), text)
	}
	return b.String()
}

// EstimateTokens counts the transcript's tokens with the o200k encoding,
// used for budget accounting before the call is made.
func (c *Chunk) EstimateTokens() int {
	encoder, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		// Rough chars-per-token fallback when the encoding is unavailable.
		return len(c.Transcript()) / 4
	}
	return len(encoder.Encode(c.Transcript(), nil, nil))
}
