package model

import (
	"time"

	"github.com/google/uuid"
)

type TurnID string

// NewTurnID generates a new unique TurnID
func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CancellationMarker is appended to the partial text of an assistant turn
// when the client cancels the stream before the answer completes.
const CancellationMarker = "\n\n[interrupted]"

// Citation is a document snippet that grounds part of an answer
type Citation struct {
	Label   string `firestore:"label" json:"label"`
	Snippet string `firestore:"snippet" json:"snippet"`
}

// Turn is a single message in a channel's conversation history.
// Turns are append-only; an assistant turn always has text, even when the
// exchange was cancelled (the text then ends with CancellationMarker).
type Turn struct {
	ID        TurnID     `firestore:"id"`
	ChannelID ChannelID  `firestore:"channel_id"`
	Role      Role       `firestore:"role"`
	Text      string     `firestore:"text"`
	Citations []Citation `firestore:"citations"`
	CreatedAt time.Time  `firestore:"created_at"`
}

// DedupCitations removes citations with duplicate labels, keeping the
// first occurrence and preserving order of first appearance.
func DedupCitations(citations []Citation) []Citation {
	seen := make(map[string]bool, len(citations))
	out := make([]Citation, 0, len(citations))
	for _, c := range citations {
		if seen[c.Label] {
			continue
		}
		seen[c.Label] = true
		out = append(out, c)
	}
	return out
}
