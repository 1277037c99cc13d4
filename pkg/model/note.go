package model

import (
	"time"

	"github.com/google/uuid"
)

type NoteID string

// NewNoteID generates a new unique NoteID
func NewNoteID() NoteID {
	return NoteID(uuid.New().String())
}

// Note is a user-written memo attached to a channel. Notes are purely
// local and have no remote counterpart, so trashed notes are reclaimed
// by age alone.
type Note struct {
	ID        NoteID    `firestore:"id"`
	ChannelID ChannelID `firestore:"channel_id"`
	Title     string    `firestore:"title"`
	Content   string    `firestore:"content"`

	CreatedAt time.Time  `firestore:"created_at"`
	UpdatedAt time.Time  `firestore:"updated_at"`
	TrashedAt *time.Time `firestore:"trashed_at"`
}
