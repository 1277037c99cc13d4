package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
)

// Repository defines persistence for channel metadata, conversation turns
// and notes. The channel lifecycle field is the single point of truth and
// is only mutated under the store's native transaction discipline.
type Repository interface {
	// PutChannel creates or replaces a channel record
	PutChannel(ctx context.Context, channel *model.Channel) error

	// GetChannel retrieves a channel by local ID
	GetChannel(ctx context.Context, id model.ChannelID) (*model.Channel, error)

	// GetChannelByStore retrieves a channel by its remote store name
	GetChannelByStore(ctx context.Context, store model.StoreName) (*model.Channel, error)

	// ListChannels retrieves all channel records
	ListChannels(ctx context.Context) ([]*model.Channel, error)

	// TouchChannel updates the last accessed time of a channel
	TouchChannel(ctx context.Context, id model.ChannelID, now time.Time) error

	// TrashChannel moves an active channel into the trash
	TrashChannel(ctx context.Context, id model.ChannelID, now time.Time) error

	// RestoreChannel moves a trashed channel back to active
	RestoreChannel(ctx context.Context, id model.ChannelID, now time.Time) error

	// ListExpiredTrashedChannels returns trashed channels whose trashed
	// time is at or before the cutoff
	ListExpiredTrashedChannels(ctx context.Context, cutoff time.Time) ([]*model.Channel, error)

	// DeleteChannels permanently removes trashed channel records and their
	// turns and notes in one batch, returning the number removed. Channels
	// that are not in the trash are left untouched.
	DeleteChannels(ctx context.Context, ids []model.ChannelID) (int, error)

	// RecordReclaimFailure increments the failed reclamation counter
	RecordReclaimFailure(ctx context.Context, id model.ChannelID) error

	// PutTurn appends a conversation turn
	PutTurn(ctx context.Context, turn *model.Turn) error

	// ListRecentTurns returns up to limit most recent turns of a channel
	// in chronological order
	ListRecentTurns(ctx context.Context, id model.ChannelID, limit int) ([]*model.Turn, error)

	// ListTurns returns the full conversation history of a channel in
	// chronological order
	ListTurns(ctx context.Context, id model.ChannelID) ([]*model.Turn, error)

	// ClearTurns removes the conversation history of a channel
	ClearTurns(ctx context.Context, id model.ChannelID) (int, error)

	// ListNotes returns the notes of a channel that are not in the trash
	ListNotes(ctx context.Context, id model.ChannelID) ([]*model.Note, error)

	// PutNote creates or replaces a note
	PutNote(ctx context.Context, note *model.Note) error

	// TrashNote moves a note into the trash
	TrashNote(ctx context.Context, id model.NoteID, now time.Time) error

	// DeleteExpiredNotes permanently removes trashed notes whose trashed
	// time is at or before the cutoff. Notes have no remote counterpart,
	// so this sweep needs no classification step.
	DeleteExpiredNotes(ctx context.Context, cutoff time.Time) (int, error)
}
