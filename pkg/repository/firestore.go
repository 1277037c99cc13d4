package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionChannels = "channels"
	collectionTurns    = "turns"
	collectionNotes    = "notes"
)

// Firestore implements Repository using Cloud Firestore
type Firestore struct {
	client *firestore.Client
}

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) channelDoc(id model.ChannelID) *firestore.DocumentRef {
	return r.client.Collection(collectionChannels).Doc(string(id))
}

func (r *Firestore) PutChannel(ctx context.Context, channel *model.Channel) error {
	if _, err := r.channelDoc(channel.ID).Set(ctx, channel); err != nil {
		return goerr.Wrap(err, "failed to put channel", goerr.V("channel_id", channel.ID))
	}
	return nil
}

func (r *Firestore) GetChannel(ctx context.Context, id model.ChannelID) (*model.Channel, error) {
	doc, err := r.channelDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrChannelNotFound, "no such channel", goerr.V("channel_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get channel", goerr.V("channel_id", id))
	}

	var channel model.Channel
	if err := doc.DataTo(&channel); err != nil {
		return nil, goerr.Wrap(err, "failed to decode channel", goerr.V("channel_id", id))
	}
	return &channel, nil
}

func (r *Firestore) GetChannelByStore(ctx context.Context, store model.StoreName) (*model.Channel, error) {
	iter := r.client.Collection(collectionChannels).
		Where("store_name", "==", string(store)).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, goerr.Wrap(model.ErrChannelNotFound, "no channel for store", goerr.V("store", store))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query channel by store", goerr.V("store", store))
	}

	var channel model.Channel
	if err := doc.DataTo(&channel); err != nil {
		return nil, goerr.Wrap(err, "failed to decode channel", goerr.V("store", store))
	}
	return &channel, nil
}

func (r *Firestore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	iter := r.client.Collection(collectionChannels).
		OrderBy("created_at", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var channels []*model.Channel
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list channels")
		}

		var channel model.Channel
		if err := doc.DataTo(&channel); err != nil {
			return nil, goerr.Wrap(err, "failed to decode channel")
		}
		channels = append(channels, &channel)
	}

	return channels, nil
}

func (r *Firestore) TouchChannel(ctx context.Context, id model.ChannelID, now time.Time) error {
	_, err := r.channelDoc(id).Update(ctx, []firestore.Update{
		{Path: "last_accessed_at", Value: now},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrChannelNotFound, "no such channel", goerr.V("channel_id", id))
		}
		return goerr.Wrap(err, "failed to touch channel", goerr.V("channel_id", id))
	}
	return nil
}

// TrashChannel flips the lifecycle to trashed inside a transaction so a
// concurrent reclamation run never observes a half-updated record.
func (r *Firestore) TrashChannel(ctx context.Context, id model.ChannelID, now time.Time) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(r.channelDoc(id))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrChannelNotFound, "no such channel", goerr.V("channel_id", id))
			}
			return err
		}

		var channel model.Channel
		if err := doc.DataTo(&channel); err != nil {
			return err
		}
		if channel.Lifecycle == model.LifecycleTrashed {
			return goerr.New("channel is already in the trash", goerr.V("channel_id", id))
		}

		return tx.Update(doc.Ref, []firestore.Update{
			{Path: "lifecycle", Value: string(model.LifecycleTrashed)},
			{Path: "trashed_at", Value: now},
		})
	})
	if err != nil {
		return goerr.Wrap(err, "failed to trash channel", goerr.V("channel_id", id))
	}
	return nil
}

func (r *Firestore) RestoreChannel(ctx context.Context, id model.ChannelID, now time.Time) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(r.channelDoc(id))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrChannelNotFound, "no such channel", goerr.V("channel_id", id))
			}
			return err
		}

		var channel model.Channel
		if err := doc.DataTo(&channel); err != nil {
			return err
		}
		if channel.Lifecycle != model.LifecycleTrashed {
			return goerr.New("channel is not in the trash", goerr.V("channel_id", id))
		}

		return tx.Update(doc.Ref, []firestore.Update{
			{Path: "lifecycle", Value: string(model.LifecycleActive)},
			{Path: "trashed_at", Value: nil},
			{Path: "reclaim_attempts", Value: 0},
			{Path: "last_accessed_at", Value: now},
		})
	})
	if err != nil {
		return goerr.Wrap(err, "failed to restore channel", goerr.V("channel_id", id))
	}
	return nil
}

func (r *Firestore) ListExpiredTrashedChannels(ctx context.Context, cutoff time.Time) ([]*model.Channel, error) {
	iter := r.client.Collection(collectionChannels).
		Where("lifecycle", "==", string(model.LifecycleTrashed)).
		Where("trashed_at", "<=", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var channels []*model.Channel
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list expired trashed channels")
		}

		var channel model.Channel
		if err := doc.DataTo(&channel); err != nil {
			return nil, goerr.Wrap(err, "failed to decode channel")
		}
		channels = append(channels, &channel)
	}

	return channels, nil
}

// DeleteChannels removes trashed channels with their turns and notes.
// Channels that are missing or not in the trash are skipped.
func (r *Firestore) DeleteChannels(ctx context.Context, ids []model.ChannelID) (int, error) {
	deleted := 0
	for _, id := range ids {
		removed := false
		err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			removed = false
			doc, err := tx.Get(r.channelDoc(id))
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			}

			var channel model.Channel
			if err := doc.DataTo(&channel); err != nil {
				return err
			}
			if channel.Lifecycle != model.LifecycleTrashed {
				return nil
			}

			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
			removed = true
			return nil
		})
		if err != nil {
			return deleted, goerr.Wrap(err, "failed to delete channel", goerr.V("channel_id", id))
		}
		if !removed {
			continue
		}
		deleted++

		if _, err := r.ClearTurns(ctx, id); err != nil {
			return deleted, err
		}
		if err := r.deleteNotesOfChannel(ctx, id); err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}

func (r *Firestore) RecordReclaimFailure(ctx context.Context, id model.ChannelID) error {
	_, err := r.channelDoc(id).Update(ctx, []firestore.Update{
		{Path: "reclaim_attempts", Value: firestore.Increment(1)},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to record reclaim failure", goerr.V("channel_id", id))
	}
	return nil
}

func (r *Firestore) PutTurn(ctx context.Context, turn *model.Turn) error {
	if turn.ID == "" {
		turn.ID = model.NewTurnID()
	}
	_, err := r.client.Collection(collectionTurns).Doc(string(turn.ID)).Set(ctx, turn)
	if err != nil {
		return goerr.Wrap(err, "failed to put turn", goerr.V("channel_id", turn.ChannelID))
	}
	return nil
}

func (r *Firestore) ListRecentTurns(ctx context.Context, id model.ChannelID, limit int) ([]*model.Turn, error) {
	iter := r.client.Collection(collectionTurns).
		Where("channel_id", "==", string(id)).
		OrderBy("created_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var turns []*model.Turn
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list recent turns", goerr.V("channel_id", id))
		}

		var turn model.Turn
		if err := doc.DataTo(&turn); err != nil {
			return nil, goerr.Wrap(err, "failed to decode turn")
		}
		turns = append(turns, &turn)
	}

	// Chronological order for prompt building
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (r *Firestore) ListTurns(ctx context.Context, id model.ChannelID) ([]*model.Turn, error) {
	iter := r.client.Collection(collectionTurns).
		Where("channel_id", "==", string(id)).
		OrderBy("created_at", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var turns []*model.Turn
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list turns", goerr.V("channel_id", id))
		}

		var turn model.Turn
		if err := doc.DataTo(&turn); err != nil {
			return nil, goerr.Wrap(err, "failed to decode turn")
		}
		turns = append(turns, &turn)
	}

	return turns, nil
}

func (r *Firestore) ClearTurns(ctx context.Context, id model.ChannelID) (int, error) {
	iter := r.client.Collection(collectionTurns).
		Where("channel_id", "==", string(id)).
		Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	count := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, goerr.Wrap(err, "failed to iterate turns", goerr.V("channel_id", id))
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			return 0, goerr.Wrap(err, "failed to schedule turn deletion")
		}
		count++
	}
	bw.End()

	return count, nil
}

func (r *Firestore) ListNotes(ctx context.Context, id model.ChannelID) ([]*model.Note, error) {
	iter := r.client.Collection(collectionNotes).
		Where("channel_id", "==", string(id)).
		OrderBy("created_at", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var notes []*model.Note
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate notes", goerr.V("channel_id", id))
		}

		var note model.Note
		if err := doc.DataTo(&note); err != nil {
			return nil, goerr.Wrap(err, "failed to decode note", goerr.V("doc_id", doc.Ref.ID))
		}
		if note.TrashedAt != nil {
			continue
		}
		notes = append(notes, &note)
	}

	return notes, nil
}

func (r *Firestore) PutNote(ctx context.Context, note *model.Note) error {
	if note.ID == "" {
		note.ID = model.NewNoteID()
	}
	_, err := r.client.Collection(collectionNotes).Doc(string(note.ID)).Set(ctx, note)
	if err != nil {
		return goerr.Wrap(err, "failed to put note", goerr.V("note_id", note.ID))
	}
	return nil
}

func (r *Firestore) TrashNote(ctx context.Context, id model.NoteID, now time.Time) error {
	_, err := r.client.Collection(collectionNotes).Doc(string(id)).Update(ctx, []firestore.Update{
		{Path: "trashed_at", Value: now},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to trash note", goerr.V("note_id", id))
	}
	return nil
}

func (r *Firestore) DeleteExpiredNotes(ctx context.Context, cutoff time.Time) (int, error) {
	iter := r.client.Collection(collectionNotes).
		Where("trashed_at", "<=", cutoff).
		Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	count := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, goerr.Wrap(err, "failed to iterate expired notes")
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			return 0, goerr.Wrap(err, "failed to schedule note deletion")
		}
		count++
	}
	bw.End()

	return count, nil
}

func (r *Firestore) deleteNotesOfChannel(ctx context.Context, id model.ChannelID) error {
	iter := r.client.Collection(collectionNotes).
		Where("channel_id", "==", string(id)).
		Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to iterate channel notes", goerr.V("channel_id", id))
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			return goerr.Wrap(err, "failed to schedule note deletion")
		}
	}
	bw.End()

	return nil
}
