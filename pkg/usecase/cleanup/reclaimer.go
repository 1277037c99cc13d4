package cleanup

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/fennec/pkg/adapter"
	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/repository"
	"github.com/m-mizutani/fennec/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultRetention is how long trashed items stay recoverable
const DefaultRetention = 30 * 24 * time.Hour

// Reclaimer permanently deletes expired trashed channels across the
// remote store and the local records without ever orphaning the remote
// side: remote deletion is classified first, and only channels whose
// remote counterpart is confirmed gone reach the local batch deletion.
type Reclaimer struct {
	repo    repository.Repository
	search  adapter.FileSearch
	archive adapter.Storage

	retention time.Duration
	// maxAttempts bounds retries of transiently failing channels.
	// 0 retries forever, matching the retry-every-run policy.
	maxAttempts int
	now         func() time.Time

	running atomic.Bool
}

type Option func(*Reclaimer)

// WithRetention overrides the trash retention window
func WithRetention(d time.Duration) Option {
	return func(r *Reclaimer) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithArchive enables archiving of a channel's conversation history
// before its local records are deleted
func WithArchive(archive adapter.Storage) Option {
	return func(r *Reclaimer) {
		r.archive = archive
	}
}

// WithMaxAttempts caps how many runs keep retrying a transiently failing
// channel before it is reported as a permanent failure
func WithMaxAttempts(n int) Option {
	return func(r *Reclaimer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(r *Reclaimer) {
		r.now = now
	}
}

func New(repo repository.Repository, search adapter.FileSearch, opts ...Option) *Reclaimer {
	r := &Reclaimer{
		repo:      repo,
		search:    search,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reclaim runs one reclamation pass. Runs never overlap: a call while
// another is active returns model.ErrReclaimRunning and does nothing, so
// backlogs do not compound during remote outages.
func (r *Reclaimer) Reclaim(ctx context.Context) (*model.ReclaimSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, model.ErrReclaimRunning
	}
	defer r.running.Store(false)

	logger := logging.From(ctx)
	started := r.now()
	cutoff := started.Add(-r.retention)
	summary := &model.ReclaimSummary{StartedAt: started}

	channels, err := r.repo.ListExpiredTrashedChannels(ctx, cutoff)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list expired trashed channels")
	}

	// Phase 1: classify. No local mutation happens here.
	outcomes := make([]*model.ReclaimOutcome, 0, len(channels))
	byID := make(map[model.ChannelID]*model.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
		outcomes = append(outcomes, r.classify(ctx, ch))
	}

	// Phase 2: commit. Only confirmed-gone channels reach the local batch.
	var removable []model.ChannelID
	for _, outcome := range outcomes {
		switch outcome.Class {
		case model.ReclaimDeleted, model.ReclaimAlreadyAbsent:
			if r.archive != nil {
				if err := r.archiveChannel(ctx, byID[outcome.ChannelID]); err != nil {
					// The remote store is gone but the snapshot is not
					// safe yet. Keep the local record and retry next run.
					logger.Warn("failed to archive channel before deletion",
						"channel_id", outcome.ChannelID, "error", err)
					outcome.Class = model.ReclaimTransientFailure
					outcome.Err = err
					break
				}
			}
			removable = append(removable, outcome.ChannelID)
			if outcome.Class == model.ReclaimAlreadyAbsent {
				summary.AlreadyAbsent++
			}
		}

		switch outcome.Class {
		case model.ReclaimTransientFailure:
			summary.TransientFailures++
			summary.RetainedChannels++
			logger.Warn("remote deletion failed, will retry next run",
				"channel_id", outcome.ChannelID, "store", outcome.StoreName, "error", outcome.Err)
			if err := r.repo.RecordReclaimFailure(ctx, outcome.ChannelID); err != nil {
				logger.Warn("failed to record reclaim failure", "channel_id", outcome.ChannelID, "error", err)
			}
		case model.ReclaimPermanentFailure:
			summary.PermanentFailures++
			summary.RetainedChannels++
			logger.Error("remote deletion failed permanently, manual intervention needed",
				"channel_id", outcome.ChannelID, "store", outcome.StoreName, "error", outcome.Err)
		}
	}

	deleted, err := r.repo.DeleteChannels(ctx, removable)
	if err != nil {
		return summary, goerr.Wrap(err, "failed to delete channel records")
	}
	summary.DeletedChannels = deleted

	// Notes have no remote counterpart: pure age-based sweep, no
	// classification step.
	deletedNotes, err := r.repo.DeleteExpiredNotes(ctx, cutoff)
	if err != nil {
		return summary, goerr.Wrap(err, "failed to delete expired notes")
	}
	summary.DeletedNotes = deletedNotes

	summary.Duration = r.now().Sub(started)
	logger.Info("reclamation run finished",
		"deleted_channels", summary.DeletedChannels,
		"retained_channels", summary.RetainedChannels,
		"already_absent", summary.AlreadyAbsent,
		"transient_failures", summary.TransientFailures,
		"permanent_failures", summary.PermanentFailures,
		"deleted_notes", summary.DeletedNotes,
		"duration", summary.Duration)

	return summary, nil
}

// classify attempts the remote deletion and maps the raw outcome onto the
// reclaim classes
func (r *Reclaimer) classify(ctx context.Context, ch *model.Channel) *model.ReclaimOutcome {
	outcome := &model.ReclaimOutcome{
		ChannelID: ch.ID,
		StoreName: ch.StoreName,
	}

	if r.maxAttempts > 0 && ch.ReclaimAttempts >= r.maxAttempts {
		outcome.Class = model.ReclaimPermanentFailure
		outcome.Err = goerr.New("retry budget exhausted",
			goerr.V("attempts", ch.ReclaimAttempts), goerr.V("max_attempts", r.maxAttempts))
		return outcome
	}

	res := r.search.DeleteStore(ctx, ch.StoreName)
	switch res.Status {
	case adapter.StoreDeleted:
		outcome.Class = model.ReclaimDeleted
	case adapter.StoreNotFound:
		outcome.Class = model.ReclaimAlreadyAbsent
	default:
		outcome.Err = res.Err
		if res.StatusCode == 0 || res.StatusCode >= 500 {
			outcome.Class = model.ReclaimTransientFailure
		} else {
			outcome.Class = model.ReclaimPermanentFailure
		}
	}

	return outcome
}

type channelArchive struct {
	Channel    *model.Channel `json:"channel"`
	Turns      []*model.Turn  `json:"turns"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// archiveChannel snapshots a channel's conversation history to the
// archive bucket before the local records disappear
func (r *Reclaimer) archiveChannel(ctx context.Context, ch *model.Channel) error {
	turns, err := r.repo.ListTurns(ctx, ch.ID)
	if err != nil {
		return goerr.Wrap(err, "failed to load turns for archive", goerr.V("channel_id", ch.ID))
	}

	writer, err := r.archive.Put(ctx, "archives/channels/"+string(ch.ID)+".json")
	if err != nil {
		return goerr.Wrap(err, "failed to open archive writer", goerr.V("channel_id", ch.ID))
	}

	data, err := json.Marshal(channelArchive{
		Channel:    ch,
		Turns:      turns,
		ArchivedAt: r.now(),
	})
	if err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to marshal channel archive")
	}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write channel archive")
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close channel archive")
	}

	return nil
}
