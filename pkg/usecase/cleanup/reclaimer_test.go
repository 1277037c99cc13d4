package cleanup_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/fennec/pkg/adapter"
	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/repository"
	"github.com/m-mizutani/fennec/pkg/usecase/cleanup"
	"github.com/m-mizutani/gt"
)

// memRepo holds channels and notes in memory for reclamation tests
type memRepo struct {
	repository.Repository

	mu       sync.Mutex
	channels map[model.ChannelID]*model.Channel
	notes    map[model.NoteID]*model.Note
	turns    map[model.ChannelID][]*model.Turn

	listGate chan struct{}
}

func newMemRepo() *memRepo {
	return &memRepo{
		channels: map[model.ChannelID]*model.Channel{},
		notes:    map[model.NoteID]*model.Note{},
		turns:    map[model.ChannelID][]*model.Turn{},
	}
}

func (m *memRepo) addTrashed(id model.ChannelID, store model.StoreName, trashedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[id] = &model.Channel{
		ID:        id,
		StoreName: store,
		Lifecycle: model.LifecycleTrashed,
		TrashedAt: &trashedAt,
	}
}

func (m *memRepo) ListExpiredTrashedChannels(ctx context.Context, cutoff time.Time) ([]*model.Channel, error) {
	if m.listGate != nil {
		<-m.listGate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Channel
	for _, ch := range m.channels {
		if ch.Lifecycle == model.LifecycleTrashed && ch.TrashedAt != nil && !ch.TrashedAt.After(cutoff) {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (m *memRepo) DeleteChannels(ctx context.Context, ids []model.ChannelID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range ids {
		ch, ok := m.channels[id]
		if !ok || ch.Lifecycle != model.LifecycleTrashed {
			continue
		}
		delete(m.channels, id)
		delete(m.turns, id)
		count++
	}
	return count, nil
}

func (m *memRepo) RecordReclaimFailure(ctx context.Context, id model.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		ch.ReclaimAttempts++
	}
	return nil
}

func (m *memRepo) DeleteExpiredNotes(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, note := range m.notes {
		if note.TrashedAt != nil && !note.TrashedAt.After(cutoff) {
			delete(m.notes, id)
			count++
		}
	}
	return count, nil
}

func (m *memRepo) ListTurns(ctx context.Context, id model.ChannelID) ([]*model.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[id], nil
}

func (m *memRepo) has(id model.ChannelID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[id]
	return ok
}

func (m *memRepo) attempts(id model.ChannelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		return ch.ReclaimAttempts
	}
	return -1
}

// mockDeleter maps store names onto scripted deletion results
type mockDeleter struct {
	mu      sync.Mutex
	results map[model.StoreName]adapter.DeleteResult
	calls   []model.StoreName
}

func (m *mockDeleter) CreateStore(ctx context.Context, displayName string) (model.StoreName, error) {
	return "fileSearchStores/test", nil
}

func (m *mockDeleter) Search(ctx context.Context, store model.StoreName, query string) ([]model.Citation, error) {
	return nil, nil
}

func (m *mockDeleter) DeleteStore(ctx context.Context, store model.StoreName) adapter.DeleteResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, store)
	if res, ok := m.results[store]; ok {
		return res
	}
	return adapter.DeleteResult{Status: adapter.StoreDeleted}
}

func (m *mockDeleter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockArchive collects written objects, or fails every write
type mockArchive struct {
	mu      sync.Mutex
	objects map[string]*bytes.Buffer
	fail    bool
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (m *mockArchive) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("bucket unavailable")
	}
	if m.objects == nil {
		m.objects = map[string]*bytes.Buffer{}
	}
	buf := &bytes.Buffer{}
	m.objects[key] = buf
	return nopWriteCloser{buf}, nil
}

func (m *mockArchive) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func old() time.Time {
	return time.Now().Add(-31 * 24 * time.Hour)
}

func TestReclaim_Classification(t *testing.T) {
	repo := newMemRepo()
	repo.addTrashed("ch-ok", "fileSearchStores/ok", old())
	repo.addTrashed("ch-gone", "fileSearchStores/gone", old())
	repo.addTrashed("ch-outage", "fileSearchStores/outage", old())
	repo.addTrashed("ch-forbidden", "fileSearchStores/forbidden", old())

	deleter := &mockDeleter{
		results: map[model.StoreName]adapter.DeleteResult{
			"fileSearchStores/ok":   {Status: adapter.StoreDeleted},
			"fileSearchStores/gone": {Status: adapter.StoreNotFound, StatusCode: 404},
			"fileSearchStores/outage": {
				Status: adapter.StoreDeleteFailed, StatusCode: 503,
				Err: errors.New("service unavailable"),
			},
			"fileSearchStores/forbidden": {
				Status: adapter.StoreDeleteFailed, StatusCode: 403,
				Err: errors.New("permission denied"),
			},
		},
	}

	reclaimer := cleanup.New(repo, deleter)
	summary, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)

	gt.Equal(t, summary.DeletedChannels, 2)
	gt.Equal(t, summary.AlreadyAbsent, 1)
	gt.Equal(t, summary.TransientFailures, 1)
	gt.Equal(t, summary.PermanentFailures, 1)
	gt.Equal(t, summary.RetainedChannels, 2)

	// confirmed-gone channels lose their local records, failures keep them
	gt.False(t, repo.has("ch-ok"))
	gt.False(t, repo.has("ch-gone"))
	gt.True(t, repo.has("ch-outage"))
	gt.True(t, repo.has("ch-forbidden"))

	// only transient failures consume the retry budget
	gt.Equal(t, repo.attempts("ch-outage"), 1)
	gt.Equal(t, repo.attempts("ch-forbidden"), 0)
}

func TestReclaim_SecondRunIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	repo.addTrashed("ch-1", "fileSearchStores/one", old())
	deleter := &mockDeleter{}

	reclaimer := cleanup.New(repo, deleter)

	first, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, first.DeletedChannels, 1)

	second, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, second.DeletedChannels, 0)
	gt.Equal(t, second.TransientFailures, 0)
	gt.Equal(t, second.PermanentFailures, 0)
}

func TestReclaim_RetentionWindow(t *testing.T) {
	repo := newMemRepo()
	repo.addTrashed("ch-fresh", "fileSearchStores/fresh", time.Now().Add(-time.Hour))
	repo.addTrashed("ch-old", "fileSearchStores/old", old())

	deleter := &mockDeleter{}
	reclaimer := cleanup.New(repo, deleter)

	summary, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, summary.DeletedChannels, 1)
	gt.True(t, repo.has("ch-fresh"))
	gt.False(t, repo.has("ch-old"))
}

func TestReclaim_TransientRetriedUntilBudget(t *testing.T) {
	repo := newMemRepo()
	repo.addTrashed("ch-1", "fileSearchStores/flaky", old())

	deleter := &mockDeleter{
		results: map[model.StoreName]adapter.DeleteResult{
			"fileSearchStores/flaky": {
				Status: adapter.StoreDeleteFailed, StatusCode: 500,
				Err: errors.New("internal error"),
			},
		},
	}

	reclaimer := cleanup.New(repo, deleter, cleanup.WithMaxAttempts(2))

	for i := 0; i < 2; i++ {
		summary, err := reclaimer.Reclaim(context.Background())
		gt.NoError(t, err)
		gt.Equal(t, summary.TransientFailures, 1)
	}
	gt.Equal(t, repo.attempts("ch-1"), 2)

	// budget exhausted: reported permanent, no further remote calls
	before := deleter.callCount()
	summary, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, summary.PermanentFailures, 1)
	gt.Equal(t, summary.TransientFailures, 0)
	gt.Equal(t, deleter.callCount(), before)
	gt.True(t, repo.has("ch-1"))
}

func TestReclaim_MutualExclusion(t *testing.T) {
	repo := newMemRepo()
	repo.listGate = make(chan struct{})

	reclaimer := cleanup.New(repo, &mockDeleter{})

	done := make(chan error, 1)
	go func() {
		_, err := reclaimer.Reclaim(context.Background())
		done <- err
	}()

	// wait until the first run is inside its listing call
	time.Sleep(20 * time.Millisecond)

	_, err := reclaimer.Reclaim(context.Background())
	gt.True(t, errors.Is(err, model.ErrReclaimRunning))

	close(repo.listGate)
	gt.NoError(t, <-done)
}

func TestReclaim_NoteSweep(t *testing.T) {
	repo := newMemRepo()
	oldTrash := old()
	recentTrash := time.Now().Add(-time.Hour)
	repo.notes["n-old"] = &model.Note{ID: "n-old", TrashedAt: &oldTrash}
	repo.notes["n-recent"] = &model.Note{ID: "n-recent", TrashedAt: &recentTrash}
	repo.notes["n-active"] = &model.Note{ID: "n-active"}

	reclaimer := cleanup.New(repo, &mockDeleter{})
	summary, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)

	gt.Equal(t, summary.DeletedNotes, 1)
	gt.Equal(t, len(repo.notes), 2)
}

func TestReclaim_ArchiveBeforeDeletion(t *testing.T) {
	repo := newMemRepo()
	repo.addTrashed("ch-1", "fileSearchStores/one", old())
	repo.turns["ch-1"] = []*model.Turn{
		{ID: "t-1", ChannelID: "ch-1", Role: model.RoleUser, Text: "hello"},
	}

	archive := &mockArchive{}
	reclaimer := cleanup.New(repo, &mockDeleter{}, cleanup.WithArchive(archive))

	summary, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, summary.DeletedChannels, 1)

	obj, ok := archive.objects["archives/channels/ch-1.json"]
	gt.True(t, ok)
	gt.S(t, obj.String()).Contains("hello")
}

func TestReclaim_ArchiveFailureRetainsChannel(t *testing.T) {
	repo := newMemRepo()
	repo.addTrashed("ch-1", "fileSearchStores/one", old())

	archive := &mockArchive{fail: true}
	reclaimer := cleanup.New(repo, &mockDeleter{}, cleanup.WithArchive(archive))

	summary, err := reclaimer.Reclaim(context.Background())
	gt.NoError(t, err)

	// the snapshot never made it out, so the local record must survive
	gt.Equal(t, summary.DeletedChannels, 0)
	gt.Equal(t, summary.TransientFailures, 1)
	gt.True(t, repo.has("ch-1"))
	gt.Equal(t, repo.attempts("ch-1"), 1)
}
