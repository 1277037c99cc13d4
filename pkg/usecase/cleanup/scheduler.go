package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/utils/logging"
)

// DefaultInterval is how often the scheduler triggers a reclamation run
const DefaultInterval = time.Hour

// Status is the observable state of the scheduler. Cleanup failures are
// invisible to end users; this is the operational view.
type Status struct {
	Running     bool
	LastRunAt   time.Time
	LastSummary *model.ReclaimSummary
	LastErr     error
}

// Scheduler owns the recurring reclamation job. It is an explicit object
// with a start/stop lifecycle so tests can drive RunNow directly without
// timers.
type Scheduler struct {
	reclaimer *Reclaimer
	interval  time.Duration

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	wg          sync.WaitGroup
	lastRunAt   time.Time
	lastSummary *model.ReclaimSummary
	lastErr     error
}

func NewScheduler(reclaimer *Reclaimer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		reclaimer: reclaimer,
		interval:  interval,
	}
}

// Start launches the periodic trigger. Starting an already running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stop)
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()
	logger := logging.From(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, model.ErrReclaimRunning) {
				logger.Error("scheduled reclamation failed", "error", err)
			}
		}
	}
}

// Stop halts the periodic trigger and waits for the loop goroutine to
// exit. An in-flight reclamation run finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

// RunNow triggers one reclamation run immediately. A trigger that races
// an active run is skipped, not queued, and does not overwrite the
// recorded status.
func (s *Scheduler) RunNow(ctx context.Context) (*model.ReclaimSummary, error) {
	summary, err := s.reclaimer.Reclaim(ctx)
	if errors.Is(err, model.ErrReclaimRunning) {
		return nil, err
	}

	s.mu.Lock()
	s.lastRunAt = time.Now()
	s.lastSummary = summary
	s.lastErr = err
	s.mu.Unlock()

	return summary, err
}

// Status reports the last run's outcome
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		LastRunAt:   s.lastRunAt,
		LastSummary: s.lastSummary,
		LastErr:     s.lastErr,
	}
}
