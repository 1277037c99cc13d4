package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/fennec/pkg/adapter"
	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/repository"
	"github.com/m-mizutani/fennec/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// DefaultInactivityTimeout is how long the stream may stay silent
	// before it is aborted. It bounds silence, not total duration.
	DefaultInactivityTimeout = 60 * time.Second

	// DefaultHistoryLimit is how many recent turns feed the loop as context
	DefaultHistoryLimit = 10

	defaultWatchInterval = time.Second
)

// errStreamCancelled marks a client-initiated cancellation. It never
// leaves this package: cancellation is a deliberate terminal state, not
// an error.
var errStreamCancelled = errors.New("stream cancelled by client")

type EventKind int

const (
	EventChunk EventKind = iota
	EventCitations
	EventDone
	EventError
)

// Event is one item of a chat stream. Exactly one terminal event (Done or
// Error) is emitted per stream, and nothing follows it.
type Event struct {
	Kind      EventKind
	Chunk     string
	Citations []model.Citation
	Err       error
}

// Stream is a cancellable handle on one in-flight exchange. The consumer
// ranges over Events until the channel closes.
type Stream struct {
	events chan Event
	cancel context.CancelCauseFunc
	once   sync.Once
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Cancel aborts the in-flight generation. Cooperative: the producer
// notices at the next chunk boundary, persists the partial progress with
// a cancellation marker, and finishes with a Done event.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		s.cancel(errStreamCancelled)
	})
}

// Relay runs the reasoning loop's final generation step in incremental
// mode and forwards chunks to the caller in arrival order. Single
// producer, single consumer per exchange.
type Relay struct {
	agent  *Agent
	gemini adapter.Gemini
	repo   repository.Repository

	inactivityTimeout time.Duration
	watchInterval     time.Duration
	historyLimit      int
}

type RelayOption func(*Relay)

// WithInactivityTimeout overrides the silence window
func WithInactivityTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.inactivityTimeout = d
		}
	}
}

// WithWatchInterval overrides how often the watchdog checks for silence,
// used by tests
func WithWatchInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.watchInterval = d
		}
	}
}

// WithHistoryLimit overrides how many recent turns are loaded as context
func WithHistoryLimit(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

func NewRelay(agent *Agent, gemini adapter.Gemini, repo repository.Repository, opts ...RelayOption) *Relay {
	r := &Relay{
		agent:             agent,
		gemini:            gemini,
		repo:              repo,
		inactivityTimeout: DefaultInactivityTimeout,
		watchInterval:     defaultWatchInterval,
		historyLimit:      DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream starts one exchange on the channel and returns its handle
func (r *Relay) Stream(ctx context.Context, channel *model.Channel, question string) (*Stream, error) {
	history, err := r.repo.ListRecentTurns(ctx, channel.ID, r.historyLimit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load conversation history", goerr.V("channel_id", channel.ID))
	}

	genCtx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		events: make(chan Event, 4),
		cancel: cancel,
	}

	go r.run(ctx, genCtx, channel, question, history, s)

	return s, nil
}

func (r *Relay) run(clientCtx, genCtx context.Context, channel *model.Channel, question string, history []*model.Turn, s *Stream) {
	defer close(s.events)
	defer s.cancel(nil)

	logger := logging.From(clientCtx)
	askedAt := time.Now()

	final, err := r.agent.Loop(genCtx, channel.StoreName, question, history)
	if err != nil {
		if errors.Is(context.Cause(genCtx), errStreamCancelled) {
			r.finishCancelled(clientCtx, channel, question, askedAt, "", nil, s)
			return
		}
		emit(clientCtx, s.events, Event{Kind: EventError, Err: err})
		return
	}

	var (
		text      strings.Builder
		citations = final.Citations
		lastNano  atomic.Int64
	)
	lastNano.Store(time.Now().UnixNano())

	// Inactivity watchdog. Stopped on any terminal state so no timer leaks
	// past the stream's lifetime.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(r.watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-genCtx.Done():
				return
			case <-ticker.C:
				last := time.Unix(0, lastNano.Load())
				if time.Since(last) >= r.inactivityTimeout {
					s.cancel(model.ErrStreamTimeout)
					return
				}
			}
		}
	}()

	for resp, err := range r.gemini.GenerateStream(genCtx, final.Contents, final.Config) {
		if err != nil {
			r.finishAborted(clientCtx, genCtx, channel, question, askedAt, err, text.String(), citations, s)
			return
		}

		lastNano.Store(time.Now().UnixNano())

		if chunk := responseText(resp); chunk != "" {
			text.WriteString(chunk)
			if !emit(clientCtx, s.events, Event{Kind: EventChunk, Chunk: chunk}) {
				return
			}
		}
		if extra := adapter.CitationsFromResponse(resp); len(extra) > 0 {
			citations = model.DedupCitations(append(citations, extra...))
		}
	}

	// Some terminations surface as a silent end of the sequence rather
	// than a yielded error.
	if cause := context.Cause(genCtx); cause != nil {
		r.finishAborted(clientCtx, genCtx, channel, question, askedAt, cause, text.String(), citations, s)
		return
	}

	answer := text.String()
	if answer == "" {
		answer = final.Fallback()
	}

	if err := r.persistExchange(clientCtx, channel, question, askedAt, answer, citations); err != nil {
		logger.Error("failed to persist exchange", "error", err, "channel_id", channel.ID)
		emit(clientCtx, s.events, Event{Kind: EventError, Err: err})
		return
	}

	if len(citations) > 0 {
		if !emit(clientCtx, s.events, Event{Kind: EventCitations, Citations: citations}) {
			return
		}
	}
	emit(clientCtx, s.events, Event{Kind: EventDone})
}

// finishAborted routes a failed or interrupted generation to its terminal
// state: client cancellation is a flavored Done, everything else is the
// stream's single Error event.
func (r *Relay) finishAborted(clientCtx, genCtx context.Context, channel *model.Channel, question string, askedAt time.Time, err error, partial string, citations []model.Citation, s *Stream) {
	cause := context.Cause(genCtx)
	switch {
	case errors.Is(cause, errStreamCancelled):
		r.finishCancelled(clientCtx, channel, question, askedAt, partial, citations, s)
	case errors.Is(cause, model.ErrStreamTimeout):
		emit(clientCtx, s.events, Event{Kind: EventError,
			Err: goerr.Wrap(model.ErrStreamTimeout, "no activity within window",
				goerr.V("timeout", r.inactivityTimeout))})
	default:
		emit(clientCtx, s.events, Event{Kind: EventError,
			Err: goerr.Wrap(err, "generation stream failed")})
	}
}

// finishCancelled preserves partial progress: the accumulated text gets
// the cancellation marker and is persisted as a completed assistant turn.
func (r *Relay) finishCancelled(clientCtx context.Context, channel *model.Channel, question string, askedAt time.Time, partial string, citations []model.Citation, s *Stream) {
	logger := logging.From(clientCtx)

	text := partial + model.CancellationMarker
	if err := r.persistExchange(clientCtx, channel, question, askedAt, text, citations); err != nil {
		logger.Error("failed to persist cancelled exchange", "error", err, "channel_id", channel.ID)
	}

	if len(citations) > 0 {
		if !emit(clientCtx, s.events, Event{Kind: EventCitations, Citations: citations}) {
			return
		}
	}
	emit(clientCtx, s.events, Event{Kind: EventDone})
}

func (r *Relay) persistExchange(ctx context.Context, channel *model.Channel, question string, askedAt time.Time, answer string, citations []model.Citation) error {
	userTurn := &model.Turn{
		ID:        model.NewTurnID(),
		ChannelID: channel.ID,
		Role:      model.RoleUser,
		Text:      question,
		CreatedAt: askedAt,
	}
	if err := r.repo.PutTurn(ctx, userTurn); err != nil {
		return goerr.Wrap(err, "failed to persist user turn")
	}

	assistantTurn := &model.Turn{
		ID:        model.NewTurnID(),
		ChannelID: channel.ID,
		Role:      model.RoleAssistant,
		Text:      answer,
		Citations: citations,
		CreatedAt: time.Now(),
	}
	if err := r.repo.PutTurn(ctx, assistantTurn); err != nil {
		return goerr.Wrap(err, "failed to persist assistant turn")
	}

	if err := r.repo.TouchChannel(ctx, channel.ID, time.Now()); err != nil {
		return goerr.Wrap(err, "failed to touch channel")
	}

	return nil
}

// emit delivers an event unless the consumer is gone
func emit(ctx context.Context, events chan Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
