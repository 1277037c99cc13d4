package chat_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/repository"
	"github.com/m-mizutani/fennec/pkg/usecase/chat"
	"github.com/m-mizutani/gt"
	"google.golang.org/genai"
)

// mockRepo records persisted turns. Methods the relay does not touch are
// left to the embedded interface.
type mockRepo struct {
	repository.Repository

	mu      sync.Mutex
	history []*model.Turn
	turns   []*model.Turn
	touched int
}

func (m *mockRepo) ListRecentTurns(ctx context.Context, id model.ChannelID, limit int) ([]*model.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history, nil
}

func (m *mockRepo) PutTurn(ctx context.Context, turn *model.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

func (m *mockRepo) TouchChannel(ctx context.Context, id model.ChannelID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return nil
}

func (m *mockRepo) persisted() []*model.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Turn(nil), m.turns...)
}

func testChannel() *model.Channel {
	return &model.Channel{
		ID:        model.NewChannelID(),
		StoreName: "fileSearchStores/test",
		Name:      "test",
		Lifecycle: model.LifecycleActive,
	}
}

// chunkStream yields the given texts one response at a time
func chunkStream(chunks ...string) func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, chunk := range chunks {
				if !yield(textResp(chunk), nil) {
					return
				}
			}
		}
	}
}

func collectEvents(t *testing.T, s *chat.Stream) []chat.Event {
	t.Helper()

	var events []chat.Event
	for ev := range s.Events() {
		events = append(events, ev)
	}

	terminals := 0
	for i, ev := range events {
		if ev.Kind == chat.EventDone || ev.Kind == chat.EventError {
			terminals++
			gt.Equal(t, i, len(events)-1)
		}
	}
	gt.Equal(t, terminals, 1)

	return events
}

func TestRelayStream_ChunksInOrder(t *testing.T) {
	gemini := &mockGemini{
		steps: []geminiStep{
			{resp: searchCallResp("q")},
			{resp: finishCallResp("")},
		},
		stream: chunkStream("The ", "answer", "."),
	}
	search := &mockSearch{
		search: func(query string) ([]model.Citation, error) {
			return []model.Citation{{Label: "doc.md", Snippet: "body"}}, nil
		},
	}
	repo := &mockRepo{}

	relay := chat.NewRelay(chat.NewAgent(gemini, search), gemini, repo)
	s, err := relay.Stream(context.Background(), testChannel(), "question")
	gt.NoError(t, err)

	events := collectEvents(t, s)

	var text strings.Builder
	var citations []model.Citation
	for _, ev := range events {
		switch ev.Kind {
		case chat.EventChunk:
			text.WriteString(ev.Chunk)
		case chat.EventCitations:
			citations = ev.Citations
		}
	}
	gt.Equal(t, text.String(), "The answer.")
	gt.A(t, citations).Length(1)
	gt.Equal(t, events[len(events)-1].Kind, chat.EventDone)

	turns := repo.persisted()
	gt.A(t, turns).Length(2)
	gt.Equal(t, turns[0].Role, model.RoleUser)
	gt.Equal(t, turns[0].Text, "question")
	gt.Equal(t, turns[1].Role, model.RoleAssistant)
	gt.Equal(t, turns[1].Text, "The answer.")
	gt.A(t, turns[1].Citations).Length(1)
}

func TestRelayStream_CancelKeepsPartialProgress(t *testing.T) {
	gemini := &mockGemini{
		steps: []geminiStep{
			{resp: finishCallResp("")},
		},
		stream: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return func(yield func(*genai.GenerateContentResponse, error) bool) {
				if !yield(textResp("partial answer"), nil) {
					return
				}
				<-ctx.Done()
				yield(nil, ctx.Err())
			}
		},
	}
	repo := &mockRepo{}

	relay := chat.NewRelay(chat.NewAgent(gemini, &mockSearch{}), gemini, repo)
	s, err := relay.Stream(context.Background(), testChannel(), "question")
	gt.NoError(t, err)

	var events []chat.Event
	for ev := range s.Events() {
		events = append(events, ev)
		if ev.Kind == chat.EventChunk {
			s.Cancel()
		}
	}

	// cancellation is a deliberate terminal state, never an error
	gt.Equal(t, events[len(events)-1].Kind, chat.EventDone)
	for _, ev := range events {
		gt.NotEqual(t, ev.Kind, chat.EventError)
	}

	turns := repo.persisted()
	gt.A(t, turns).Length(2)
	gt.Equal(t, turns[1].Role, model.RoleAssistant)
	gt.Equal(t, turns[1].Text, "partial answer"+model.CancellationMarker)
}

func TestRelayStream_InactivityTimeout(t *testing.T) {
	gemini := &mockGemini{
		steps: []geminiStep{
			{resp: finishCallResp("")},
		},
		stream: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return func(yield func(*genai.GenerateContentResponse, error) bool) {
				<-ctx.Done()
				yield(nil, ctx.Err())
			}
		},
	}
	repo := &mockRepo{}

	relay := chat.NewRelay(chat.NewAgent(gemini, &mockSearch{}), gemini, repo,
		chat.WithInactivityTimeout(50*time.Millisecond),
		chat.WithWatchInterval(10*time.Millisecond))

	s, err := relay.Stream(context.Background(), testChannel(), "question")
	gt.NoError(t, err)

	events := collectEvents(t, s)
	gt.A(t, events).Length(1)
	gt.Equal(t, events[0].Kind, chat.EventError)
	gt.True(t, errors.Is(events[0].Err, model.ErrStreamTimeout))

	// nothing completed, nothing persisted
	gt.A(t, repo.persisted()).Length(0)
}

func TestRelayStream_EmptyStreamUsesFallback(t *testing.T) {
	gemini := &mockGemini{
		steps: []geminiStep{
			{resp: finishCallResp("draft from loop")},
		},
		stream: chunkStream(),
	}
	repo := &mockRepo{}

	relay := chat.NewRelay(chat.NewAgent(gemini, &mockSearch{}), gemini, repo)
	s, err := relay.Stream(context.Background(), testChannel(), "question")
	gt.NoError(t, err)

	events := collectEvents(t, s)
	gt.Equal(t, events[len(events)-1].Kind, chat.EventDone)

	turns := repo.persisted()
	gt.A(t, turns).Length(2)
	gt.Equal(t, turns[1].Text, "draft from loop")
}

func TestRelayStream_GenerationErrorIsTerminal(t *testing.T) {
	genErr := errors.New("backend exploded")
	gemini := &mockGemini{
		steps: []geminiStep{
			{resp: finishCallResp("")},
		},
		stream: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
			return func(yield func(*genai.GenerateContentResponse, error) bool) {
				if !yield(textResp("some "), nil) {
					return
				}
				yield(nil, genErr)
			}
		},
	}
	repo := &mockRepo{}

	relay := chat.NewRelay(chat.NewAgent(gemini, &mockSearch{}), gemini, repo)
	s, err := relay.Stream(context.Background(), testChannel(), "question")
	gt.NoError(t, err)

	events := collectEvents(t, s)
	last := events[len(events)-1]
	gt.Equal(t, last.Kind, chat.EventError)
	gt.True(t, errors.Is(last.Err, genErr))

	gt.A(t, repo.persisted()).Length(0)
}

func TestRelayStream_HistoryFeedsLoop(t *testing.T) {
	repo := &mockRepo{
		history: []*model.Turn{
			{Role: model.RoleUser, Text: "earlier question"},
			{Role: model.RoleAssistant, Text: "earlier answer"},
		},
	}

	gemini := &mockGemini{
		steps: []geminiStep{
			{resp: finishCallResp("fine")},
		},
		stream: chunkStream("fine"),
	}

	relay := chat.NewRelay(chat.NewAgent(gemini, &mockSearch{}), gemini, repo)
	s, err := relay.Stream(context.Background(), testChannel(), "follow-up")
	gt.NoError(t, err)
	collectEvents(t, s)

	// the loop's think call carries the prior turns before the question
	gemini.mu.Lock()
	first := gemini.contents[0]
	gemini.mu.Unlock()
	gt.A(t, first).Length(3)
	gt.Equal(t, first[0].Parts[0].Text, "earlier question")
	gt.Equal(t, first[1].Parts[0].Text, "earlier answer")
	gt.Equal(t, first[2].Parts[0].Text, "follow-up")

	turns := repo.persisted()
	gt.A(t, turns).Length(2)
	gt.Equal(t, turns[1].Text, "fine")
}
