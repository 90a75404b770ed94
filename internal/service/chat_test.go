package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sentiment-chat/internal/cache"
	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/internal/sentiment"
	"github.com/capitalize-ai/sentiment-chat/internal/store"
	"github.com/capitalize-ai/sentiment-chat/internal/worker"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

const judgment = `{"score": 0.6, "label": "Positive", "emotion": "happy", "summary": "User is upbeat"}`

// scriptedAdapter replays fixed chunks and answers every completion with the same content.
type scriptedAdapter struct {
	mu          sync.Mutex
	incremental bool
	chunks      []llm.Chunk
	streamErr   error
	completion  string
	onStream    func()
	completeErr func(*llm.Request) error
	calls       int
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Models() []model.ModelInfo {
	return []model.ModelInfo{{ID: "scripted-1", Provider: "scripted"}}
}

func (a *scriptedAdapter) SupportsIncrementalSentiment() bool { return a.incremental }

func (a *scriptedAdapter) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.completeErr != nil {
		if err := a.completeErr(req); err != nil {
			return nil, err
		}
	}
	return &llm.Response{Content: a.completion}, nil
}

func (a *scriptedAdapter) GenerateStream(_ context.Context, _ *llm.Request, fn llm.ChunkHandler) error {
	return a.replay(fn)
}

func (a *scriptedAdapter) GenerateStructuredStream(_ context.Context, _ *llm.Request, fn llm.ChunkHandler) error {
	return a.replay(fn)
}

func (a *scriptedAdapter) replay(fn llm.ChunkHandler) error {
	for _, c := range a.chunks {
		if err := fn(c); err != nil {
			return err
		}
		if c.IsFinal {
			return nil
		}
	}
	if a.onStream != nil {
		a.onStream()
	}
	if a.streamErr != nil {
		return a.streamErr
	}
	return fn(llm.Chunk{IsFinal: true, FinishReason: "stop"})
}

type recorded struct {
	event   string
	payload any
}

type recorder struct {
	events []recorded
}

func (r *recorder) Emit(event string, payload any) error {
	r.events = append(r.events, recorded{event: event, payload: payload})
	return nil
}

func (r *recorder) names() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.event)
	}
	return out
}

func (r *recorder) last(event string) any {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i].payload
		}
	}
	return nil
}

type chatFixture struct {
	svc     *ChatService
	store   *store.MemoryStore
	pool    *worker.Pool
	adapter *scriptedAdapter
}

func newChatFixture(t *testing.T, adapter *scriptedAdapter, c *cache.Cache) *chatFixture {
	t.Helper()
	log := logger.NewNop()
	if c == nil {
		c = cache.New(nil, log)
	}

	st := store.NewMemoryStore()
	pool := worker.New(4, time.Second, log)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	svc := NewChatService(
		st,
		c,
		llm.NewRegistry(adapter),
		sentiment.NewService(nil),
		sentiment.NewEngine(log),
		pool,
		nil,
		ChatConfig{DefaultProvider: "scripted", DefaultMethod: sentiment.MethodSeparate, MaxTokens: 256},
		log,
	)
	return &chatFixture{svc: svc, store: st, pool: pool, adapter: adapter}
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, llm.Chunk{Content: p})
	}
	return out
}

func TestStreamChatNewConversation(t *testing.T) {
	adapter := &scriptedAdapter{incremental: true, chunks: textChunks("Hel", "lo"), completion: judgment}
	f := newChatFixture(t, adapter, nil)
	rec := &recorder{}

	err := f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "  I passed my exam!  "}, rec)
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "chunk", "chunk", "sentiment", "done"}, rec.names())

	start := rec.events[0].payload.(model.StartEvent)
	conv, err := f.store.GetConversation(context.Background(), start.ConversationID, "u1")
	require.NoError(t, err)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "I passed my exam!", *conv.Title)

	state := conv.State()
	assert.Equal(t, 1, state.Count)
	assert.Equal(t, 0.6, state.Score)
	assert.Equal(t, "User is happy", state.Summary)

	msgs, total, err := f.store.ListMessages(context.Background(), conv.ID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	assert.Equal(t, start.MessageID, msgs[0].ID)
	require.NotNil(t, msgs[0].Sentiment)
	assert.Equal(t, model.SourceLLMSeparate, msgs[0].Sentiment.Message.Source)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, "scripted-1", msgs[1].ModelInfo.Model)
	assert.Nil(t, msgs[1].ModelInfo.Thoughts)

	payload := rec.last("sentiment").(model.SentimentEvent)
	assert.Equal(t, model.LabelPositive, payload.Message.Label)
	assert.Equal(t, "happy", payload.Message.Emotion)
	assert.Equal(t, 0.6, payload.Cumulative.Score)
	assert.Equal(t, "stop", rec.last("done").(model.DoneEvent).FinishReason)
}

func TestStreamChatCountTracksTurns(t *testing.T) {
	adapter := &scriptedAdapter{incremental: true, chunks: textChunks("ok"), completion: judgment}
	f := newChatFixture(t, adapter, nil)

	var conversationID string
	for i := 0; i < 3; i++ {
		rec := &recorder{}
		req := &model.ChatRequest{UserID: "u1", Message: "another message"}
		if conversationID != "" {
			req.ConversationID = &conversationID
		}
		require.NoError(t, f.svc.StreamChat(context.Background(), req, rec))
		conversationID = rec.events[0].payload.(model.StartEvent).ConversationID
	}

	conv, err := f.store.GetConversation(context.Background(), conversationID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, conv.State().Count)
	assert.Equal(t, "User is upbeat", conv.State().Summary)

	_, total, err := f.store.ListMessages(context.Background(), conversationID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestStreamChatIncapableProviderUsesWeightedAverage(t *testing.T) {
	adapter := &scriptedAdapter{chunks: textChunks("ok"), completion: judgment}
	f := newChatFixture(t, adapter, nil)

	rec := &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "first"}, rec))
	id := rec.events[0].payload.(model.StartEvent).ConversationID

	adapter.completion = `{"score": -0.2, "label": "Negative", "emotion": "tired"}`
	rec = &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "second", ConversationID: &id}, rec))

	payload := rec.last("sentiment").(model.SentimentEvent)
	assert.InDelta(t, 0.2, payload.Cumulative.Score, 1e-9)
	assert.Equal(t, model.LabelPositive, payload.Cumulative.Label)
}

func TestStreamChatIncrementalFailureFallsBackToWeightedAverage(t *testing.T) {
	adapter := &scriptedAdapter{incremental: true, chunks: textChunks("ok"), completion: judgment}
	f := newChatFixture(t, adapter, nil)

	rec := &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "first"}, rec))
	id := rec.events[0].payload.(model.StartEvent).ConversationID

	adapter.mu.Lock()
	adapter.completion = `{"score": -0.2, "label": "Negative", "emotion": "tired"}`
	adapter.completeErr = func(req *llm.Request) error {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "Previous summary:") {
				return errors.New("upstream timeout")
			}
		}
		return nil
	}
	adapter.mu.Unlock()

	rec = &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "second", ConversationID: &id}, rec))

	assert.Equal(t, []string{"start", "chunk", "sentiment", "done"}, rec.names())
	payload := rec.last("sentiment").(model.SentimentEvent)
	assert.InDelta(t, -0.2, payload.Message.Score, 1e-9)
	assert.InDelta(t, sentiment.WeightedAverage(0.6, 1, -0.2), payload.Cumulative.Score, 1e-9)
	assert.Equal(t, model.LabelPositive, payload.Cumulative.Label)

	conv, err := f.store.GetConversation(context.Background(), id, "u1")
	require.NoError(t, err)
	state := conv.State()
	assert.Equal(t, 2, state.Count)
	assert.InDelta(t, 0.2, state.Score, 1e-9)
	assert.Equal(t, "User is happy", state.Summary)

	msgs, _, err := f.store.ListMessages(context.Background(), id, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.NotNil(t, msgs[2].Sentiment.Cumulative)
	assert.Equal(t, model.SourceIncrementalFallback, msgs[2].Sentiment.Cumulative.Source)
}

func TestStreamChatMidStreamFailure(t *testing.T) {
	adapter := &scriptedAdapter{
		chunks:     textChunks("partial ", "answer"),
		streamErr:  errors.New("upstream reset: secret-key=abc"),
		completion: judgment,
	}
	f := newChatFixture(t, adapter, nil)
	rec := &recorder{}

	err := f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "hello"}, rec)
	require.Error(t, err)

	assert.Equal(t, []string{"start", "chunk", "chunk", "error"}, rec.names())
	errEvent := rec.last("error").(model.ErrorEvent)
	assert.Equal(t, "stream_error", errEvent.Code)
	assert.Equal(t, "An error occurred while generating the response.", errEvent.Message)
	assert.NotContains(t, errEvent.Message, "secret")

	start := rec.events[0].payload.(model.StartEvent)
	msgs, total, err := f.store.ListMessages(context.Background(), start.ConversationID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestStreamChatStructured(t *testing.T) {
	adapter := &scriptedAdapter{
		incremental: true,
		chunks: []llm.Chunk{
			{Content: "Let me think", IsThought: true},
			{Content: "I'm sorry to hear that."},
			{IsFinal: true, FinishReason: "stop", Sentiment: &llm.StructuredSentiment{Score: -0.5, Label: "negative", Emotion: "Sad"}},
		},
	}
	f := newChatFixture(t, adapter, nil)
	rec := &recorder{}

	err := f.svc.StreamChat(context.Background(), &model.ChatRequest{
		UserID:          "u1",
		Message:         "My cat is sick",
		SentimentMethod: sentiment.MethodStructured,
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "thought", "chunk", "sentiment", "done"}, rec.names())

	payload := rec.last("sentiment").(model.SentimentEvent)
	assert.Equal(t, -0.5, payload.Message.Score)
	assert.Equal(t, model.LabelNegative, payload.Message.Label)
	assert.Equal(t, "sad", payload.Message.Emotion)
	assert.Equal(t, "User is sad", payload.Cumulative.Summary)

	start := rec.events[0].payload.(model.StartEvent)
	msgs, _, err := f.store.ListMessages(context.Background(), start.ConversationID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "I'm sorry to hear that.", msgs[1].Content)
	require.NotNil(t, msgs[1].ModelInfo.Thoughts)
	assert.Equal(t, "Let me think", *msgs[1].ModelInfo.Thoughts)
	assert.Equal(t, model.SourceStructured, msgs[0].Sentiment.Message.Source)
	assert.Equal(t, 0, adapter.calls)
}

func TestStreamChatStructuredPersistsFinalResponse(t *testing.T) {
	adapter := &scriptedAdapter{
		chunks: []llm.Chunk{
			{Content: "hi "},
			{Content: "\uFFFD there"},
			{IsFinal: true, FinishReason: "stop", Response: "hi \U0001F600 there", Sentiment: &llm.StructuredSentiment{Score: 0.5, Label: "Positive"}},
		},
	}
	f := newChatFixture(t, adapter, nil)
	rec := &recorder{}

	err := f.svc.StreamChat(context.Background(), &model.ChatRequest{
		UserID:          "u1",
		Message:         "hey",
		SentimentMethod: sentiment.MethodStructured,
	}, rec)
	require.NoError(t, err)

	start := rec.events[0].payload.(model.StartEvent)
	msgs, _, err := f.store.ListMessages(context.Background(), start.ConversationID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi \U0001F600 there", msgs[1].Content)
}

func TestStreamChatClientDisconnectSkipsAssistant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &scriptedAdapter{chunks: textChunks("hi"), completion: judgment, onStream: cancel}
	f := newChatFixture(t, adapter, nil)
	rec := &recorder{}

	err := f.svc.StreamChat(ctx, &model.ChatRequest{UserID: "u1", Message: "hello"}, rec)
	require.ErrorIs(t, err, context.Canceled)

	start := rec.events[0].payload.(model.StartEvent)
	_, total, err := f.store.ListMessages(context.Background(), start.ConversationID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.NotContains(t, rec.names(), "sentiment")
}

func TestStreamChatRejectsBeforeStart(t *testing.T) {
	f := newChatFixture(t, &scriptedAdapter{}, nil)

	tests := []struct {
		name string
		req  *model.ChatRequest
		want error
	}{
		{"blank message", &model.ChatRequest{UserID: "u1", Message: "   "}, ErrEmptyMessage},
		{"unknown provider", &model.ChatRequest{UserID: "u1", Message: "hi", Provider: "acme"}, llm.ErrUnknownProvider},
		{"missing credentials", &model.ChatRequest{UserID: "u1", Message: "hi", Provider: llm.ProviderOpenAI}, llm.ErrNotConfigured},
		{"bad method", &model.ChatRequest{UserID: "u1", Message: "hi", SentimentMethod: "vibes"}, ErrInvalidMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			err := f.svc.StreamChat(context.Background(), tt.req, rec)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, rec.events)
		})
	}
}

func TestStreamChatForeignConversationStartsNew(t *testing.T) {
	adapter := &scriptedAdapter{chunks: textChunks("ok"), completion: judgment}
	f := newChatFixture(t, adapter, nil)

	rec := &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "owner", Message: "mine"}, rec))
	owned := rec.events[0].payload.(model.StartEvent).ConversationID

	for _, id := range []string{owned, "not-a-uuid"} {
		rec = &recorder{}
		require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "intruder", Message: "hi", ConversationID: &id}, rec))
		assert.NotEqual(t, owned, rec.events[0].payload.(model.StartEvent).ConversationID)
	}

	_, total, err := f.store.ListMessages(context.Background(), owned, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestStreamChatSyncsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client, logger.NewNop())

	adapter := &scriptedAdapter{chunks: textChunks("Hi there"), completion: judgment}
	f := newChatFixture(t, adapter, c)

	rec := &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "hello"}, rec))
	require.NoError(t, f.pool.Shutdown(context.Background()))

	id := rec.events[0].payload.(model.StartEvent).ConversationID
	turns, ok := c.GetContext(context.Background(), id, 10)
	require.True(t, ok)
	assert.Equal(t, []model.ContextTurn{
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, Content: "Hi there"},
	}, turns)

	userMessages, ok := c.GetUserMessages(context.Background(), id)
	require.True(t, ok)
	assert.Equal(t, []string{"hello"}, userMessages)
}

func TestStreamChatRebuildsExpiredUserMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client, logger.NewNop())

	adapter := &scriptedAdapter{chunks: textChunks("ok"), completion: judgment}
	f := newChatFixture(t, adapter, c)

	send := func(message string, id *string) string {
		rec := &recorder{}
		require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: message, ConversationID: id}, rec))
		return rec.events[0].payload.(model.StartEvent).ConversationID
	}
	cached := func(id string, want ...string) func() bool {
		return func() bool {
			got, ok := c.GetUserMessages(context.Background(), id)
			return ok && assert.ObjectsAreEqual(want, got)
		}
	}

	id := send("first", nil)
	require.Eventually(t, cached(id, "first"), time.Second, 10*time.Millisecond)
	send("second", &id)
	require.Eventually(t, cached(id, "first", "second"), time.Second, 10*time.Millisecond)

	// The list expires between turns; the next sync reloads it from the store.
	mr.FastForward(cache.TTLUserMessages + time.Second)
	send("third", &id)
	require.Eventually(t, cached(id, "first", "second", "third"), time.Second, 10*time.Millisecond)
}

func TestStreamChatCompletesWhenCacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	adapter := &scriptedAdapter{chunks: textChunks("fine"), completion: judgment}
	f := newChatFixture(t, adapter, cache.New(client, logger.NewNop()))

	rec := &recorder{}
	require.NoError(t, f.svc.StreamChat(context.Background(), &model.ChatRequest{UserID: "u1", Message: "hello"}, rec))
	assert.Equal(t, []string{"start", "chunk", "sentiment", "done"}, rec.names())
}
