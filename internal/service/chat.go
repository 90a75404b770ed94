// Package service provides business logic for the chat platform.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/cache"
	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	natsclient "github.com/capitalize-ai/sentiment-chat/internal/nats"
	"github.com/capitalize-ai/sentiment-chat/internal/sentiment"
	"github.com/capitalize-ai/sentiment-chat/internal/store"
	"github.com/capitalize-ai/sentiment-chat/internal/worker"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
	"github.com/capitalize-ai/sentiment-chat/pkg/tracing"
)

var (
	// ErrNotFound is returned for conversations that do not exist or belong to another user.
	ErrNotFound = errors.New("conversation not found")
	// ErrEmptyMessage is returned for blank chat messages.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInvalidMethod is returned for unknown sentiment methods.
	ErrInvalidMethod = errors.New("invalid sentiment method")
)

// Stream error payload sent to clients. Internal details never reach the wire.
const (
	streamErrorCode    = "stream_error"
	streamErrorMessage = "An error occurred while generating the response."
)

// sentimentTimeout bounds the detached per-message and cumulative analyses.
const sentimentTimeout = 30 * time.Second

const defaultSystemPrompt = `You are Ava, a warm and attentive conversational assistant.
Answer clearly and helpfully. Match the user's tone, acknowledge how they seem to feel when it matters,
and keep responses focused on what they asked.`

// Emitter delivers stream events to the client in call order.
type Emitter interface {
	Emit(event string, payload any) error
}

// ChatConfig holds the coordinator defaults.
type ChatConfig struct {
	DefaultProvider string
	DefaultModel    string
	DefaultMethod   string
	Temperature     float64
	MaxTokens       int
	// ContextSize is the number of prior turns sent to the model.
	ContextSize int
	// ContextCap bounds the cached context list.
	ContextCap   int
	SystemPrompt string
}

// ChatService coordinates one streamed chat turn end to end.
type ChatService struct {
	store     store.Store
	cache     *cache.Cache
	registry  *llm.Registry
	sentiment *sentiment.Service
	engine    *sentiment.Engine
	pool      *worker.Pool
	events    natsclient.Publisher
	cfg       ChatConfig
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewChatService creates a new chat service.
func NewChatService(
	st store.Store,
	c *cache.Cache,
	registry *llm.Registry,
	sentimentService *sentiment.Service,
	engine *sentiment.Engine,
	pool *worker.Pool,
	events natsclient.Publisher,
	cfg ChatConfig,
	log *logger.Logger,
) *ChatService {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = 10
	}
	if cfg.ContextCap <= 0 {
		cfg.ContextCap = cache.DefaultContextCap
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = sentiment.MethodSeparate
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if events == nil {
		events = natsclient.NopPublisher{}
	}

	return &ChatService{
		store:     st,
		cache:     c,
		registry:  registry,
		sentiment: sentimentService,
		engine:    engine,
		pool:      pool,
		events:    events,
		cfg:       cfg,
		logger:    log,
		tracer:    tracing.Tracer("github.com/capitalize-ai/sentiment-chat/internal/service"),
	}
}

// turn is the working state of one StreamChat call.
type turn struct {
	req          *model.ChatRequest
	method       string
	adapter      llm.Adapter
	modelName    string
	conv         *model.Conversation
	state        model.CumulativeState
	history      []model.ContextTurn
	cacheHit     bool
	userMsg      *model.Message
	content      strings.Builder
	thoughts     strings.Builder
	finishReason string
	structured   *llm.StructuredSentiment
	log          *logger.Logger
}

// StreamChat runs one chat turn and reports its progress through emit.
//
// Errors before the start event are returned without emitting anything. Once
// start is emitted, failures emit exactly one generic error event and are
// then returned; the caller must not write anything else to the stream.
func (s *ChatService) StreamChat(ctx context.Context, req *model.ChatRequest, emit Emitter) error {
	t, err := s.prepare(req)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "chat.stream", trace.WithAttributes(
		attribute.String("llm.provider", t.adapter.Name()),
		attribute.String("llm.model", t.modelName),
		attribute.String("sentiment.method", t.method),
	))
	defer span.End()

	if err := s.begin(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn setup failed")
		metrics.ChatTurnsTotal.WithLabelValues(t.method, "rejected").Inc()
		return err
	}
	span.SetAttributes(attribute.String("conversation.id", t.conv.ID))

	if err := emit.Emit(model.EventStart, model.StartEvent{
		ConversationID: t.conv.ID,
		MessageID:      t.userMsg.ID,
	}); err != nil {
		return s.fail(ctx, t, emit, span, "client_disconnected", err)
	}

	var payload model.SentimentEvent
	if t.method == sentiment.MethodStructured {
		payload, err = s.runStructured(ctx, t, emit)
	} else {
		payload, err = s.runSeparate(ctx, t, emit)
	}
	if err != nil {
		return s.fail(ctx, t, emit, span, "generation_failed", err)
	}

	if err := emit.Emit(model.EventSentiment, payload); err != nil {
		return s.fail(ctx, t, emit, span, "client_disconnected", err)
	}
	if err := emit.Emit(model.EventDone, model.DoneEvent{FinishReason: t.finishReason}); err != nil {
		t.log.Debug("done event not delivered", zap.Error(err))
	}

	metrics.ChatTurnsTotal.WithLabelValues(t.method, "completed").Inc()
	return nil
}

// prepare validates the request and resolves the adapter and model.
func (s *ChatService) prepare(req *model.ChatRequest) (*turn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	method := req.SentimentMethod
	if method == "" {
		method = s.cfg.DefaultMethod
	}
	if !s.sentiment.IsMethod(method) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}

	provider := req.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	modelName := req.Model
	if modelName == "" && provider == s.cfg.DefaultProvider {
		modelName = s.cfg.DefaultModel
	}
	if modelName == "" {
		if models := adapter.Models(); len(models) > 0 {
			modelName = models[0].ID
		}
	}

	return &turn{
		req:       req,
		method:    method,
		adapter:   adapter,
		modelName: modelName,
		log: s.logger.With(
			zap.String("user_id", req.UserID),
			zap.String("provider", provider),
			zap.String("model", modelName),
		),
	}, nil
}

// begin resolves the conversation, loads context and persists the user message.
func (s *ChatService) begin(ctx context.Context, t *turn) error {
	conv, created, err := s.resolveConversation(ctx, t.req)
	if err != nil {
		return err
	}
	t.conv = conv
	t.state = conv.State()
	t.log = t.log.With(zap.String("conversation_id", conv.ID))

	if !created {
		t.history, t.cacheHit, err = s.loadContext(ctx, conv.ID)
		if err != nil {
			return err
		}
		if conv.Title == nil && len(t.history) == 0 {
			renamed, err := s.store.RenameConversation(ctx, conv.ID, t.req.UserID, model.DeriveTitle(t.req.Message))
			if err != nil {
				return fmt.Errorf("failed to set conversation title: %w", err)
			}
			t.conv = renamed
		}
	}

	userMsg := &model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        t.req.Message,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	t.userMsg = userMsg

	return nil
}

func (s *ChatService) resolveConversation(ctx context.Context, req *model.ChatRequest) (*model.Conversation, bool, error) {
	if req.ConversationID != nil && *req.ConversationID != "" {
		if _, err := uuid.Parse(*req.ConversationID); err == nil {
			conv, err := s.store.GetConversation(ctx, *req.ConversationID, req.UserID)
			switch {
			case err == nil:
				return conv, false, nil
			case !errors.Is(err, store.ErrNotFound):
				return nil, false, fmt.Errorf("failed to load conversation: %w", err)
			}
		}
	}

	title := model.DeriveTitle(req.Message)
	state := model.NewCumulativeState()
	conv := &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         req.UserID,
		Title:          &title,
		SentimentState: &state,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsTotal.Inc()

	return conv, true, nil
}

// loadContext returns the last turns of a conversation, cache first.
func (s *ChatService) loadContext(ctx context.Context, conversationID string) ([]model.ContextTurn, bool, error) {
	if turns, ok := s.cache.GetContext(ctx, conversationID, s.cfg.ContextSize); ok && len(turns) > 0 {
		return turns, true, nil
	}

	msgs, err := s.store.RecentMessages(ctx, conversationID, s.cfg.ContextSize)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load context: %w", err)
	}

	turns := make([]model.ContextTurn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, model.ContextTurn{Role: m.Role, Content: m.Content})
	}
	return turns, false, nil
}

func (s *ChatService) request(t *turn) *llm.Request {
	messages := make([]llm.ChatMessage, 0, len(t.history)+1)
	for _, h := range t.history {
		messages = append(messages, llm.ChatMessage{Role: string(h.Role), Content: h.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: string(model.RoleUser), Content: t.req.Message})

	temperature := t.req.Temperature
	if temperature <= 0 {
		temperature = s.cfg.Temperature
	}
	maxTokens := t.req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxTokens
	}

	return &llm.Request{
		Model:        t.modelName,
		Messages:     messages,
		SystemPrompt: s.cfg.SystemPrompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}
}

// stream forwards content and thought chunks until the final chunk.
func (s *ChatService) stream(ctx context.Context, t *turn, emit Emitter, structured bool) error {
	provider := t.adapter.Name()
	handler := func(c llm.Chunk) error {
		if c.IsFinal {
			t.finishReason = c.FinishReason
			t.structured = c.Sentiment
			if c.Response != "" {
				t.content.Reset()
				t.content.WriteString(c.Response)
			}
			return nil
		}
		if c.Content == "" {
			return nil
		}
		if c.IsThought {
			metrics.LLMChunksTotal.WithLabelValues(provider, "thought").Inc()
			t.thoughts.WriteString(c.Content)
			return emit.Emit(model.EventThought, model.ContentEvent{Content: c.Content})
		}
		metrics.LLMChunksTotal.WithLabelValues(provider, "content").Inc()
		t.content.WriteString(c.Content)
		return emit.Emit(model.EventChunk, model.ContentEvent{Content: c.Content})
	}

	start := time.Now()
	var err error
	if structured {
		err = t.adapter.GenerateStructuredStream(ctx, s.request(t), handler)
	} else {
		err = t.adapter.GenerateStream(ctx, s.request(t), handler)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLMStream(provider, t.modelName, status, time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	if t.finishReason == "" {
		t.finishReason = "stop"
	}
	return nil
}

// runStructured streams a response whose final chunk carries the message sentiment.
func (s *ChatService) runStructured(ctx context.Context, t *turn, emit Emitter) (model.SentimentEvent, error) {
	if err := s.stream(ctx, t, emit, true); err != nil {
		return model.SentimentEvent{}, err
	}

	msgSentiment := structuredResult(t.structured, t.adapter.Name(), t.modelName)
	cumResult, state := s.engine.Update(ctx, sentiment.UpdateInput{
		NewMessage:       t.req.Message,
		State:            t.state,
		MessageSentiment: &msgSentiment,
		Adapter:          t.adapter,
		Model:            t.modelName,
	})

	return s.complete(ctx, t, msgSentiment, cumResult, state)
}

// runSeparate streams the response while the message sentiment, and the
// cumulative update when the provider can judge it alone, run alongside.
func (s *ChatService) runSeparate(ctx context.Context, t *turn, emit Emitter) (model.SentimentEvent, error) {
	detached := context.WithoutCancel(ctx)

	msgTask := goAsync(detached, func(ctx context.Context) (model.SentimentResult, error) {
		return s.sentiment.Analyze(ctx, t.method, t.req.Message, t.adapter, t.modelName)
	})

	var cumTask <-chan result[cumulative]
	if t.adapter.SupportsIncrementalSentiment() && t.state.Count > 0 {
		cumTask = goAsync(detached, func(ctx context.Context) (cumulative, error) {
			r, st, err := s.engine.Incremental(ctx, sentiment.UpdateInput{
				NewMessage: t.req.Message,
				State:      t.state,
				Adapter:    t.adapter,
				Model:      t.modelName,
			})
			return cumulative{result: r, state: st}, err
		})
	}

	if err := s.stream(ctx, t, emit, false); err != nil {
		return model.SentimentEvent{}, err
	}

	msg := <-msgTask
	msgSentiment := msg.val
	if msg.err != nil {
		t.log.Warn("message sentiment failed, using neutral", zap.Error(msg.err))
		msgSentiment = model.NeutralSentiment()
	}

	var cumResult model.SentimentResult
	var state model.CumulativeState
	switch {
	case cumTask == nil:
		cumResult, state = s.engine.Update(ctx, sentiment.UpdateInput{
			NewMessage:       t.req.Message,
			State:            t.state,
			MessageSentiment: &msgSentiment,
			Adapter:          t.adapter,
			Model:            t.modelName,
		})
	default:
		cum := <-cumTask
		if cum.err != nil {
			t.log.Warn("incremental sentiment failed, using weighted average", zap.Error(cum.err))
			cumResult, state = s.engine.Fallback(t.state, &msgSentiment)
		} else {
			cumResult, state = cum.val.result, cum.val.state
		}
	}

	return s.complete(ctx, t, msgSentiment, cumResult, state)
}

// complete persists the turn, schedules cache maintenance and builds the
// sentiment payload.
func (s *ChatService) complete(
	ctx context.Context,
	t *turn,
	msgSentiment, cumResult model.SentimentResult,
	state model.CumulativeState,
) (model.SentimentEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.SentimentEvent{}, fmt.Errorf("request cancelled before persisting: %w", err)
	}

	var thoughts *string
	if t.thoughts.Len() > 0 {
		th := t.thoughts.String()
		thoughts = &th
	}

	assistant := &model.Message{
		ConversationID: t.conv.ID,
		Role:           model.RoleAssistant,
		Content:        t.content.String(),
		ModelInfo: &model.GenerationInfo{
			Provider: t.adapter.Name(),
			Model:    t.modelName,
			Thoughts: thoughts,
		},
	}

	if err := s.store.CompleteTurn(ctx, &store.Turn{
		ConversationID: t.conv.ID,
		UserMessageID:  t.userMsg.ID,
		UserSentiment:  &model.MessageSentiment{Message: &msgSentiment, Cumulative: &cumResult},
		State:          state,
		Assistant:      assistant,
	}); err != nil {
		return model.SentimentEvent{}, fmt.Errorf("failed to persist turn: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()

	s.syncCaches(t, assistant)
	s.publish(&model.ChatEvent{
		Type:           model.ChatEventCompleted,
		UserID:         t.req.UserID,
		ConversationID: t.conv.ID,
		Provider:       t.adapter.Name(),
		Model:          t.modelName,
		Metadata: map[string]any{
			"sentiment_method": t.method,
			"message_score":    msgSentiment.Payload().Score,
			"cumulative_score": cumResult.Payload().Score,
			"cumulative_count": state.Count,
		},
	})

	return model.SentimentEvent{
		Message:    msgSentiment.Payload(),
		Cumulative: cumResult.Payload(),
	}, nil
}

// syncCaches brings the conversation caches up to date after a committed turn.
func (s *ChatService) syncCaches(t *turn, assistant *model.Message) {
	if !s.cache.Available() {
		return
	}

	conversationID, userID := t.conv.ID, t.req.UserID
	userTurn := model.ContextTurn{Role: model.RoleUser, Content: t.req.Message}
	assistantTurn := model.ContextTurn{Role: model.RoleAssistant, Content: assistant.Content}
	history, cacheHit := t.history, t.cacheHit
	message := t.req.Message

	s.submit("cache.sync", func(ctx context.Context) error {
		if cacheHit {
			s.cache.AppendContext(ctx, conversationID, s.cfg.ContextCap, userTurn, assistantTurn)
		} else {
			turns := append(append([]model.ContextTurn(nil), history...), userTurn, assistantTurn)
			s.cache.SetContext(ctx, conversationID, turns)
		}
		s.cache.InvalidateDetail(ctx, conversationID)
		s.cache.InvalidateHistory(ctx, userID)

		if s.cache.AppendUserMessage(ctx, conversationID, message) {
			return nil
		}
		messages, err := s.store.UserMessages(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("load user messages: %w", err)
		}
		s.cache.SetUserMessages(ctx, conversationID, messages)
		return nil
	})
}

func (s *ChatService) publish(event *model.ChatEvent) {
	s.submit("events.publish", func(ctx context.Context) error {
		return s.events.Publish(ctx, event)
	})
}

func (s *ChatService) submit(name string, task worker.Task) {
	if err := s.pool.Submit(name, task); err != nil {
		s.logger.Warn("background task not scheduled", zap.String("task", name), zap.Error(err))
	}
}

// fail reports a failure after start: one generic error event and an audit record.
func (s *ChatService) fail(ctx context.Context, t *turn, emit Emitter, span trace.Span, reason string, err error) error {
	if ctx.Err() != nil {
		reason = "client_disconnected"
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	metrics.ChatTurnsTotal.WithLabelValues(t.method, "failed").Inc()
	t.log.Error("chat stream failed", zap.String("reason", reason), zap.Error(err))

	if emitErr := emit.Emit(model.EventError, model.ErrorEvent{
		Code:    streamErrorCode,
		Message: streamErrorMessage,
	}); emitErr != nil {
		t.log.Debug("error event not delivered", zap.Error(emitErr))
	}

	s.publish(&model.ChatEvent{
		Type:           model.ChatEventFailed,
		UserID:         t.req.UserID,
		ConversationID: t.conv.ID,
		Provider:       t.adapter.Name(),
		Model:          t.modelName,
		Reason:         reason,
	})

	return err
}

// structuredResult converts the sentiment of a structured final chunk.
func structuredResult(s *llm.StructuredSentiment, provider, modelName string) model.SentimentResult {
	if s == nil {
		r := model.NeutralSentiment()
		r.Source = model.SourceStructured
		return r
	}

	score := model.ClampScore(s.Score)
	label, ok := model.ParseLabel(s.Label)
	if !ok {
		label = model.ScoreToLabel(score)
	}
	emotion := strings.ToLower(strings.TrimSpace(s.Emotion))
	if emotion == "" {
		emotion = "neutral"
	}

	return model.SentimentResult{
		Score:   score,
		Label:   label,
		Source:  model.SourceStructured,
		Emotion: emotion,
		Details: map[string]any{"provider": provider, "model": modelName},
	}
}

type cumulative struct {
	result model.SentimentResult
	state  model.CumulativeState
}

type result[T any] struct {
	val T
	err error
}

// goAsync runs fn on its own goroutine under a bounded context. The channel is
// buffered so an abandoned task still finishes and is collected.
func goAsync[T any](parent context.Context, fn func(ctx context.Context) (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	go func() {
		ctx, cancel := context.WithTimeout(parent, sentimentTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ch <- result[T]{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()

		val, err := fn(ctx)
		ch <- result[T]{val: val, err: err}
	}()
	return ch
}
