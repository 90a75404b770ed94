package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/cache"
	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	natsclient "github.com/capitalize-ai/sentiment-chat/internal/nats"
	"github.com/capitalize-ai/sentiment-chat/internal/sentiment"
	"github.com/capitalize-ai/sentiment-chat/internal/store"
	"github.com/capitalize-ai/sentiment-chat/internal/worker"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

// ErrInvalidTitle is returned for blank or oversized titles.
var ErrInvalidTitle = errors.New("title must be between 1 and 255 characters")

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultDetailLimit  = 50
	maxDetailLimit      = 200
	maxTitleLength      = 255
)

// ConversationService handles conversation listing and lifecycle operations.
type ConversationService struct {
	store     store.Store
	cache     *cache.Cache
	registry  *llm.Registry
	sentiment *sentiment.Service
	pool      *worker.Pool
	events    natsclient.Publisher
	logger    *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(
	st store.Store,
	c *cache.Cache,
	registry *llm.Registry,
	sentimentService *sentiment.Service,
	pool *worker.Pool,
	events natsclient.Publisher,
	log *logger.Logger,
) *ConversationService {
	if events == nil {
		events = natsclient.NopPublisher{}
	}
	return &ConversationService{
		store:     st,
		cache:     c,
		registry:  registry,
		sentiment: sentimentService,
		pool:      pool,
		events:    events,
		logger:    log,
	}
}

// History returns a user's conversations, most recently updated first.
func (s *ConversationService) History(ctx context.Context, userID string, limit int) ([]model.ConversationSummary, error) {
	limit = clamp(limit, defaultHistoryLimit, maxHistoryLimit)

	if summaries, ok := s.cache.GetHistory(ctx, userID, limit); ok {
		return summaries, nil
	}

	summaries, err := s.store.ListConversations(ctx, userID, maxHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	if len(summaries) > 0 {
		snapshot := append([]model.ConversationSummary(nil), summaries...)
		s.submit("cache.history", func(ctx context.Context) error {
			s.cache.SetHistory(ctx, userID, snapshot)
			return nil
		})
	}

	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	if summaries == nil {
		summaries = []model.ConversationSummary{}
	}
	return summaries, nil
}

// Detail returns one page of a conversation's messages. The first page is cached.
func (s *ConversationService) Detail(ctx context.Context, userID, conversationID string, limit, offset int) (*model.ConversationDetail, error) {
	limit = clamp(limit, defaultDetailLimit, maxDetailLimit)
	if offset < 0 {
		offset = 0
	}

	if !validID(conversationID) {
		return nil, ErrNotFound
	}

	if offset == 0 {
		if detail, ok := s.cache.GetDetail(ctx, conversationID, userID, limit); ok {
			return detail, nil
		}
	}

	conv, err := s.store.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	msgs, total, err := s.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	detail := &model.ConversationDetail{
		ID:             conv.ID,
		Title:          conv.Title,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
		SentimentState: conv.SentimentState,
		Messages:       msgs,
		TotalMessages:  total,
		HasMore:        offset+len(msgs) < total,
	}

	if offset == 0 {
		s.cache.SetDetail(ctx, userID, detail, limit)
	}
	return detail, nil
}

// Delete removes a conversation and its messages.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if !validID(conversationID) {
		return ErrNotFound
	}
	if err := s.store.DeleteConversation(ctx, conversationID, userID); err != nil {
		return mapStoreError(err)
	}

	s.cache.InvalidateConversation(ctx, conversationID)
	s.cache.RemoveFromHistory(ctx, userID, conversationID)
	s.publishDeleted(userID, conversationID)

	s.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

// DeleteAll removes every conversation of a user and returns how many were removed.
func (s *ConversationService) DeleteAll(ctx context.Context, userID string) (int, error) {
	ids, err := s.store.DeleteAllConversations(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}

	for _, id := range ids {
		s.cache.InvalidateConversation(ctx, id)
		s.publishDeleted(userID, id)
	}
	s.cache.InvalidateHistory(ctx, userID)

	s.logger.Info("all conversations deleted",
		zap.String("user_id", userID),
		zap.Int("count", len(ids)),
	)
	return len(ids), nil
}

// Rename sets the title of a conversation.
func (s *ConversationService) Rename(ctx context.Context, userID, conversationID, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return nil, ErrInvalidTitle
	}
	if !validID(conversationID) {
		return nil, ErrNotFound
	}

	conv, err := s.store.RenameConversation(ctx, conversationID, userID, title)
	if err != nil {
		return nil, mapStoreError(err)
	}

	s.cache.InvalidateDetail(ctx, conversationID)
	s.cache.InvalidateHistory(ctx, userID)
	return conv, nil
}

// Models returns the model catalog keyed by provider.
func (s *ConversationService) Models(ctx context.Context) map[string][]model.ModelInfo {
	if models, ok := s.cache.GetModels(ctx); ok {
		return models
	}

	models := make(map[string][]model.ModelInfo)
	for _, m := range s.registry.Models() {
		models[m.Provider] = append(models[m.Provider], m)
	}
	s.cache.SetModels(ctx, models)
	return models
}

// SentimentMethods returns the accepted sentiment methods.
func (s *ConversationService) SentimentMethods(ctx context.Context) []string {
	if methods, ok := s.cache.GetSentimentMethods(ctx); ok {
		return methods
	}

	methods := s.sentiment.Methods()
	s.cache.SetSentimentMethods(ctx, methods)
	return methods
}

// WarmCaches fills the static catalog caches.
func (s *ConversationService) WarmCaches(ctx context.Context) {
	models := make(map[string][]model.ModelInfo)
	for _, m := range s.registry.Models() {
		models[m.Provider] = append(models[m.Provider], m)
	}

	ok := s.cache.SetModels(ctx, models) && s.cache.SetSentimentMethods(ctx, s.sentiment.Methods())
	s.logger.Info("static caches warmed", zap.Bool("cached", ok), zap.Int("providers", len(models)))
}

func (s *ConversationService) publishDeleted(userID, conversationID string) {
	event := &model.ChatEvent{
		Type:           model.ChatEventConversationDeleted,
		UserID:         userID,
		ConversationID: conversationID,
	}
	s.submit("events.publish", func(ctx context.Context) error {
		return s.events.Publish(ctx, event)
	})
}

func (s *ConversationService) submit(name string, task worker.Task) {
	if err := s.pool.Submit(name, task); err != nil {
		s.logger.Warn("background task not scheduled", zap.String("task", name), zap.Error(err))
	}
}

func mapStoreError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func clamp(v, def, upper int) int {
	if v <= 0 {
		return def
	}
	if v > upper {
		return upper
	}
	return v
}

// validID rejects ids that can never name a conversation.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
