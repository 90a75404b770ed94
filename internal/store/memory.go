package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message
	nextMessageID int64
	last          time.Time
	now           func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*model.User),
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// tick returns a timestamp strictly after the previous one so ordering by
// time stays deterministic.
func (s *MemoryStore) tick() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) || u.Username == user.Username {
			return ErrConflict
		}
	}

	now := s.tick()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return ErrConflict
	}

	now := s.tick()
	conv.CreatedAt, conv.UpdatedAt = now, now
	s.conversations[conv.ID] = copyConversation(conv)
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id, ownerID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok || c.UserID != ownerID {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, ownerID string, limit int) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ConversationSummary
	for _, c := range s.conversations {
		if c.UserID != ownerID {
			continue
		}
		out = append(out, model.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: len(s.messages[c.ID]),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RenameConversation(_ context.Context, id, ownerID, title string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok || c.UserID != ownerID {
		return nil, ErrNotFound
	}
	c.Title = &title
	c.UpdatedAt = s.tick()
	return copyConversation(c), nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok || c.UserID != ownerID {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) DeleteAllConversations(_ context.Context, ownerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, c := range s.conversations {
		if c.UserID == ownerID {
			ids = append(ids, id)
			delete(s.conversations, id)
			delete(s.messages, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	s.insertMessage(msg)
	c.UpdatedAt = msg.CreatedAt
	return nil
}

// insertMessage assigns ID and CreatedAt. Callers hold the write lock.
func (s *MemoryStore) insertMessage(msg *model.Message) {
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.CreatedAt = s.tick()
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID string, n int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return copyMessages(msgs), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit, offset int) ([]model.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	total := len(msgs)
	if offset >= total {
		return []model.Message{}, total, nil
	}
	end := total
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return copyMessages(msgs[offset:end]), total, nil
}

func (s *MemoryStore) UserMessages(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, m := range s.messages[conversationID] {
		if m.Role == model.RoleUser {
			out = append(out, m.Content)
		}
	}
	return out, nil
}

// CompleteTurn applies all changes under one lock; nothing changes on error.
func (s *MemoryStore) CompleteTurn(_ context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[turn.ConversationID]
	if !ok {
		return ErrNotFound
	}

	var userMsg *model.Message
	for _, m := range s.messages[turn.ConversationID] {
		if m.ID == turn.UserMessageID {
			userMsg = m
			break
		}
	}
	if userMsg == nil {
		return ErrNotFound
	}

	userMsg.Sentiment = turn.UserSentiment
	state := turn.State
	c.SentimentState = &state

	turn.Assistant.ConversationID = turn.ConversationID
	turn.Assistant.Role = model.RoleAssistant
	s.insertMessage(turn.Assistant)
	c.UpdatedAt = turn.Assistant.CreatedAt
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func copyConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	if c.Title != nil {
		t := *c.Title
		cp.Title = &t
	}
	if c.SentimentState != nil {
		st := *c.SentimentState
		cp.SentimentState = &st
	}
	return &cp
}

func copyMessages(msgs []*model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}
