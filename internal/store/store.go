// Package store persists users, conversations and messages.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

var (
	// ErrNotFound is returned for missing rows and for rows owned by another user.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("already exists")
)

// Turn is the atomic completion of one chat exchange.
type Turn struct {
	ConversationID string
	UserMessageID  int64
	UserSentiment  *model.MessageSentiment
	State          model.CumulativeState
	// Assistant receives its ID and CreatedAt on commit.
	Assistant *model.Message
}

// Store is the persistence contract used by the services.
type Store interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)

	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id, ownerID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]model.ConversationSummary, error)
	RenameConversation(ctx context.Context, id, ownerID, title string) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id, ownerID string) error
	DeleteAllConversations(ctx context.Context, ownerID string) ([]string, error)

	CreateMessage(ctx context.Context, msg *model.Message) error
	RecentMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error)
	UserMessages(ctx context.Context, conversationID string) ([]string, error)

	CompleteTurn(ctx context.Context, turn *Turn) error

	Ping(ctx context.Context) error
	Close()
}
