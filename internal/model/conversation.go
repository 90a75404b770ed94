// Package model defines data structures for the chat platform.
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// TitleMaxLength is the number of characters a derived title keeps.
const TitleMaxLength = 50

// Conversation represents a conversation thread.
type Conversation struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Title          *string          `json:"title"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	SentimentState *CumulativeState `json:"sentiment_state,omitempty"`
}

// State returns the cumulative sentiment, or the empty state when none is stored.
func (c *Conversation) State() CumulativeState {
	if c.SentimentState == nil {
		return NewCumulativeState()
	}
	return *c.SentimentState
}

// ConversationSummary is a row of the history listing.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        *string   `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ConversationDetail is a page of a conversation with its messages.
type ConversationDetail struct {
	ID             string           `json:"id"`
	Title          *string          `json:"title"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	SentimentState *CumulativeState `json:"sentiment_state,omitempty"`
	Messages       []Message        `json:"messages"`
	TotalMessages  int              `json:"total_messages"`
	HasMore        bool             `json:"has_more"`
}

// RenameConversationRequest is the request to rename a conversation.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// DeleteResponse reports the outcome of a delete.
type DeleteResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeletedCount *int   `json:"deleted_count,omitempty"`
}

// DeriveTitle builds a title from the first message: at most TitleMaxLength
// characters, cut at the last whole word with an ellipsis when truncated.
func DeriveTitle(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= TitleMaxLength {
		return message
	}

	runes := []rune(message)
	head := strings.TrimSpace(string(runes[:TitleMaxLength]))
	if i := strings.LastIndex(head, " "); i > 0 {
		head = head[:i]
	}
	return head + "..."
}
