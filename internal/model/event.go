package model

import (
	"time"
)

// SSE event names of a chat stream.
const (
	EventStart     = "start"
	EventChunk     = "chunk"
	EventThought   = "thought"
	EventSentiment = "sentiment"
	EventDone      = "done"
	EventError     = "error"
)

// StartEvent opens every chat stream.
type StartEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

// ContentEvent carries a visible or thought token.
type ContentEvent struct {
	Content string `json:"content"`
}

// SentimentEvent carries the reconciled sentiment of a turn.
type SentimentEvent struct {
	Message    SentimentPayload `json:"message"`
	Cumulative SentimentPayload `json:"cumulative"`
}

// DoneEvent closes a successful stream.
type DoneEvent struct {
	FinishReason string `json:"finish_reason"`
}

// ErrorEvent closes a failed stream. Message is always generic.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ChatEventType represents the type of an audit event.
type ChatEventType string

const (
	ChatEventCompleted           ChatEventType = "chat.completed"
	ChatEventFailed              ChatEventType = "chat.failed"
	ChatEventConversationDeleted ChatEventType = "conversation.deleted"
)

// ChatEvent is an audit record published after chat activity.
type ChatEvent struct {
	ID             string         `json:"id"`
	Type           ChatEventType  `json:"type"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
