package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a persisted conversation message.
type Message struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Sentiment      *MessageSentiment `json:"sentiment_data,omitempty"`
	ModelInfo      *GenerationInfo   `json:"model_info,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// GenerationInfo records how an assistant message was produced.
type GenerationInfo struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Thoughts *string `json:"thoughts"`
}

// ContextTurn is one entry of the prompt window.
type ContextTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body of the streaming chat endpoint.
type ChatRequest struct {
	Message         string  `json:"message"`
	ConversationID  *string `json:"conversation_id,omitempty"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	SentimentMethod string  `json:"sentiment_method,omitempty"`

	// Populated by the server.
	UserID      string  `json:"-"`
	Temperature float64 `json:"-"`
	MaxTokens   int     `json:"-"`
}

// ModelInfo describes a model offered by a provider.
type ModelInfo struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Provider           string `json:"provider"`
	ContextWindow      int    `json:"context_window"`
	SupportsStreaming  bool   `json:"supports_streaming"`
	SupportsStructured bool   `json:"supports_structured"`
}
