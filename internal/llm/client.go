// Package llm provides LLM adapter interfaces and provider implementations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

var (
	// ErrUnknownProvider is returned for provider names the service does not support.
	ErrUnknownProvider = errors.New("unknown LLM provider")
	// ErrNotConfigured is returned when a supported provider has no credentials.
	ErrNotConfigured = errors.New("LLM provider not configured")
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request represents a completion request.
type Request struct {
	Model        string
	Messages     []ChatMessage
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// JSONMode asks the provider for a single JSON object when it supports it.
	JSONMode bool
}

// Response represents a non-streaming completion response.
type Response struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// StructuredSentiment is the sentiment carried by the final chunk of a structured stream.
type StructuredSentiment struct {
	Score   float64
	Label   string
	Emotion string
}

// Chunk is one element of a streamed response. Every stream ends with exactly
// one chunk whose IsFinal is true.
type Chunk struct {
	Content      string
	IsThought    bool
	IsFinal      bool
	FinishReason string
	Sentiment    *StructuredSentiment
	// Response is the complete visible text of a structured stream, set on
	// the final chunk when the provider output parsed. It supersedes the
	// concatenated chunks.
	Response string
}

// ChunkHandler receives chunks in provider emission order. Returning an error aborts the stream.
type ChunkHandler func(Chunk) error

// Adapter is the interface for LLM providers.
type Adapter interface {
	// Name returns the provider name.
	Name() string

	// Models returns the models offered by the provider.
	Models() []model.ModelInfo

	// SupportsIncrementalSentiment reports whether the provider can produce the
	// JSON judgment used for incremental cumulative sentiment.
	SupportsIncrementalSentiment() bool

	// Complete sends a completion request and returns the whole response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream streams a plain response. Text inside <think> tags is
	// reported as thought chunks.
	GenerateStream(ctx context.Context, req *Request, fn ChunkHandler) error

	// GenerateStructuredStream streams a response that also carries the
	// sentiment of the latest user message on its final chunk.
	GenerateStructuredStream(ctx context.Context, req *Request, fn ChunkHandler) error
}

// textStreamer is the provider specific part of streaming: raw text deltas.
type textStreamer interface {
	streamText(ctx context.Context, req *Request, onDelta func(string) error) (stopReason string, err error)
}

func generateStream(ctx context.Context, s textStreamer, req *Request, fn ChunkHandler) error {
	splitter := &thinkSplitter{}
	emit := func(chunks []Chunk) error {
		for _, c := range chunks {
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	}

	stopReason, err := s.streamText(ctx, req, func(delta string) error {
		return emit(splitter.Feed(delta))
	})
	if err != nil {
		return err
	}
	if err := emit(splitter.Flush()); err != nil {
		return err
	}

	return fn(Chunk{IsFinal: true, FinishReason: normalizeStopReason(stopReason)})
}

func generateStructuredStream(ctx context.Context, s textStreamer, req *Request, fn ChunkHandler) error {
	structured := *req
	structured.SystemPrompt = structuredSystemPrompt(lastUserMessage(req.Messages), req.SystemPrompt)
	structured.JSONMode = true

	var extractor responseExtractor
	stopReason, err := s.streamText(ctx, &structured, func(delta string) error {
		if content := extractor.Feed(delta); content != "" {
			return fn(Chunk{Content: content})
		}
		return nil
	})
	if err != nil {
		return err
	}

	rest, response, sentiment := extractor.Finish()
	if rest != "" {
		if err := fn(Chunk{Content: rest}); err != nil {
			return err
		}
	}

	return fn(Chunk{
		IsFinal:      true,
		FinishReason: normalizeStopReason(stopReason),
		Sentiment:    &sentiment,
		Response:     response,
	})
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(model.RoleUser) {
			return messages[i].Content
		}
	}
	return ""
}

// Registry holds the configured adapters by provider name.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates a registry. Nil adapters are skipped.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, exists := r.adapters[a.Name()]; !exists {
			r.order = append(r.order, a.Name())
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	switch provider {
	case ProviderOpenAI, ProviderAnthropic:
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

// Providers returns configured provider names in registration order.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.order...)
}

// Models returns the models of every configured provider.
func (r *Registry) Models() []model.ModelInfo {
	var models []model.ModelInfo
	for _, name := range r.order {
		models = append(models, r.adapters[name].Models()...)
	}
	return models
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
