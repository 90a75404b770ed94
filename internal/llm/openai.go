package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultMaxTokens   = 2048
)

// OpenAIAdapter is the OpenAI LLM adapter.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	return &OpenAIAdapter{
		client: openai.NewClient(apiKey),
	}, nil
}

// NewOpenAIAdapterWithConfig creates an adapter for an OpenAI compatible endpoint.
func NewOpenAIAdapterWithConfig(cfg openai.ClientConfig) *OpenAIAdapter {
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(cfg),
	}
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string {
	return ProviderOpenAI
}

// Models returns available models.
func (a *OpenAIAdapter) Models() []model.ModelInfo {
	return []model.ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", Provider: ProviderOpenAI, ContextWindow: 128000, SupportsStreaming: true, SupportsStructured: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: ProviderOpenAI, ContextWindow: 128000, SupportsStreaming: true, SupportsStructured: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: ProviderOpenAI, ContextWindow: 128000, SupportsStreaming: true, SupportsStructured: true},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Provider: ProviderOpenAI, ContextWindow: 16385, SupportsStreaming: true, SupportsStructured: true},
	}
}

// SupportsIncrementalSentiment is true: JSON mode makes the summary call reliable.
func (a *OpenAIAdapter) SupportsIncrementalSentiment() bool {
	return true
}

// Complete sends a completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	var content, stopReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		stopReason = string(resp.Choices[0].FinishReason)
	}

	return &Response{
		Content:    content,
		Model:      resp.Model,
		TokensIn:   resp.Usage.PromptTokens,
		TokensOut:  resp.Usage.CompletionTokens,
		StopReason: stopReason,
		LatencyMs:  since(start),
	}, nil
}

// GenerateStream streams a plain response.
func (a *OpenAIAdapter) GenerateStream(ctx context.Context, req *Request, fn ChunkHandler) error {
	return generateStream(ctx, a, req, fn)
}

// GenerateStructuredStream streams a response with sentiment on the final chunk.
func (a *OpenAIAdapter) GenerateStructuredStream(ctx context.Context, req *Request, fn ChunkHandler) error {
	return generateStructuredStream(ctx, a, req, fn)
}

func (a *OpenAIAdapter) streamText(ctx context.Context, req *Request, onDelta func(string) error) (string, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.buildRequest(req, true))
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var stopReason string
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		if len(response.Choices) == 0 {
			continue
		}

		if delta := response.Choices[0].Delta.Content; delta != "" {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}

		if response.Choices[0].FinishReason != "" {
			stopReason = string(response.Choices[0].FinishReason)
		}
	}

	return stopReason, nil
}

func (a *OpenAIAdapter) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	modelName := req.Model
	if modelName == "" {
		modelName = defaultOpenAIModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
	if req.JSONMode {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}
