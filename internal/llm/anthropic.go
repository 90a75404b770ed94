package llm

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicAdapter is the Anthropic LLM adapter.
type AnthropicAdapter struct {
	client *anthropic.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (a *AnthropicAdapter) Name() string {
	return ProviderAnthropic
}

// Models returns available models.
func (a *AnthropicAdapter) Models() []model.ModelInfo {
	return []model.ModelInfo{
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", Provider: ProviderAnthropic, ContextWindow: 200000, SupportsStreaming: true, SupportsStructured: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Provider: ProviderAnthropic, ContextWindow: 200000, SupportsStreaming: true, SupportsStructured: true},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", Provider: ProviderAnthropic, ContextWindow: 200000, SupportsStreaming: true, SupportsStructured: true},
	}
}

// SupportsIncrementalSentiment is false: the API has no JSON response mode, so
// cumulative sentiment uses the weighted average instead.
func (a *AnthropicAdapter) SupportsIncrementalSentiment() bool {
	return false
}

// Complete sends a completion request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	resp, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content:    content.String(),
		Model:      resp.Model,
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  since(start),
	}, nil
}

// GenerateStream streams a plain response.
func (a *AnthropicAdapter) GenerateStream(ctx context.Context, req *Request, fn ChunkHandler) error {
	return generateStream(ctx, a, req, fn)
}

// GenerateStructuredStream streams a response with sentiment on the final chunk.
func (a *AnthropicAdapter) GenerateStructuredStream(ctx context.Context, req *Request, fn ChunkHandler) error {
	return generateStructuredStream(ctx, a, req, fn)
}

func (a *AnthropicAdapter) streamText(ctx context.Context, req *Request, onDelta func(string) error) (string, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	var stopReason string
	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if err := onDelta(event.Delta.Text); err != nil {
					return "", err
				}
			}
		case anthropic.MessageStreamEventTypeMessageDelta:
			stopReason = string(event.Delta.StopReason)
		}
	}

	if err := stream.Err(); err != nil {
		return "", err
	}

	return stopReason, nil
}

func (a *AnthropicAdapter) buildParams(req *Request) anthropic.MessageNewParams {
	modelName := req.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	system := req.SystemPrompt
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == string(model.RoleSystem) {
			system = strings.TrimSpace(system + "\n\n" + msg.Content)
			continue
		}
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		})
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(modelName),
		MaxTokens:   anthropic.F(int64(maxTokens)),
		Messages:    anthropic.F(messages),
		Temperature: anthropic.F(req.Temperature),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(system),
		}})
	}
	return params
}
