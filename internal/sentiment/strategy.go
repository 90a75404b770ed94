package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	language "cloud.google.com/go/language/apiv1"
	"cloud.google.com/go/language/apiv1/languagepb"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

// Sentiment method names accepted by the chat endpoint.
const (
	MethodNLP        = "nlp_api"
	MethodSeparate   = "llm_separate"
	MethodStructured = "structured"
)

// ErrUnknownMethod is returned for unsupported sentiment methods.
var ErrUnknownMethod = errors.New("unknown sentiment method")

// Strategy analyzes the sentiment of a single text.
type Strategy interface {
	Name() string
	Analyze(ctx context.Context, text string) (model.SentimentResult, error)
}

const separateSystemPrompt = `You are a sentiment analyst. Analyze the emotional tone and sentiment of the user's message.

Respond with ONLY valid JSON in this format:
{"score": 0.5, "label": "Positive", "emotion": "happy and engaged"}

Where:
- score: float from -1.0 (very negative) to 1.0 (very positive), 0 is neutral
- label: exactly one of "Positive", "Negative", "Neutral"
- emotion: 1-5 word description of the dominant emotion`

// SeparateStrategy scores a message with a dedicated model call.
type SeparateStrategy struct {
	adapter llm.Adapter
	model   string
}

// NewSeparateStrategy creates a strategy bound to one provider and model.
func NewSeparateStrategy(adapter llm.Adapter, modelName string) *SeparateStrategy {
	return &SeparateStrategy{adapter: adapter, model: modelName}
}

// Name returns the method name.
func (s *SeparateStrategy) Name() string {
	return MethodSeparate
}

// Analyze returns an error only when the provider call fails. An unparseable
// answer yields a neutral result that records the problem in its details.
func (s *SeparateStrategy) Analyze(ctx context.Context, text string) (model.SentimentResult, error) {
	resp, err := s.adapter.Complete(ctx, &llm.Request{
		Model:        s.model,
		SystemPrompt: separateSystemPrompt,
		Messages:     []llm.ChatMessage{{Role: string(model.RoleUser), Content: "Analyze the sentiment of this text:\n\n" + text}},
		Temperature:  0.1,
		MaxTokens:    150,
		JSONMode:     true,
	})
	if err != nil {
		return model.SentimentResult{}, fmt.Errorf("sentiment call: %w", err)
	}

	return parseSeparateResponse(resp.Content, s.adapter.Name(), s.model), nil
}

func parseSeparateResponse(content, provider, modelName string) model.SentimentResult {
	details := map[string]any{"provider": provider, "model": modelName}

	var data struct {
		Score   *float64 `json:"score"`
		Label   string   `json:"label"`
		Emotion string   `json:"emotion"`
	}
	if err := json.Unmarshal([]byte(llm.StripCodeFence(content)), &data); err != nil || data.Score == nil {
		details["error"] = "unparseable sentiment response"
		return model.SentimentResult{
			Score:   0,
			Label:   model.LabelNeutral,
			Emotion: "neutral",
			Source:  MethodSeparate,
			Details: details,
		}
	}

	score := model.ClampScore(*data.Score)
	label, ok := model.ParseLabel(data.Label)
	if !ok {
		label = model.ScoreToLabel(score)
	}
	emotion := data.Emotion
	if emotion == "" {
		emotion = "neutral"
	}

	return model.SentimentResult{
		Score:   score,
		Label:   label,
		Emotion: emotion,
		Source:  MethodSeparate,
		Details: details,
	}
}

// NLPStrategy scores text with the Google Cloud Natural Language API.
// A strategy without a client reports neutral.
type NLPStrategy struct {
	client *language.Client
	logger *logger.Logger
}

// NewNLPStrategy dials the Natural Language API with ambient credentials.
func NewNLPStrategy(ctx context.Context, log *logger.Logger) (*NLPStrategy, error) {
	client, err := language.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create language client: %w", err)
	}
	return &NLPStrategy{client: client, logger: log}, nil
}

// Name returns the method name.
func (s *NLPStrategy) Name() string {
	return MethodNLP
}

// Close releases the API connection.
func (s *NLPStrategy) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Analyze never fails: an unavailable API yields a neutral result.
func (s *NLPStrategy) Analyze(ctx context.Context, text string) (model.SentimentResult, error) {
	if s == nil || s.client == nil {
		result := model.NeutralSentiment()
		result.Source = MethodNLP
		result.Details = map[string]any{"error": "natural language API not configured"}
		return result, nil
	}

	resp, err := s.client.AnalyzeSentiment(ctx, &languagepb.AnalyzeSentimentRequest{
		Document: &languagepb.Document{
			Source: &languagepb.Document_Content{Content: text},
			Type:   languagepb.Document_PLAIN_TEXT,
		},
		EncodingType: languagepb.EncodingType_UTF8,
	})
	if err != nil {
		s.logger.Error("natural language analysis failed", zap.Error(err))
		result := model.NeutralSentiment()
		result.Source = MethodNLP
		result.Details = map[string]any{"error": "natural language API unavailable"}
		return result, nil
	}

	doc := resp.GetDocumentSentiment()
	score := model.ClampScore(float64(doc.GetScore()))
	return model.SentimentResult{
		Score:  score,
		Label:  model.ScoreToLabel(score),
		Source: MethodNLP,
		Details: map[string]any{
			"magnitude": float64(doc.GetMagnitude()),
			"service":   "Google Cloud Natural Language API",
		},
	}, nil
}
