// Package sentiment computes per-message and cumulative conversation sentiment.
package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
)

const (
	maxSummaryLength        = 100
	maxIncrementalInput     = 1000
	incrementalTemperature  = 0.1
	incrementalMaxTokens    = 200
	noPreviousContextMarker = "No previous context"
)

const incrementalPrompt = `You are a sentiment analyst tracking conversation sentiment over time.

Given the previous conversation summary and a new user message, produce:
1. An updated summary (max 100 chars) capturing the overall emotional trajectory
2. A sentiment score from -1.0 (very negative) to 1.0 (very positive)
3. A label: "Positive", "Negative", or "Neutral"

Previous summary: %s
Previous score: %g
Message count: %d

New message to incorporate:
%s

Respond with ONLY valid JSON:
{"score": 0.5, "label": "Positive", "summary": "Brief emotional summary"}`

// ErrIncrementalUnsupported is returned by Incremental for providers without
// the incremental capability.
var ErrIncrementalUnsupported = errors.New("provider does not support incremental sentiment")

// UpdateInput carries one cumulative update.
type UpdateInput struct {
	NewMessage string
	State      model.CumulativeState
	// MessageSentiment is nil when per-message analysis is unavailable.
	MessageSentiment *model.SentimentResult
	Adapter          llm.Adapter
	Model            string
}

// Engine maintains the rolling per-conversation sentiment. Each update costs
// at most one bounded model call, whatever the conversation length.
type Engine struct {
	logger *logger.Logger
}

// NewEngine creates an engine.
func NewEngine(log *logger.Logger) *Engine {
	return &Engine{logger: log}
}

// Update folds one user message into the cumulative state. It never fails:
// model errors fall back to the weighted running average.
func (e *Engine) Update(ctx context.Context, in UpdateInput) (model.SentimentResult, model.CumulativeState) {
	result, state := e.update(ctx, in)
	metrics.SentimentUpdatesTotal.WithLabelValues(result.Source).Inc()
	return result, state
}

func (e *Engine) update(ctx context.Context, in UpdateInput) (model.SentimentResult, model.CumulativeState) {
	capable := in.Adapter != nil && in.Adapter.SupportsIncrementalSentiment()

	if !capable {
		return fallback(in.State, in.MessageSentiment)
	}

	if in.State.Count == 0 && in.MessageSentiment != nil {
		return seed(*in.MessageSentiment)
	}

	result, state, err := e.incremental(ctx, in)
	if err == nil {
		return result, state
	}

	e.logger.Debug("incremental sentiment update failed, using weighted average",
		zap.String("provider", in.Adapter.Name()),
		zap.Error(err),
	)
	return fallback(in.State, in.MessageSentiment)
}

// Incremental performs only the model-judged update and reports its failure
// instead of falling back.
func (e *Engine) Incremental(ctx context.Context, in UpdateInput) (model.SentimentResult, model.CumulativeState, error) {
	if in.Adapter == nil || !in.Adapter.SupportsIncrementalSentiment() {
		return model.SentimentResult{}, model.CumulativeState{}, ErrIncrementalUnsupported
	}
	result, state, err := e.incremental(ctx, in)
	if err != nil {
		return model.SentimentResult{}, model.CumulativeState{}, err
	}
	metrics.SentimentUpdatesTotal.WithLabelValues(result.Source).Inc()
	return result, state, nil
}

// Fallback applies the weighted running average without any model call.
func (e *Engine) Fallback(current model.CumulativeState, msg *model.SentimentResult) (model.SentimentResult, model.CumulativeState) {
	result, state := fallback(current, msg)
	metrics.SentimentUpdatesTotal.WithLabelValues(result.Source).Inc()
	return result, state
}

func (e *Engine) incremental(ctx context.Context, in UpdateInput) (model.SentimentResult, model.CumulativeState, error) {
	summary := in.State.Summary
	if summary == "" {
		summary = noPreviousContextMarker
	}

	prompt := fmt.Sprintf(incrementalPrompt,
		summary,
		in.State.Score,
		in.State.Count,
		truncateRunes(in.NewMessage, maxIncrementalInput),
	)

	resp, err := in.Adapter.Complete(ctx, &llm.Request{
		Model:       in.Model,
		Messages:    []llm.ChatMessage{{Role: string(model.RoleUser), Content: prompt}},
		Temperature: incrementalTemperature,
		MaxTokens:   incrementalMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return model.SentimentResult{}, model.CumulativeState{}, fmt.Errorf("incremental call: %w", err)
	}

	var data struct {
		Score   *float64 `json:"score"`
		Label   string   `json:"label"`
		Summary string   `json:"summary"`
	}
	if err := json.Unmarshal([]byte(llm.StripCodeFence(resp.Content)), &data); err != nil {
		return model.SentimentResult{}, model.CumulativeState{}, fmt.Errorf("parse incremental response: %w", err)
	}
	if data.Score == nil {
		return model.SentimentResult{}, model.CumulativeState{}, fmt.Errorf("incremental response has no score")
	}

	score := model.ClampScore(*data.Score)
	label, ok := model.ParseLabel(data.Label)
	if !ok {
		label = model.ScoreToLabel(score)
	}
	newSummary := truncateRunes(strings.TrimSpace(data.Summary), maxSummaryLength)

	state := model.CumulativeState{
		Summary: newSummary,
		Score:   score,
		Count:   in.State.Count + 1,
		Label:   label,
	}
	result := state.Result(model.SourceIncremental)
	result.Details = map[string]any{"provider": in.Adapter.Name(), "model": in.Model}
	return result, state, nil
}

// seed starts the aggregate from the first scored message.
func seed(msg model.SentimentResult) (model.SentimentResult, model.CumulativeState) {
	feeling := msg.Emotion
	if feeling == "" {
		feeling = strings.ToLower(string(msg.Label))
	}

	state := model.CumulativeState{
		Summary: truncateRunes("User is "+feeling, maxSummaryLength),
		Score:   msg.Score,
		Count:   1,
		Label:   msg.Label,
	}
	result := state.Result(model.SourceIncremental)
	result.Emotion = msg.Emotion
	return result, state
}

// fallback applies the weighted running average, or only advances the count
// when no message sentiment is available.
func fallback(current model.CumulativeState, msg *model.SentimentResult) (model.SentimentResult, model.CumulativeState) {
	if msg == nil {
		state := current
		state.Count = current.Count + 1
		return state.Result(model.SourceIncrementalUnchanged), state
	}

	score := WeightedAverage(current.Score, current.Count, msg.Score)
	state := model.CumulativeState{
		Summary: current.Summary,
		Score:   score,
		Count:   current.Count + 1,
		Label:   model.ScoreToLabel(score),
	}
	return state.Result(model.SourceIncrementalFallback), state
}

// WeightedAverage folds newScore into an average of count previous scores.
func WeightedAverage(oldScore float64, count int, newScore float64) float64 {
	if count < 0 {
		count = 0
	}
	return (oldScore*float64(count) + newScore) / float64(count+1)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
