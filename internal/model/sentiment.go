package model

import (
	"math"
	"strings"
)

// Label is the coarse polarity of a sentiment score.
type Label string

const (
	LabelPositive Label = "Positive"
	LabelNegative Label = "Negative"
	LabelNeutral  Label = "Neutral"
)

// Sentiment sources recorded on results.
const (
	SourceDefault              = "default"
	SourceStructured           = "structured"
	SourceLLMSeparate          = "llm_separate"
	SourceNLP                  = "nlp_api"
	SourceIncremental          = "incremental"
	SourceIncrementalFallback  = "incremental_fallback"
	SourceIncrementalUnchanged = "incremental_unchanged"
)

// labelThreshold bounds the neutral band; the band is inclusive.
const labelThreshold = 0.1

// ScoreToLabel maps a score in [-1, 1] to a label.
func ScoreToLabel(score float64) Label {
	switch {
	case score > labelThreshold:
		return LabelPositive
	case score < -labelThreshold:
		return LabelNegative
	default:
		return LabelNeutral
	}
}

// ParseLabel accepts a label in any letter case.
func ParseLabel(s string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return LabelPositive, true
	case "negative":
		return LabelNegative, true
	case "neutral":
		return LabelNeutral, true
	}
	return "", false
}

// ClampScore limits a score to [-1, 1]. NaN becomes 0.
func ClampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(-1, math.Min(1, score))
}

// SentimentResult is the outcome of a single sentiment analysis.
type SentimentResult struct {
	Score   float64        `json:"score"`
	Label   Label          `json:"label"`
	Source  string         `json:"source"`
	Emotion string         `json:"emotion,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NeutralSentiment is the result used whenever analysis is unavailable.
func NeutralSentiment() SentimentResult {
	return SentimentResult{
		Score:   0,
		Label:   LabelNeutral,
		Source:  SourceDefault,
		Emotion: "neutral",
	}
}

// SentimentPayload is the client-facing form of a result.
type SentimentPayload struct {
	Score   float64 `json:"score"`
	Label   Label   `json:"label"`
	Emotion string  `json:"emotion,omitempty"`
	Summary string  `json:"summary,omitempty"`
}

// Payload rounds the score to four decimals for transport.
func (r SentimentResult) Payload() SentimentPayload {
	return SentimentPayload{
		Score:   math.Round(r.Score*10000) / 10000,
		Label:   r.Label,
		Emotion: r.Emotion,
		Summary: r.Summary,
	}
}

// CumulativeState is the rolling per-conversation sentiment aggregate.
// Count is the number of user messages folded in.
type CumulativeState struct {
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
	Count   int     `json:"count"`
	Label   Label   `json:"label"`
}

// NewCumulativeState returns the empty state of a fresh conversation.
func NewCumulativeState() CumulativeState {
	return CumulativeState{Label: LabelNeutral}
}

// Result reports the state as a sentiment result from the given source.
func (s CumulativeState) Result(source string) SentimentResult {
	return SentimentResult{
		Score:   s.Score,
		Label:   s.Label,
		Source:  source,
		Summary: s.Summary,
	}
}

// MessageSentiment is attached to a user message once analysis completes.
type MessageSentiment struct {
	Message    *SentimentResult `json:"message,omitempty"`
	Cumulative *SentimentResult `json:"cumulative,omitempty"`
}
