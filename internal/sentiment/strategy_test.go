package sentiment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

func TestSeparateStrategyParsesResponse(t *testing.T) {
	adapter := &fakeAdapter{content: `{"score": -0.7, "label": "Negative", "emotion": "frustrated"}`}
	s := NewSeparateStrategy(adapter, "fake-1")

	result, err := s.Analyze(context.Background(), "This keeps breaking")
	require.NoError(t, err)

	assert.Equal(t, -0.7, result.Score)
	assert.Equal(t, model.LabelNegative, result.Label)
	assert.Equal(t, "frustrated", result.Emotion)
	assert.Equal(t, MethodSeparate, result.Source)
	assert.True(t, adapter.lastReq.JSONMode)
	assert.Equal(t, "fake-1", adapter.lastReq.Model)
}

func TestSeparateStrategyUnparseableIsNeutral(t *testing.T) {
	s := NewSeparateStrategy(&fakeAdapter{content: "I think it's positive"}, "fake-1")

	result, err := s.Analyze(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.Score)
	assert.Equal(t, model.LabelNeutral, result.Label)
	assert.Equal(t, MethodSeparate, result.Source)
	assert.NotEmpty(t, result.Details["error"])
}

func TestSeparateStrategyInvalidLabelUsesScore(t *testing.T) {
	result := parseSeparateResponse(`{"score": 3, "label": "ecstatic"}`, "fake", "m")

	assert.Equal(t, 1.0, result.Score)
	assert.Equal(t, model.LabelPositive, result.Label)
	assert.Equal(t, "neutral", result.Emotion)
}

func TestSeparateStrategyProviderError(t *testing.T) {
	s := NewSeparateStrategy(&fakeAdapter{err: errors.New("boom")}, "fake-1")

	_, err := s.Analyze(context.Background(), "hello")
	assert.Error(t, err)
}

func TestNLPStrategyWithoutClientIsNeutral(t *testing.T) {
	var s *NLPStrategy

	result, err := s.Analyze(context.Background(), "wonderful")
	require.NoError(t, err)
	assert.Equal(t, model.LabelNeutral, result.Label)
	assert.Equal(t, MethodNLP, result.Source)
	assert.NoError(t, s.Close())
}

func TestServiceDispatch(t *testing.T) {
	svc := NewService(nil)

	assert.Equal(t, []string{MethodNLP, MethodSeparate, MethodStructured}, svc.Methods())
	assert.True(t, svc.IsMethod(MethodStructured))
	assert.False(t, svc.IsMethod("vibes"))

	_, err := svc.Analyze(context.Background(), "vibes", "x", nil, "")
	assert.ErrorIs(t, err, ErrUnknownMethod)

	result, err := svc.Analyze(context.Background(), MethodSeparate, "x",
		&fakeAdapter{content: `{"score": 0.4, "label": "Positive", "emotion": "content"}`}, "m")
	require.NoError(t, err)
	assert.Equal(t, 0.4, result.Score)

	result, err = svc.Analyze(context.Background(), MethodStructured, "x", nil, "")
	require.NoError(t, err)
	assert.Equal(t, MethodNLP, result.Source)
}
