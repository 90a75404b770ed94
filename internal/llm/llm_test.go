package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// fakeStreamer replays fixed deltas through the shared stream pipeline.
type fakeStreamer struct {
	deltas     []string
	stopReason string
	err        error
	lastReq    *Request
}

func (f *fakeStreamer) streamText(ctx context.Context, req *Request, onDelta func(string) error) (string, error) {
	f.lastReq = req
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return "", err
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.stopReason, nil
}

func collect(t *testing.T, run func(ChunkHandler) error) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	err := run(func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

func joined(chunks []Chunk, thought bool) string {
	var b strings.Builder
	for _, c := range chunks {
		if !c.IsFinal && c.IsThought == thought {
			b.WriteString(c.Content)
		}
	}
	return b.String()
}

func TestThinkSplitterAcrossDeltas(t *testing.T) {
	s := &thinkSplitter{}
	var chunks []Chunk
	for _, d := range []string{"Hi <th", "ink>pondering", " more</thi", "nk> there", " <"} {
		chunks = append(chunks, s.Feed(d)...)
	}
	chunks = append(chunks, s.Flush()...)

	assert.Equal(t, "Hi  there <", joined(chunks, false))
	assert.Equal(t, "pondering more", joined(chunks, true))
}

func TestThinkSplitterPlainText(t *testing.T) {
	s := &thinkSplitter{}
	chunks := s.Feed("no tags here")
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].IsThought)
	assert.Empty(t, s.Flush())
}

func TestGenerateStreamEmitsSingleFinalChunk(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"<think>plan</think>", "Hello", " world"}, stopReason: "end_turn"}

	chunks, err := collect(t, func(fn ChunkHandler) error {
		return generateStream(context.Background(), f, &Request{}, fn)
	})
	require.NoError(t, err)

	finals := 0
	for _, c := range chunks {
		if c.IsFinal {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
	last := chunks[len(chunks)-1]
	assert.True(t, last.IsFinal)
	assert.Equal(t, "stop", last.FinishReason)
	assert.Equal(t, "Hello world", joined(chunks, false))
	assert.Equal(t, "plan", joined(chunks, true))
}

func TestGenerateStreamPropagatesProviderError(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"partial"}, err: errors.New("upstream 500: secret body")}

	chunks, err := collect(t, func(fn ChunkHandler) error {
		return generateStream(context.Background(), f, &Request{}, fn)
	})
	require.Error(t, err)
	for _, c := range chunks {
		assert.False(t, c.IsFinal)
	}
}

func TestGenerateStructuredStream(t *testing.T) {
	f := &fakeStreamer{deltas: []string{
		`{"respo`, `nse": "Glad `, `to hear \"that`, `\"!", "sentiment_score": 0.8,`,
		` "sentiment_label": "Positive", "sentiment_emotion": "thrilled"}`,
	}}

	req := &Request{Messages: []ChatMessage{{Role: "user", Content: "I'm thrilled!"}}}
	chunks, err := collect(t, func(fn ChunkHandler) error {
		return generateStructuredStream(context.Background(), f, req, fn)
	})
	require.NoError(t, err)

	assert.Equal(t, `Glad to hear "that"!`, joined(chunks, false))
	last := chunks[len(chunks)-1]
	require.True(t, last.IsFinal)
	require.NotNil(t, last.Sentiment)
	assert.Equal(t, 0.8, last.Sentiment.Score)
	assert.Equal(t, "Positive", last.Sentiment.Label)
	assert.Equal(t, "thrilled", last.Sentiment.Emotion)

	assert.True(t, f.lastReq.JSONMode)
	assert.Contains(t, f.lastReq.SystemPrompt, "I'm thrilled!")
}

func TestGenerateStructuredStreamUnparseable(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"not json at all"}}

	chunks, err := collect(t, func(fn ChunkHandler) error {
		return generateStructuredStream(context.Background(), f, &Request{}, fn)
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Neutral", chunks[0].Sentiment.Label)
	assert.Equal(t, 0.0, chunks[0].Sentiment.Score)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence(` {"a":1} `))
}

func TestPartialResponseFieldWaitsOnIncompleteEscape(t *testing.T) {
	_, ok := partialResponseField(`{"response": "caf\u00`)
	assert.False(t, ok)

	got, ok := partialResponseField(`{"response": "café ok`)
	require.True(t, ok)
	assert.Equal(t, "café ok", got)
}

func TestPartialResponseFieldHoldsBackHighSurrogate(t *testing.T) {
	got, ok := partialResponseField(`{"response": "hi \ud83d`)
	require.True(t, ok)
	assert.Equal(t, "hi ", got)

	got, ok = partialResponseField(`{"response": "hi \ud83d\ude00`)
	require.True(t, ok)
	assert.Equal(t, "hi 😀", got)
}

func TestResponseExtractorSurrogatePairAcrossDeltas(t *testing.T) {
	var e responseExtractor
	var streamed strings.Builder

	streamed.WriteString(e.Feed(`{"response": "hi \ud83d`))
	streamed.WriteString(e.Feed(`\ude00 there and more text", "sentiment_score": 0.5}`))

	rest, response, sentiment := e.Finish()
	streamed.WriteString(rest)

	assert.Equal(t, "hi 😀 there and more text", streamed.String())
	assert.Equal(t, "hi 😀 there and more text", response)
	assert.Empty(t, rest)
	assert.Equal(t, 0.5, sentiment.Score)
	assert.NotContains(t, streamed.String(), "\uFFFD")
}

func TestResponseExtractorFinishResyncsDivergedText(t *testing.T) {
	e := responseExtractor{emitted: "hello w\uFFFD"}
	e.full.WriteString(`{"response": "hello world"}`)

	rest, response, _ := e.Finish()
	assert.Equal(t, "orld", rest)
	assert.Equal(t, "hello world", response)
}

func TestCommonPrefix(t *testing.T) {
	assert.Equal(t, 0, commonPrefix("abc", "xyz"))
	assert.Equal(t, 3, commonPrefix("abc", "abc"))
	assert.Equal(t, 2, commonPrefix("abc", "ab"))
	// A shared lead byte of a multi-byte rune is not a boundary.
	assert.Equal(t, 1, commonPrefix("a\u00e9", "a\u00e8"))
}

func TestGenerateStructuredStreamFinalCarriesResponse(t *testing.T) {
	f := &fakeStreamer{deltas: []string{`{"response": "ok \ud83d`, `\ude00", "sentiment_score": 0.1}`}}

	chunks, err := collect(t, func(fn ChunkHandler) error {
		return generateStructuredStream(context.Background(), f, &Request{}, fn)
	})
	require.NoError(t, err)

	last := chunks[len(chunks)-1]
	require.True(t, last.IsFinal)
	assert.Equal(t, "ok 😀", last.Response)
	assert.Equal(t, "ok 😀", joined(chunks, false))
}

type stubAdapter struct {
	name string
}

func (s stubAdapter) Name() string                       { return s.name }
func (s stubAdapter) SupportsIncrementalSentiment() bool { return false }
func (s stubAdapter) Models() []model.ModelInfo {
	return []model.ModelInfo{{ID: s.name + "-1", Provider: s.name}}
}
func (s stubAdapter) Complete(context.Context, *Request) (*Response, error) { return &Response{}, nil }
func (s stubAdapter) GenerateStream(context.Context, *Request, ChunkHandler) error {
	return nil
}
func (s stubAdapter) GenerateStructuredStream(context.Context, *Request, ChunkHandler) error {
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{name: ProviderOpenAI}, nil)

	a, err := r.Get(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, a.Name())

	_, err = r.Get(ProviderAnthropic)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = r.Get("gemini-ultra")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Equal(t, []string{ProviderOpenAI}, r.Providers())
	assert.Len(t, r.Models(), 1)
}

func TestNewAdaptersRequireKeys(t *testing.T) {
	_, err := NewOpenAIAdapter("")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewAnthropicAdapter("")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
