package model

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreToLabelBoundaries(t *testing.T) {
	assert.Equal(t, LabelNeutral, ScoreToLabel(0.1))
	assert.Equal(t, LabelPositive, ScoreToLabel(0.11))
	assert.Equal(t, LabelNeutral, ScoreToLabel(-0.1))
	assert.Equal(t, LabelNegative, ScoreToLabel(-0.11))
	assert.Equal(t, LabelNeutral, ScoreToLabel(0))
	assert.Equal(t, LabelPositive, ScoreToLabel(1))
	assert.Equal(t, LabelNegative, ScoreToLabel(-1))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 1.0, ClampScore(3))
	assert.Equal(t, -1.0, ClampScore(-1.5))
	assert.Equal(t, 0.25, ClampScore(0.25))
	assert.Equal(t, 0.0, ClampScore(math.NaN()))
}

func TestParseLabel(t *testing.T) {
	l, ok := ParseLabel(" positive ")
	assert.True(t, ok)
	assert.Equal(t, LabelPositive, l)

	_, ok = ParseLabel("ecstatic")
	assert.False(t, ok)
}

func TestPayloadRoundsScore(t *testing.T) {
	p := SentimentResult{Score: 0.123456, Label: LabelPositive, Emotion: "joy"}.Payload()
	assert.Equal(t, 0.1235, p.Score)
	assert.Equal(t, "joy", p.Emotion)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Hello there", DeriveTitle("  Hello there  "))

	long := "This message is definitely longer than fifty characters in total length"
	title := DeriveTitle(long)
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len([]rune(strings.TrimSuffix(title, "..."))), TitleMaxLength)
	assert.Equal(t, "This message is definitely longer than fifty...", title)

	noSpaces := strings.Repeat("x", 60)
	assert.Equal(t, strings.Repeat("x", 50)+"...", DeriveTitle(noSpaces))
}

func TestConversationStateDefaults(t *testing.T) {
	c := &Conversation{}
	state := c.State()
	assert.Equal(t, 0, state.Count)
	assert.Equal(t, LabelNeutral, state.Label)
}
