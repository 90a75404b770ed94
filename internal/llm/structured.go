package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

func structuredSystemPrompt(lastUserMessage, base string) string {
	prompt := fmt.Sprintf(`You are a helpful AI assistant.

You have TWO tasks:
1. Write a clear, helpful response to the user's message
2. Analyze the sentiment of the USER'S message (not your response)

The user's message to analyze: %q

Return ONLY valid JSON in this exact format:
{"response": "your helpful response here", "sentiment_score": 0.4, "sentiment_label": "Positive", "sentiment_emotion": "curious"}

Sentiment fields describe the USER's emotion:
- sentiment_score: float from -1.0 (very negative) to 1.0 (very positive)
- sentiment_label: exactly one of "Positive", "Negative", "Neutral"
- sentiment_emotion: 1-5 word description of the user's emotion`, lastUserMessage)

	if base != "" {
		return base + "\n\n" + prompt
	}
	return prompt
}

// StripCodeFence removes a surrounding ``` fence and an optional json tag.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// responseExtractor incrementally surfaces the "response" string field of a
// JSON object that is still being streamed.
type responseExtractor struct {
	full    strings.Builder
	emitted string
}

// Feed appends a delta and returns response text not yet emitted.
func (e *responseExtractor) Feed(delta string) string {
	e.full.WriteString(delta)

	decoded, ok := partialResponseField(e.full.String())
	if !ok || len(decoded) <= len(e.emitted) || !strings.HasPrefix(decoded, e.emitted) {
		return ""
	}
	out := decoded[len(e.emitted):]
	e.emitted = decoded
	return out
}

// Finish parses the complete object. It returns response text that the
// incremental pass missed, the complete response (empty when unparseable) and
// the sentiment, neutral when unparseable. When the streamed text diverged
// from the parsed response, rest continues from the last common rune.
func (e *responseExtractor) Finish() (rest, response string, sentiment StructuredSentiment) {
	sentiment = StructuredSentiment{Score: 0, Label: "Neutral", Emotion: "neutral"}

	var payload struct {
		Response         string   `json:"response"`
		SentimentScore   *float64 `json:"sentiment_score"`
		SentimentLabel   string   `json:"sentiment_label"`
		SentimentEmotion string   `json:"sentiment_emotion"`
	}
	if err := json.Unmarshal([]byte(StripCodeFence(e.full.String())), &payload); err != nil {
		return "", "", sentiment
	}

	if payload.SentimentScore != nil {
		sentiment.Score = *payload.SentimentScore
	}
	if payload.SentimentLabel != "" {
		sentiment.Label = payload.SentimentLabel
	}
	if payload.SentimentEmotion != "" {
		sentiment.Emotion = payload.SentimentEmotion
	}

	common := commonPrefix(payload.Response, e.emitted)
	rest = payload.Response[common:]
	e.emitted = payload.Response
	return rest, payload.Response, sentiment
}

// commonPrefix returns the byte length of the longest shared prefix of a and
// b that ends on a rune boundary.
func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) {
		r, size := utf8.DecodeRuneInString(a[n:])
		if (r == utf8.RuneError && size <= 1) || !strings.HasPrefix(b[n:], a[n:n+size]) {
			break
		}
		n += size
	}
	return n
}

// partialResponseField decodes the (possibly unterminated) value of the
// "response" key found so far.
func partialResponseField(full string) (string, bool) {
	key := strings.Index(full, `"response"`)
	if key < 0 {
		return "", false
	}
	rest := full[key+len(`"response"`):]

	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = rest[colon+1:]

	quote := strings.IndexByte(rest, '"')
	if quote < 0 || strings.TrimSpace(rest[:quote]) != "" {
		return "", false
	}
	rest = rest[quote+1:]

	var raw strings.Builder
	closed := false
	lastEscape := -1
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '\\' {
			if i+1 >= len(rest) {
				break
			}
			lastEscape = raw.Len()
			raw.WriteByte(c)
			raw.WriteByte(rest[i+1])
			i++
			continue
		}
		if c == '"' {
			closed = true
			break
		}
		raw.WriteByte(c)
	}

	encoded := raw.String()
	if !closed && lastEscape >= 0 && isHighSurrogateEscape(encoded[lastEscape:]) {
		// The low half of the pair has not arrived yet.
		encoded = encoded[:lastEscape]
	}

	var decoded string
	if err := json.Unmarshal([]byte(`"`+encoded+`"`), &decoded); err != nil {
		// A \u escape may still be incomplete; wait for more input.
		return "", false
	}
	return decoded, true
}

// isHighSurrogateEscape reports whether s is exactly a \uD800-\uDBFF escape.
func isHighSurrogateEscape(s string) bool {
	if len(s) != 6 || s[1] != 'u' {
		return false
	}
	v, err := strconv.ParseUint(s[2:], 16, 16)
	if err != nil {
		return false
	}
	return v >= 0xD800 && v <= 0xDBFF
}
