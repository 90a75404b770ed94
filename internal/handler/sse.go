package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseWriter frames events as server-sent events with increasing ids. Headers
// are written with the first event so earlier failures can still use a
// regular HTTP status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  int64
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Emit writes one event and flushes it.
func (s *sseWriter) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	s.nextID++
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", event, s.nextID, data); err != nil {
		return err
	}
	s.flusher.Flush()

	metrics.SSEEventsTotal.WithLabelValues(event).Inc()
	return nil
}

// Started reports whether any event has been written.
func (s *sseWriter) Started() bool {
	return s.started
}
