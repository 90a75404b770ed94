// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "model", "status"},
	)

	// LLMChunksTotal tracks streamed chunks by kind.
	LLMChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_chunks_total",
			Help: "Total streamed LLM chunks",
		},
		[]string{"provider", "kind"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SSEEventsTotal tracks SSE events written by type.
	SSEEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_total",
			Help: "Total SSE events written",
		},
		[]string{"event"},
	)

	// ChatTurnsTotal tracks chat turns by outcome.
	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total chat turns by outcome",
		},
		[]string{"method", "outcome"},
	)

	// SentimentUpdatesTotal tracks cumulative sentiment updates by source.
	SentimentUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_updates_total",
			Help: "Cumulative sentiment updates by source",
		},
		[]string{"source"},
	)

	// CacheOperationsTotal tracks cache operations by result.
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Cache operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// RateLimitDecisionsTotal tracks rate limiter decisions.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit decisions by scope and result",
		},
		[]string{"scope", "result"},
	)

	// BackgroundTasksTotal tracks detached tasks by name and status.
	BackgroundTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_tasks_total",
			Help: "Background tasks by name and status",
		},
		[]string{"task", "status"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(provider, model, status string, duration float64) {
	LLMStreamDuration.WithLabelValues(provider, model, status).Observe(duration)
}

// RecordCacheOp records a cache operation result: hit, miss, ok, error or skipped.
func RecordCacheOp(op, result string) {
	CacheOperationsTotal.WithLabelValues(op, result).Inc()
}

// RecordRateLimit records an admission decision.
func RecordRateLimit(scope string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	RateLimitDecisionsTotal.WithLabelValues(scope, result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
