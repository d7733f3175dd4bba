// Package observability exposes Prometheus metrics and tracing for the
// chat engine.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmd_exchanges_total",
			Help: "Total number of backend exchanges",
		},
		[]string{"backend", "status"},
	)

	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmd_exchange_duration_seconds",
			Help:    "Backend exchange duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	chunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmd_chunks_total",
			Help: "Total number of streamed chunks delivered",
		},
		[]string{"backend"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmd_tokens_total",
			Help: "Total number of tokens reported by backends",
		},
		[]string{"backend", "kind"},
	)

	openSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmd_open_sessions",
			Help: "Number of open sessions",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			exchangesTotal,
			exchangeDuration,
			chunksTotal,
			tokensTotal,
			openSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordExchange records one completed backend exchange.
func RecordExchange(backend, status string, duration time.Duration) {
	exchangesTotal.WithLabelValues(backend, status).Inc()
	exchangeDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordChunk records one delivered stream chunk.
func RecordChunk(backend string) {
	chunksTotal.WithLabelValues(backend).Inc()
}

// RecordTokens records backend token accounting.
func RecordTokens(backend string, prompt, completion int) {
	tokensTotal.WithLabelValues(backend, "prompt").Add(float64(prompt))
	tokensTotal.WithLabelValues(backend, "completion").Add(float64(completion))
}

// SessionOpened increments the open-session gauge.
func SessionOpened() {
	openSessions.Inc()
}

// SessionClosed decrements the open-session gauge.
func SessionClosed() {
	openSessions.Dec()
}
