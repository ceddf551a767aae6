// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the conversation state service.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arborchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arborchat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Actor metrics
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arborchat_conversation_mutations_total",
			Help: "Total number of conversation state mutations",
		},
		[]string{"op", "status"},
	)

	retrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arborchat_retrieval_duration_seconds",
			Help:    "Similarity query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	retrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arborchat_retrieval_results",
			Help:    "Number of primary-tier results per similarity query",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
	)

	activeActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arborchat_active_actors",
			Help: "Number of warm conversation actors",
		},
	)

	// Quota metrics
	quotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arborchat_quota_decisions_total",
			Help: "Total number of quota ledger decisions",
		},
		[]string{"op", "status"},
	)

	// Embedding metrics
	embeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arborchat_embedding_requests_total",
			Help: "Total number of embedding provider requests",
		},
		[]string{"provider", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call repeatedly.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			mutationsTotal,
			retrievalDuration,
			retrievalResults,
			activeActors,
			quotaDecisionsTotal,
			embeddingRequestsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMutation records one actor mutation outcome.
func RecordMutation(op, status string) {
	mutationsTotal.WithLabelValues(op, status).Inc()
}

// ObserveRetrieval records one similarity query.
func ObserveRetrieval(duration time.Duration, primaryResults int) {
	retrievalDuration.Observe(duration.Seconds())
	retrievalResults.Observe(float64(primaryResults))
}

// SetActiveActors sets the warm actor gauge.
func SetActiveActors(n int) {
	activeActors.Set(float64(n))
}

// RecordQuotaDecision records one quota ledger decision.
func RecordQuotaDecision(op, status string) {
	quotaDecisionsTotal.WithLabelValues(op, status).Inc()
}

// RecordEmbeddingRequest records one embedding provider call.
func RecordEmbeddingRequest(provider, status string) {
	embeddingRequestsTotal.WithLabelValues(provider, status).Inc()
}
