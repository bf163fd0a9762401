// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesTotal counts routing batches by final phase (committed/aborted).
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_batches_total",
		Help: "Total routing batches executed",
	}, []string{"result"})

	// BatchLatency tracks end-to-end batch execution latency.
	BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vault_batch_latency_seconds",
		Help:    "Routing batch execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LimitRejections counts batches aborted by the concentration guard.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_limit_rejections_total",
		Help: "Batches rejected by the concentration guard",
	})

	// ValuationErrors counts balance-fuse failures during valuation.
	ValuationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_valuation_errors_total",
		Help: "Balance fuse failures during valuation",
	})

	// CascadeEntries counts instant-withdrawal cascade entry attempts by
	// outcome (filled, partial, empty, skipped).
	CascadeEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_cascade_entries_total",
		Help: "Instant withdrawal cascade entry attempts",
	}, []string{"outcome"})

	// TotalAssets tracks the last computed net worth (informational read).
	TotalAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_total_assets",
		Help: "Last computed total assets in the accounting unit",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small and fixed.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
