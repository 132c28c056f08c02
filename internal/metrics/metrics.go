// Package metrics provides Prometheus instrumentation for the prediction engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MarketsCreatedTotal counts committed market creations by variant
	// ("teams" or "api").
	MarketsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_markets_created_total",
		Help: "Total number of markets created",
	}, []string{"variant"})

	// PredictionsTotal counts accepted stakes, partitioned by side.
	PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_predictions_total",
		Help: "Total number of predictions placed",
	}, []string{"side"})

	// StakedLamportsTotal tracks cumulative lamports moved into escrow.
	StakedLamportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_staked_lamports_total",
		Help: "Cumulative lamports staked into market escrows",
	}, []string{"side"})

	// TransitionRejections counts rejected transitions by operation and
	// error code.
	TransitionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_transition_rejections_total",
		Help: "Transitions rejected, by operation and error code",
	}, []string{"operation", "code"})

	// TransitionLatency tracks transition latency, storage commit included.
	TransitionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predicta_transition_latency_seconds",
		Help:    "Transition latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// PublishFailures counts events that committed but could not be published.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_publish_failures_total",
		Help: "Committed events that failed to publish",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predicta_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FixturesImported counts fixture import outcomes ("created", "duplicate", "failed").
	FixturesImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_fixtures_imported_total",
		Help: "Fixtures processed by the importer, by outcome",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predicta_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predicta_http_request_duration_seconds",
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

		// Route pattern keeps addresses out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets the WebSocket upgrader take over connections that pass
// through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
