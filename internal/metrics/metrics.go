// Package metrics provides Prometheus instrumentation for the simulator engine.
package metrics

import (
	"bufio"
	"errors"
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
	// SessionsStarted counts simulations started.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_sessions_started_total",
		Help: "Total number of simulations started",
	})

	// SessionsFinished counts simulations finished, partitioned by archetype.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_sessions_finished_total",
		Help: "Total number of simulations finished",
	}, []string{"archetype"})

	// ActiveSessions tracks sessions held by the session store.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_sessions",
		Help: "Number of sessions currently held in memory",
	})

	// SessionsEvicted counts idle sessions removed by the sweeper.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_sessions_evicted_total",
		Help: "Idle sessions removed by the TTL sweep",
	})

	// RebalancesTotal counts executed rebalances by allocation mode.
	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_rebalances_total",
		Help: "Total number of rebalances executed",
	}, []string{"mode"})

	// RebalanceTurnover observes per-rebalance turnover.
	RebalanceTurnover = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_rebalance_turnover",
		Help:    "Turnover of executed rebalances",
		Buckets: []float64{0, 0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1.0},
	})

	// TradesTotal counts discrete trades, partitioned by outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trades_total",
		Help: "Total number of discrete trades",
	}, []string{"outcome"})

	// EngineLatency tracks engine operation latency by operation.
	EngineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_engine_operation_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// ProviderRequests counts market-data requests by endpoint and result.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_provider_requests_total",
		Help: "Market data provider requests",
	}, []string{"endpoint", "result"})

	// ProviderLatency tracks market-data request duration by endpoint.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_provider_request_duration_seconds",
		Help:    "Market data provider request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	// HistoryCacheLookups counts history cache lookups by layer and result.
	HistoryCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_history_cache_lookups_total",
		Help: "History cache lookups",
	}, []string{"layer", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
	}, []string{"method", "path"})
)

// ObserveEngine records the latency of an engine operation started at start.
func ObserveEngine(operation string, start time.Time) {
	EngineLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

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

		// Route pattern keeps session ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
