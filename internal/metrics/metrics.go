// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// PaymentsTotal counts settlement payments recorded, partitioned by the
	// side of the locked PnL ("loss" or "profit").
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_payments_total",
		Help: "Total number of settlement payments recorded",
	}, []string{"side"})

	// PaymentLatency tracks end-to-end payment application latency.
	PaymentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_payment_latency_seconds",
		Help:    "Payment application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SettledVolume tracks cumulative settled share units by side.
	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_settled_volume_total",
		Help: "Cumulative settled amount in share units",
	}, []string{"side"})

	// CycleLocksTotal counts settlement cycles locked.
	CycleLocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_cycle_locks_total",
		Help: "Settlement cycle locks established",
	})

	// CycleResetsTotal counts cycle resets by trigger.
	CycleResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_cycle_resets_total",
		Help: "Settlement cycle resets",
	}, []string{"reason"})

	// PaymentRejections counts payments rejected by validation.
	PaymentRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_payment_rejections_total",
		Help: "Payments rejected by validation",
	})

	// ActiveLedgers tracks the number of account ledgers.
	ActiveLedgers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_active_ledgers",
		Help: "Number of account ledgers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Side maps a PnL sign to the metric label for the payment counters.
func Side(pnl int64) string {
	if pnl < 0 {
		return "loss"
	}
	return "profit"
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

		// Use the route pattern for path label to avoid high cardinality.
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
