// Package metrics provides Prometheus instrumentation for the flip engine.
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
	// BetsPlaced counts accepted bets, partitioned by chosen side.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_bets_placed_total",
		Help: "Total number of bets placed",
	}, []string{"side"})

	// Reveals counts completed reveals by outcome ("win" or "loss").
	Reveals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_reveals_total",
		Help: "Total number of bets revealed",
	}, []string{"outcome"})

	// ExpiredBets counts bets forfeited by a late reveal.
	ExpiredBets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flip_bets_expired_total",
		Help: "Bets forfeited because the reveal window elapsed",
	})

	// PayoutUnits accumulates the payout split in smallest token units,
	// partitioned by component ("net", "house_fee", "burn").
	PayoutUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_payout_units_total",
		Help: "Cumulative payout amounts in smallest token units",
	}, []string{"component"})

	// Rejections counts requests refused by policy, by reason code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_rejections_total",
		Help: "Requests rejected by wagering policy",
	}, []string{"reason"})

	// Withdrawals counts withdrawal requests by result.
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_withdrawals_total",
		Help: "Withdrawal requests by result",
	}, []string{"result"})

	// DispatchFailures counts payout jobs that could not be queued.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flip_payout_dispatch_failures_total",
		Help: "Payout jobs that failed to dispatch and await the fallback sweep",
	})

	// RevealLatency tracks the time spent in the reveal path.
	RevealLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flip_reveal_latency_seconds",
		Help:    "Reveal latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flip_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flip_http_request_duration_seconds",
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

		// Label by route pattern to keep cardinality bounded.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
