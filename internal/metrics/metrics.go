// Package metrics provides Prometheus instrumentation for the round engine.
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
	// WagersTotal counts accepted wagers by side and bettor kind.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_wagers_total",
		Help: "Total number of accepted wagers",
	}, []string{"side", "kind"})

	// WagerRejections counts rejected wagers by reason code.
	WagerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_wager_rejections_total",
		Help: "Wagers rejected, by reason",
	}, []string{"reason"})

	// WagerLatency tracks wager placement latency including the store round-trip.
	WagerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "updown_wager_latency_seconds",
		Help:    "Wager placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RoundsTotal counts round phase transitions by the status entered.
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_rounds_total",
		Help: "Round phase transitions, by status entered",
	}, []string{"status"})

	// RoundPhase exposes the open round's phase (0 waiting .. 4 completed).
	RoundPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_round_phase",
		Help: "Phase of the open round: 0 waiting, 1 betting, 2 playing, 3 settling, 4 completed",
	})

	// SettlementsTotal counts settlement attempts by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_settlements_total",
		Help: "Settlement attempts, by outcome",
	}, []string{"outcome"})

	// SettlementCreditFailures counts payout credits queued for reconciliation.
	SettlementCreditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_settlement_credit_failures_total",
		Help: "Payout credits that failed and were queued for reconciliation",
	})

	// PoolTotal tracks the open round's pool per side.
	PoolTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "updown_pool_total",
		Help: "Open round pool total per side",
	}, []string{"side"})

	// PoolDrift counts rounds whose stored running totals disagreed with their wagers.
	PoolDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_pool_drift_total",
		Help: "Pool snapshots whose stored totals disagreed with the wager list",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_ws_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BusDroppedEvents counts events dropped because a subscriber queue was full.
	BusDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_bus_dropped_events_total",
		Help: "Events dropped for slow subscribers",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
