// Package metrics provides Prometheus instrumentation for the impact engine.
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
	// ListingsCreated counts listings created, partitioned by asset kind.
	ListingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impact_listings_created_total",
		Help: "Total number of listings created",
	}, []string{"kind"})

	// Purchases counts settled purchases, partitioned by settlement path.
	Purchases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impact_purchases_total",
		Help: "Total number of settled purchases",
	}, []string{"path"}) // "direct", "batch", "offer"

	// PurchaseVolume accumulates settled purchase totals in smallest units.
	PurchaseVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impact_purchase_volume_total",
		Help: "Cumulative settled purchase volume in smallest currency units",
	})

	// SettlementRollbacks counts purchases reverted by a failed custody or
	// payment step.
	SettlementRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impact_settlement_rollbacks_total",
		Help: "Settlements aborted and compensated after a partial failure",
	})

	// ActiveListings tracks the number of currently active listings.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "impact_active_listings",
		Help: "Number of currently active listings",
	})

	// Stakes counts stake records created.
	Stakes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impact_stakes_total",
		Help: "Total number of stakes created",
	})

	// StakedAssets tracks the number of assets currently in the pool.
	StakedAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "impact_staked_assets",
		Help: "Number of asset units currently staked",
	})

	// RewardsClaimed accumulates minted reward tokens.
	RewardsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impact_rewards_claimed_total",
		Help: "Cumulative reward tokens paid out",
	})

	// WebSocketClients tracks connected event subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "impact_websocket_clients",
		Help: "Number of connected WebSocket subscribers",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impact_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "impact_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low.
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
