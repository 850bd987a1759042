// Package metrics holds the Prometheus collectors exported by streamflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamflow"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome code.",
		},
		[]string{"operation", "result"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations including custody calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "active_streams",
			Help:      "Number of streams currently accruing.",
		},
	)

	withdrawnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "withdrawn_total",
			Help:      "Base units paid out to receivers (float approximation).",
		},
		[]string{"token"},
	)

	keeperSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "sweeps_total",
			Help:      "Liquidation sweeps by outcome.",
		},
		[]string{"success"},
	)

	keeperLiquidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "liquidations_total",
			Help:      "Streams liquidated by the keeper.",
		},
	)

	keeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of liquidation sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerOperations,
		ledgerDuration,
		activeStreams,
		withdrawnTotal,
		keeperSweeps,
		keeperLiquidations,
		keeperDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks the start of an HTTP request.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight marks the end of an HTTP request.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLedgerOperation records a ledger operation and its outcome code.
func RecordLedgerOperation(operation, result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Microsecond
	}
	ledgerOperations.WithLabelValues(operation, result).Inc()
	ledgerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveStreams publishes the active stream counter.
func SetActiveStreams(n uint64) { activeStreams.Set(float64(n)) }

// AddWithdrawn adds a payout to the per-token counter.
func AddWithdrawn(token string, units float64) {
	if units <= 0 {
		return
	}
	withdrawnTotal.WithLabelValues(token).Add(units)
}

// RecordKeeperSweep records one liquidation sweep.
func RecordKeeperSweep(duration time.Duration, liquidated int, success bool) {
	result := "false"
	if success {
		result = "true"
	}
	keeperSweeps.WithLabelValues(result).Inc()
	keeperLiquidations.Add(float64(liquidated))
	keeperDuration.Observe(duration.Seconds())
}
