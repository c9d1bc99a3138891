package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders acknowledged by the exchange, by side.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helix_orders_submitted_total",
		Help: "Total number of orders acknowledged by the exchange",
	},
	[]string{"side"},
)

// OrdersRejected counts terminal exchange-side rejections.
var OrdersRejected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "helix_orders_rejected_total",
		Help: "Total number of orders rejected by the exchange",
	},
)

// SubmissionLatency records latency for the full submit path, durable
// intent through confirmed echo check.
var SubmissionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "helix_order_submission_latency_seconds",
		Help:    "Latency in seconds from durable intent to confirmed submission",
		Buckets: prometheus.DefBuckets,
	},
)

// SignalsRejected counts risk gate rejections by reason.
var SignalsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helix_signals_rejected_total",
		Help: "Total number of trade signals rejected by the risk gate",
	},
	[]string{"reason"},
)

// StopsInstalled counts protective stop install attempts, by outcome.
var StopsInstalled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helix_stops_installed_total",
		Help: "Total number of protective stop install attempts by outcome",
	},
	[]string{"outcome"},
)

// Reconciliation health and repair metrics
var (
	ReconciliationLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helix_reconciliation_lag_seconds",
			Help: "Wall-clock seconds since the last completed reconciliation cycle",
		},
	)

	DriftRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_drift_repairs_total",
			Help: "Total number of drift repairs, by kind",
		},
		[]string{"kind"},
	)

	UnrecoverableDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_unrecoverable_drift_total",
			Help: "Total number of discrepancies escalated after repair attempts were exhausted",
		},
	)
)

// BreakerTriggered exposes each circuit breaker's sticky state (1=triggered).
var BreakerTriggered = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "helix_circuit_breaker_triggered",
		Help: "Whether a circuit breaker is currently triggered (1) or clear (0)",
	},
	[]string{"breaker"},
)

// AlertsEmitted counts alerts published on the alerts.* streams by severity.
var AlertsEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helix_alerts_emitted_total",
		Help: "Total number of alerts emitted, by severity",
	},
	[]string{"severity"},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, SubmissionLatency)
	prometheus.MustRegister(SignalsRejected, StopsInstalled)
	prometheus.MustRegister(ReconciliationLag, DriftRepairs, UnrecoverableDrift)
	prometheus.MustRegister(BreakerTriggered, AlertsEmitted)
}
