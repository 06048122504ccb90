// Package metrics holds the Prometheus collectors of the loyalty ledger.
// Collectors are package-level so domain code can record without wiring;
// cmd/* registers them on the registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loyalty"

var (
	LedgerOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger mutations by operation and result.",
	}, []string{"operation", "result"})

	PointsMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "points_total",
		Help:      "Absolute points moved by committed journal entries, by entry type.",
	}, []string{"type"})

	AntifraudBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "antifraud",
		Name:      "breaches_total",
		Help:      "Antifraud rule breaches by scope and rule.",
	}, []string{"scope", "rule"})

	OutboxAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "appended_total",
		Help:      "Outbox events committed, by event type.",
	}, []string{"event_type"})

	OutboxDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Dispatcher outcomes: sent, failed, dead.",
	}, []string{"result"})

	NonFatalErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nonfatal_errors_total",
		Help:      "Ancillary failures that were logged and not propagated.",
	}, []string{"component"})

	TxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "tx_retries_total",
		Help:      "Transactions re-run after a serialization failure or deadlock.",
	})
)

// MustRegister registers every collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		LedgerOperations,
		PointsMoved,
		AntifraudBreaches,
		OutboxAppended,
		OutboxDeliveries,
		NonFatalErrors,
		TxRetries,
	)
}
