// Package metrics provides Prometheus metrics for the reconciliation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mapatur/reconcile/internal/model"
)

var (
	// PromotionsTotal counts promotions by outcome.
	PromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "promotions_total",
			Help:      "Total number of promotions by outcome",
		},
		[]string{"outcome"},
	)

	// MergesTotal counts merges by outcome.
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "merges_total",
			Help:      "Total number of unit merges by outcome",
		},
		[]string{"outcome"},
	)

	// AuditEntriesTotal counts committed audit entries by table.
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "audit_entries_total",
			Help:      "Total number of audit entries written by table",
		},
		[]string{"table"},
	)

	// TxDuration tracks how long each pipeline transaction took.
	TxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reconcile",
			Name:      "tx_duration_seconds",
			Help:      "Duration of pipeline transactions in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// ObservePromotion records one promotion outcome.
func ObservePromotion(outcome model.Outcome) {
	PromotionsTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveMerge records one merge outcome.
func ObserveMerge(outcome model.Outcome) {
	MergesTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveAudit counts committed entries per table.
func ObserveAudit(entries []model.AuditEntry) {
	for _, e := range entries {
		AuditEntriesTotal.WithLabelValues(e.Table).Inc()
	}
}

// ObserveTx records the duration of a transaction that started at start.
func ObserveTx(operation string, start time.Time) {
	TxDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
