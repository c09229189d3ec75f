// Package metrics provides Prometheus metrics for accounts-engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	// OperationsTotal tracks core operations by name and outcome
	// (success or the apperrors kind).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounts",
			Subsystem: "core",
			Name:      "operations_total",
			Help:      "Total number of core operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration tracks core operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accounts",
			Subsystem: "core",
			Name:      "operation_duration_seconds",
			Help:      "Duration of core operations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	// UnitOfWorkRetries tracks transactions restarted after a serialization
	// failure or deadlock.
	UnitOfWorkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounts",
			Subsystem: "unit_of_work",
			Name:      "retries_total",
			Help:      "Total number of transaction retries after transient database errors",
		},
		[]string{"operation"},
	)

	// ChangeLogEntriesTotal tracks committed ledger entries.
	ChangeLogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounts",
			Subsystem: "change_log",
			Name:      "entries_total",
			Help:      "Total number of committed change log entries by action type",
		},
		[]string{"action_type"},
	)

	// MergeChildrenTotal tracks children handled by executed merges.
	MergeChildrenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounts",
			Subsystem: "merge",
			Name:      "children_total",
			Help:      "Total number of children moved or folded by merges",
		},
		[]string{"kind", "action"},
	)

	// ChangeFeedPublished tracks change feed publications.
	ChangeFeedPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounts",
			Subsystem: "change_feed",
			Name:      "messages_published_total",
			Help:      "Total number of change log entries published to the change feed",
		},
		[]string{"topic", "status"},
	)

	// PlanCacheOperations tracks plan cache reads and writes.
	PlanCacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounts",
			Subsystem: "plan_cache",
			Name:      "operations_total",
			Help:      "Total number of plan cache operations by result",
		},
		[]string{"operation", "result"},
	)
)

// RecordOperation records a finished core operation.
func RecordOperation(operation, outcome string, durationSeconds float64) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordMergeChildren adds moved and folded child counts for one kind.
func RecordMergeChildren(kind string, moved, folded int) {
	if moved > 0 {
		MergeChildrenTotal.WithLabelValues(kind, "moved").Add(float64(moved))
	}
	if folded > 0 {
		MergeChildrenTotal.WithLabelValues(kind, "folded").Add(float64(folded))
	}
}
