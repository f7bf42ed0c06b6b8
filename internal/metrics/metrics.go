// Package metrics exposes Prometheus counters for the persistence layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SavesTotal counts adapter save operations by backend and outcome.
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_saves_total",
			Help: "Total number of save operations",
		},
		[]string{"backend", "status"},
	)

	// DeadlockRetriesTotal counts save retries triggered by lock contention.
	DeadlockRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_deadlock_retries_total",
			Help: "Total number of deadlock-triggered save retries",
		},
		[]string{"backend"},
	)

	// AuditMovesTotal counts rows archived into audit tables.
	AuditMovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_audit_moves_total",
			Help: "Total number of rows copied into audit tables",
		},
		[]string{"backend"},
	)

	// DroppedFieldsTotal counts extra fields dropped for lack of an
	// overflow column.
	DroppedFieldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_dropped_fields_total",
			Help: "Total number of extra fields dropped on save",
		},
		[]string{"backend", "table"},
	)

	// IgnoredHintsTotal counts advisory index hints the backend could not
	// honor.
	IgnoredHintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_ignored_hints_total",
			Help: "Total number of ignored count-query hints",
		},
		[]string{"backend"},
	)
)
