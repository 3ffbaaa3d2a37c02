// Package metrics exposes Prometheus instruments for live table migration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RowsMigratedTotal tracks rows moved from a source into its target table.
var RowsMigratedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wcdb_migration_rows_migrated_total",
		Help: "Total rows moved by the stepper",
	},
	[]string{"table"},
)

// StepsTotal tracks step outcomes.
var StepsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wcdb_migration_steps_total",
		Help: "Total migration steps by result",
	},
	[]string{"result"},
)

// SourceTablesDroppedTotal tracks source tables dropped after migration.
var SourceTablesDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "wcdb_migration_source_tables_dropped_total",
		Help: "Total source tables dropped",
	},
)

// IdentityConflictsTotal tracks inserts rolled back by an identity conflict.
var IdentityConflictsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wcdb_migration_identity_conflicts_total",
		Help: "Total inserts rolled back on row identity conflicts",
	},
	[]string{"table"},
)

// BatchDuration tracks the time a batch held the write transaction.
var BatchDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "wcdb_migration_batch_duration_seconds",
		Help:    "Time spent moving rows in one batch",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	},
)

// BatchBudget tracks the adaptive budget of the last batch.
var BatchBudget = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "wcdb_migration_batch_budget_seconds",
		Help: "Time budget granted to the last batch",
	},
)

// Tables tracks tables per migration state.
var Tables = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "wcdb_migration_tables",
		Help: "Tables per migration state",
	},
	[]string{"state"},
)
