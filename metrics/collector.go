package metrics

import "time"

// Step results as recorded in StepsTotal.
const (
	ResultDone    = "done"
	ResultNotDone = "not_done"
	ResultFailed  = "failed"
)

// Collector records stepper activity. The zero value is ready to use.
type Collector struct{}

// NewCollector returns a Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// AddRowsMigrated adds n migrated rows for a table.
func (c *Collector) AddRowsMigrated(table string, n int) {
	if n > 0 {
		RowsMigratedTotal.WithLabelValues(table).Add(float64(n))
	}
}

// IncStep counts one step with the given result.
func (c *Collector) IncStep(result string) {
	StepsTotal.WithLabelValues(result).Inc()
}

// IncSourceDropped counts a dropped source table.
func (c *Collector) IncSourceDropped() {
	SourceTablesDroppedTotal.Inc()
}

// IncIdentityConflict counts an identity conflict on a table.
func (c *Collector) IncIdentityConflict(table string) {
	IdentityConflictsTotal.WithLabelValues(table).Inc()
}

// ObserveBatch records the duration and budget of a batch.
func (c *Collector) ObserveBatch(within, budget time.Duration) {
	BatchDuration.Observe(within.Seconds())
	BatchBudget.Set(budget.Seconds())
}

// SetTables publishes the per-state table counts.
func (c *Collector) SetTables(counts map[string]int) {
	for state, n := range counts {
		Tables.WithLabelValues(state).Set(float64(n))
	}
}
