package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tencent/wcdb-sub005/metrics"
	"github.com/Tencent/wcdb-sub005/syntax"
)

// StepResult is the outcome of one Step.
type StepResult int

const (
	// StepNotDone means work remains; call Step again.
	StepNotDone StepResult = iota
	// StepDone means every table is migrated and every source dropped.
	StepDone
	// StepFailed means the step hit an error; it may be retried.
	StepFailed
)

func (r StepResult) String() string {
	switch r {
	case StepDone:
		return metrics.ResultDone
	case StepNotDone:
		return metrics.ResultNotDone
	}
	return metrics.ResultFailed
}

// Stepper performs the background work of a database one bounded step at a
// time on its own session.
type Stepper struct {
	coord   *Coordinator
	s       *Session
	sampler *Sampler
	metrics *metrics.Collector
	log     *Logger

	// Statements of the table migrated last; rebuilt when the descriptor or
	// its columns change.
	current    Ref
	currentKey string
	migrateRow *sql.Stmt
	deleteRow  *sql.Stmt
}

func newStepper(coord *Coordinator, s *Session, opts Options) *Stepper {
	return &Stepper{
		coord:   coord,
		s:       s,
		sampler: NewSampler(opts.MaxExpectingDuration, opts.InitialBudget),
		metrics: metrics.NewCollector(),
		log:     s.log.WithComponent("stepper"),
	}
}

// Step drops one source table that is ready, or migrates one batch of rows,
// or enumerates the tables of the database, in that order of priority.
func (st *Stepper) Step(ctx context.Context) (StepResult, error) {
	res, err := st.step(ctx)
	if err != nil {
		res = StepFailed
		st.log.Warn("step failed", "error", err)
	}
	st.metrics.IncStep(res.String())
	st.publishStatus()
	return res, err
}

func (st *Stepper) step(ctx context.Context) (StepResult, error) {
	if info, ref, ok := st.coord.pickDumpster(); ok {
		return StepNotDone, st.dropSource(ctx, info, ref)
	}

	if info, ref, ok := st.coord.pickMigrating(); ok {
		defer st.coord.Release(ref)
		done, err := st.migrateBatch(ctx, info, ref)
		if err != nil {
			return StepFailed, err
		}
		if done {
			st.coord.MarkMigrated(ref)
		}
		return StepNotDone, nil
	}

	if need, epoch := st.coord.needsAcquire(); need {
		if err := st.acquireTables(ctx, epoch); err != nil {
			return StepFailed, err
		}
		return st.step(ctx)
	}

	// A hinted target may have been created outside any session.
	if hinted := st.coord.hinted(); len(hinted) > 0 {
		if err := st.resolveAll(ctx, hinted); err != nil {
			return StepFailed, err
		}
	}

	if st.coord.tryComplete() {
		return StepDone, nil
	}
	return StepNotDone, nil
}

func (st *Stepper) dropSource(ctx context.Context, info *Info, ref Ref) error {
	h := st.s.h
	if info.IsCrossDatabase() {
		src := info.Source()
		if err := h.Attach(ctx, src.Path(), src.Schema(), src.Cipher()); err != nil {
			return err
		}
	}
	if st.current == ref {
		st.resetStatements()
	}
	if _, err := h.exec(ctx, info.DropSourceSQL()); err != nil {
		return fmt.Errorf("drop source of %s: %w", info.Table(), err)
	}
	st.coord.finishDrop(ref)
	st.metrics.IncSourceDropped()

	if info.IsCrossDatabase() && !h.InTransaction() && !st.coord.schemaInUse(info.SourceSchema()) {
		if err := h.Detach(ctx, info.SourceSchema()); err != nil {
			return err
		}
	}
	return nil
}

// migrateBatch moves rows of info one at a time until the source is empty
// or the budget is spent. It reports whether the source is exhausted.
func (st *Stepper) migrateBatch(ctx context.Context, info *Info, ref Ref) (bool, error) {
	start := time.Now()
	h := st.s.h
	if info.IsCrossDatabase() {
		src := info.Source()
		if err := h.Attach(ctx, src.Path(), src.Schema(), src.Cipher()); err != nil {
			return false, err
		}
	}
	exists, err := h.TableExists(ctx, "main", info.Table())
	if err != nil {
		return false, err
	}
	if !exists {
		// The target was dropped; nothing is left to move.
		return true, nil
	}
	if err := st.prepare(ctx, info, ref); err != nil {
		return false, err
	}

	budget := st.sampler.Budget()
	var within time.Duration
	var moved int
	done := false
	err = h.RunTransaction(ctx, func() error {
		loop := time.Now()
		defer func() { within = time.Since(loop) }()
		for {
			res, err := st.migrateRow.ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("migrate row of %s: %w", info.Table(), err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				done = true
				return nil
			}
			if _, err := st.deleteRow.ExecContext(ctx); err != nil {
				return fmt.Errorf("delete migrated row of %s: %w", info.Table(), err)
			}
			moved++
			if time.Since(loop) >= budget {
				return nil
			}
		}
	})
	if err != nil {
		return false, err
	}
	st.sampler.Record(within, time.Since(start))
	st.metrics.AddRowsMigrated(info.Table(), moved)
	st.metrics.ObserveBatch(within, budget)
	st.log.Debug("batch", "table", info.Table(), "rows", moved, "budget", budget, "within", within, "done", done)
	return done, nil
}

// prepare builds the migrate and delete statements for info unless the
// cached ones already match it and its current columns.
func (st *Stepper) prepare(ctx context.Context, info *Info, ref Ref) error {
	h := st.s.h
	target, err := h.Columns(ctx, "main", info.Table())
	if err != nil {
		return err
	}
	source, err := h.Columns(ctx, info.SourceSchema(), info.SourceTable())
	if err != nil {
		return err
	}
	tmpl := info.templatesFor(columnNames(target), columnNames(source))
	if st.current == ref && st.currentKey == tmpl.key && st.migrateRow != nil {
		return nil
	}
	st.resetStatements()

	migrateRow, err := st.s.conn.PrepareContext(ctx, tmpl.migrateRow)
	if err != nil {
		return fmt.Errorf("prepare migrate of %s: %w", info.Table(), err)
	}
	deleteRow, err := st.s.conn.PrepareContext(ctx, info.DeleteMigratedRowSQL())
	if err != nil {
		migrateRow.Close()
		return fmt.Errorf("prepare delete of %s: %w", info.Table(), err)
	}
	st.current, st.currentKey = ref, tmpl.key
	st.migrateRow, st.deleteRow = migrateRow, deleteRow
	return nil
}

func (st *Stepper) resetStatements() {
	if st.migrateRow != nil {
		st.migrateRow.Close()
	}
	if st.deleteRow != nil {
		st.deleteRow.Close()
	}
	st.current, st.currentKey = Ref{}, ""
	st.migrateRow, st.deleteRow = nil, nil
}

// acquireTables initializes every table of the main schema, so tables
// nobody referenced yet still migrate.
func (st *Stepper) acquireTables(ctx context.Context, epoch uint64) error {
	h := st.s.h
	rows, err := h.conn.QueryContext(ctx, "SELECT name FROM \"main\".sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	if err := st.resolveAll(ctx, names); err != nil {
		return err
	}
	st.coord.markAcquired(epoch)
	st.log.Debug("tables acquired", "tables", len(names))
	return nil
}

func (st *Stepper) resolveAll(ctx context.Context, names []string) error {
	for _, name := range names {
		info, ref, err := st.coord.ResolveOrInit(ctx, st.s.h, name)
		if err != nil {
			return fmt.Errorf("initialize %s: %w", syntax.Quote(name), err)
		}
		if info != nil {
			st.coord.Release(ref)
		}
	}
	return nil
}

func (st *Stepper) publishStatus() {
	s := st.coord.Status()
	st.metrics.SetTables(map[string]int{
		stateNoNeed.String():    s.NoNeed,
		stateMigrating.String(): s.Migrating,
		stateMigrated.String():  s.Migrated,
		stateDumpster.String():  s.Dumpster,
		stateDropped.String():   s.Dropped,
	})
}

func (st *Stepper) close() error {
	st.resetStatements()
	return st.s.Close()
}
