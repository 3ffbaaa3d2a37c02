package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// Options configures a DB. Zero values select the defaults.
type Options struct {
	// MaxExpectingDuration caps the time one Step holds the write lock.
	MaxExpectingDuration time.Duration

	// InitialBudget is the batch budget used before usable history exists.
	InitialBudget time.Duration

	// OnError receives engine errors worth surfacing to the host, such as
	// failed attaches and identity conflicts.
	OnError func(code int, context, message string)

	Logger *Logger
}

// DB is a database with live table migration.
type DB struct {
	path  string
	sqlDB *sql.DB
	coord *Coordinator
	opts  Options
	log   *Logger

	stepMu  sync.Mutex
	stepper *Stepper
}

// Open opens the database file at path.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = GetLogger()
	}
	sqlDB, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &DB{
		path:  path,
		sqlDB: sqlDB,
		coord: NewCoordinator(opts.Logger),
		opts:  opts,
		log:   opts.Logger,
	}, nil
}

// Path returns the database path.
func (d *DB) Path() string { return d.path }

// SQL returns the underlying pool. Statements run there bypass migration.
func (d *DB) SQL() *sql.DB { return d.sqlDB }

// SetMigration configures tables to migrate from the database at
// sourcePath, or from other tables of this database when it is empty. A nil
// filter removes the source. Either way every derived state is purged.
func (d *DB) SetMigration(sourcePath string, cipher []byte, filter TableFilter) {
	if filter == nil {
		d.coord.RemoveSource(sourcePath)
		return
	}
	d.coord.AddSource(NewSource(sourcePath, cipher, filter))
}

// ShouldMigrate reports whether any migration source is configured.
func (d *DB) ShouldMigrate() bool { return d.coord.ShouldMigrate() }

// IsMigrated reports whether every table finished migrating.
func (d *DB) IsMigrated() bool { return d.coord.IsMigrated() }

// Status returns per-state table counts.
func (d *DB) Status() Status { return d.coord.Status() }

// Decisions lists the migration decision of every table seen so far.
func (d *DB) Decisions() []Decision { return d.coord.Decisions() }

// Session opens a new session on its own connection.
func (d *DB) Session(ctx context.Context) (*Session, error) {
	return newSession(ctx, d)
}

// Step runs one bounded unit of background migration. Calls are serialized.
func (d *DB) Step(ctx context.Context) (StepResult, error) {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	st, err := d.stepperLocked(ctx)
	if err != nil {
		return StepFailed, err
	}
	return st.Step(ctx)
}

// Acquire initializes every table of the database without moving rows, so
// Decisions and Status cover tables no session referenced yet.
func (d *DB) Acquire(ctx context.Context) error {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	need, epoch := d.coord.needsAcquire()
	if !need {
		return nil
	}
	st, err := d.stepperLocked(ctx)
	if err != nil {
		return err
	}
	return st.acquireTables(ctx, epoch)
}

func (d *DB) stepperLocked(ctx context.Context) (*Stepper, error) {
	if d.stepper == nil {
		s, err := newSession(ctx, d)
		if err != nil {
			return nil, err
		}
		d.stepper = newStepper(d.coord, s, d.opts)
	}
	return d.stepper, nil
}

// Close closes the stepper session and the pool.
func (d *DB) Close() error {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	var errs []error
	if d.stepper != nil {
		errs = append(errs, d.stepper.close())
		d.stepper = nil
	}
	errs = append(errs, d.sqlDB.Close())
	return errors.Join(errs...)
}
