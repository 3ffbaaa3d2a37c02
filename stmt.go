package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/Tencent/wcdb-sub005/metrics"
)

// Result is the outcome of Stmt.Exec.
type Result struct {
	lastInsertID int64
	rowsAffected int64
}

// LastInsertId returns the identity of the last inserted row.
func (r Result) LastInsertId() (int64, error) { return r.lastInsertID, nil }

// RowsAffected returns the number of rows changed.
func (r Result) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Stmt is a prepared statement bound to one session. It keeps the tables it
// rewrote retained until Close.
type Stmt struct {
	s        *Session
	plan     *plan
	prepared map[string]*sql.Stmt
	refs     map[string]Ref
	closed   bool
}

func newStmt(ctx context.Context, s *Session, p *plan, tables map[string]*boundTable) (*Stmt, error) {
	st := &Stmt{
		s:        s,
		plan:     p,
		prepared: make(map[string]*sql.Stmt),
		refs:     make(map[string]Ref, len(tables)),
	}
	for name, bt := range tables {
		if s.db.coord.Retain(bt.ref) {
			st.refs[name] = bt.ref
		}
	}
	for _, text := range p.texts() {
		if _, ok := st.prepared[text]; ok {
			continue
		}
		ps, err := s.conn.PrepareContext(ctx, text)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("prepare %q: %w", text, err)
		}
		st.prepared[text] = ps
	}
	s.log.Debug("prepared", "sql", p.texts())
	return st, nil
}

// SQL returns the statements the rewrite produced, in execution order.
func (st *Stmt) SQL() []string {
	return st.plan.texts()
}

// Close releases the prepared statements and retained tables.
func (st *Stmt) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	var errs []error
	for _, ps := range st.prepared {
		errs = append(errs, ps.Close())
	}
	for _, ref := range st.refs {
		st.s.db.coord.Release(ref)
	}
	return errors.Join(errs...)
}

func argsFor(p piece, args []any, identity int64) ([]any, error) {
	if p.maxBind < 0 {
		return args, nil
	}
	if len(args) < p.maxBind {
		return nil, fmt.Errorf("statement needs %d arguments, got %d", p.maxBind, len(args))
	}
	out := slices.Clone(args[:p.maxBind])
	if p.identity {
		out = append(out, sql.Named(identityParam, identity))
	}
	return out, nil
}

func (st *Stmt) exec(ctx context.Context, p piece, args []any, identity int64) (sql.Result, error) {
	a, err := argsFor(p, args, identity)
	if err != nil {
		return nil, err
	}
	return st.prepared[p.sql].ExecContext(ctx, a...)
}

// Query runs a statement producing rows. The rows must be closed before the
// statement.
func (st *Stmt) Query(ctx context.Context, args ...any) (*sql.Rows, error) {
	if st.closed {
		return nil, ErrStmtClosed
	}
	if st.plan.kind != planDirect || !st.plan.query {
		return nil, ErrNoRows
	}
	a, err := argsFor(st.plan.main, args, 0)
	if err != nil {
		return nil, err
	}
	return st.prepared[st.plan.main.sql].QueryContext(ctx, a...)
}

// Exec runs the statement.
func (st *Stmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	if st.closed {
		return nil, ErrStmtClosed
	}
	h := st.s.h
	var res Result
	var err error
	switch st.plan.kind {
	case planDirect:
		var r sql.Result
		if r, err = st.exec(ctx, st.plan.main, args, 0); err == nil {
			res.lastInsertID, _ = r.LastInsertId()
			res.rowsAffected, _ = r.RowsAffected()
		}
	case planSequence:
		err = h.RunNestedTransactionIfNeeded(ctx, func() error {
			for _, p := range st.plan.pieces {
				r, err := st.exec(ctx, p, args, 0)
				if err != nil {
					return err
				}
				n, _ := r.RowsAffected()
				res.rowsAffected += n
			}
			return nil
		})
	case planKeyed:
		err = h.RunNestedTransactionIfNeeded(ctx, func() error {
			ids, err := st.identities(ctx, args)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if ip := st.plan.insert; ip != nil && ip.relocate {
					if err := st.relocate(ctx, ip, id); err != nil {
						return err
					}
				}
				for _, p := range st.plan.pieces {
					r, err := st.exec(ctx, p, args, id)
					if err != nil {
						return err
					}
					n, _ := r.RowsAffected()
					res.rowsAffected += n
				}
			}
			return nil
		})
	case planInsert:
		err = h.RunNestedTransactionIfNeeded(ctx, func() error {
			var err error
			res, err = st.insert(ctx, args)
			return err
		})
	}
	if err != nil {
		return nil, err
	}
	st.applyEffects(ctx)
	return res, nil
}

// identities collects the matched identities before any write runs.
func (st *Stmt) identities(ctx context.Context, args []any) ([]int64, error) {
	a, err := argsFor(st.plan.main, args, 0)
	if err != nil {
		return nil, err
	}
	rows, err := st.prepared[st.plan.main.sql].QueryContext(ctx, a...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// insert writes the row into the source and moves it into the target under
// an identity no other row of either half holds.
func (st *Stmt) insert(ctx context.Context, args []any) (Result, error) {
	ip := st.plan.insert
	info := ip.info
	r, err := st.exec(ctx, st.plan.main, args, 0)
	if err != nil {
		return Result{}, err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return Result{}, nil
	}
	id, err := r.LastInsertId()
	if err != nil {
		return Result{}, err
	}

	var probe sql.NullInt64
	if err := st.prepared[info.MaxRowIDSQL()].QueryRowContext(ctx).Scan(&probe); err != nil {
		return Result{}, fmt.Errorf("probe identity of %s: %w", info.Table(), err)
	}

	// The copy goes first and the source row is deleted only once it
	// succeeded, so a conflict rolls back with the row still in the source.
	copyStmt := st.prepared[ip.tmpl.copyRowSQL(ip.conflict, ip.auto())]
	var copied sql.Result
	if ip.auto() {
		copied, err = copyStmt.ExecContext(ctx, id)
	} else {
		identity := id
		if !ip.explicit && probe.Valid && probe.Int64 > identity {
			identity = probe.Int64
		}
		copied, err = copyStmt.ExecContext(ctx, identity, id)
	}
	if err != nil {
		if !ip.explicit && isUniqueViolation(err) {
			st.s.h.notifyError(errorCode(err), "migration",
				fmt.Sprintf("identity conflict relocating rowid %d into %s: %v", id, info.Table(), err))
			st.s.log.Warn("identity conflict", "table", info.Table(), "rowid", id, "error", err)
			metrics.NewCollector().IncIdentityConflict(info.Table())
			return Result{}, fmt.Errorf("%w: %s: %w", ErrIdentityConflict, info.Table(), err)
		}
		return Result{}, err
	}

	if _, err := st.prepared[info.DeleteSourceRowSQL()].ExecContext(ctx, id); err != nil {
		return Result{}, err
	}
	var res Result
	res.rowsAffected, _ = copied.RowsAffected()
	res.lastInsertID, _ = copied.LastInsertId()
	if res.rowsAffected == 0 {
		// OR IGNORE dropped the row.
		return res, nil
	}
	for _, p := range st.plan.pieces {
		if _, err := st.exec(ctx, p, args, res.lastInsertID); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// relocate moves the source row id into the target under the same identity.
// A row already in the target is left alone.
func (st *Stmt) relocate(ctx context.Context, ip *insertPlan, id int64) error {
	copied, err := st.prepared[ip.tmpl.copyRowSQL("", false)].ExecContext(ctx, id, id)
	if err != nil {
		return fmt.Errorf("relocate rowid %d into %s: %w", id, ip.info.Table(), err)
	}
	if n, _ := copied.RowsAffected(); n == 0 {
		return nil
	}
	_, err = st.prepared[ip.info.DeleteSourceRowSQL()].ExecContext(ctx, id)
	return err
}

func (st *Stmt) applyEffects(ctx context.Context) {
	p := st.plan
	s := st.s
	if p.track != nil {
		s.h.track(p.track)
	}
	if p.dropped != "" {
		if ref, ok := st.refs[p.dropped]; ok {
			s.db.coord.MarkMigrated(ref)
		}
	}
	if p.altered != "" {
		s.db.coord.BumpSchemaVersion(p.altered)
		s.binder.forgetView(p.altered)
	}
	for _, name := range p.created {
		info, ref, err := s.db.coord.ResolveOrInit(ctx, s.h, name)
		if err != nil {
			s.log.Warn("initialize created table", "table", name, "error", err)
			continue
		}
		if info != nil {
			s.db.coord.Release(ref)
		}
	}
}
