package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Tencent/wcdb-sub005/syntax"
)

// Session is one connection of a database. Statements prepared on it see
// migrating tables as if every row already lived in the target. A Session
// is not safe for concurrent use.
type Session struct {
	id     string
	db     *DB
	conn   *sql.Conn
	h      *Handle
	binder *binder
	log    *Logger
	closed bool
}

func newSession(ctx context.Context, db *DB) (*Session, error) {
	conn, err := db.sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	id := uuid.NewString()
	log := db.log.WithSession(id)
	h := newHandle(conn, log, db.opts.OnError)
	// Pooled connections keep schemas attached by an earlier session.
	if err := h.loadAttached(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{
		id:     id,
		db:     db,
		conn:   conn,
		h:      h,
		binder: newBinder(db.coord, h, log.WithComponent("binder")),
		log:    log,
	}, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// InTransaction reports whether the session's connection is inside a
// transaction.
func (s *Session) InTransaction() bool { return s.h.InTransaction() }

// Prepare binds stmt to the migration state and compiles it.
func (s *Session) Prepare(ctx context.Context, stmt syntax.Statement) (*Stmt, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := s.binder.startBinding(); err != nil {
		return nil, err
	}
	bindErr := s.bindStatement(ctx, stmt)
	tables, err := s.binder.stopBinding(ctx, bindErr == nil)
	if bindErr != nil {
		return nil, bindErr
	}
	if err != nil {
		return nil, err
	}

	p, err := compile(stmt, tables)
	if err != nil {
		return nil, err
	}
	p.created = append(p.created, s.binder.created...)
	return newStmt(ctx, s, p, tables)
}

// bindStatement binds every main-schema table stmt references.
func (s *Session) bindStatement(ctx context.Context, stmt syntax.Statement) error {
	names := referencedTables(stmt)
	if ct, ok := stmt.(*syntax.CreateTable); ok && !ct.Temp && isMainSchema(ct.Schema) {
		s.binder.hintThatTableWillBeCreated(ct.Name)
	}
	for _, name := range names {
		if _, err := s.binder.bindTable(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func referencedTables(stmt syntax.Statement) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(schema, name string) {
		if isMainSchema(schema) && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	switch s := stmt.(type) {
	case *syntax.Insert:
		add(s.Schema, s.Table)
	case *syntax.Update:
		add(s.Schema, s.Table)
	case *syntax.Delete:
		add(s.Schema, s.Table)
	case *syntax.DropTable:
		add(s.Schema, s.Name)
	case *syntax.AlterTable:
		add(s.Schema, s.Table)
	}
	syntax.Inspect(stmt, func(n syntax.Node) bool {
		if t, ok := n.(*syntax.Table); ok {
			add(t.Schema, t.Name)
		}
		return true
	})
	return names
}

// Exec prepares and runs stmt once.
func (s *Session) Exec(ctx context.Context, stmt syntax.Statement, args ...any) (sql.Result, error) {
	st, err := s.Prepare(ctx, stmt)
	if err != nil {
		return nil, err
	}
	res, err := st.Exec(ctx, args...)
	return res, errors.Join(err, st.Close())
}

// Rows are query results that close their statement with them.
type Rows struct {
	*sql.Rows
	stmt *Stmt
}

// Close closes the rows and their statement.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	return errors.Join(err, r.stmt.Close())
}

// Query prepares and runs a statement producing rows.
func (s *Session) Query(ctx context.Context, stmt syntax.Statement, args ...any) (*Rows, error) {
	st, err := s.Prepare(ctx, stmt)
	if err != nil {
		return nil, err
	}
	rows, err := st.Query(ctx, args...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &Rows{Rows: rows, stmt: st}, nil
}

// RunTransaction runs fn in a transaction, or in a savepoint when one is
// already open. Returning an error rolls it back.
func (s *Session) RunTransaction(ctx context.Context, fn func(*Session) error) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.h.RunTransaction(ctx, func() error { return fn(s) })
}

// Close releases the session's tables and returns its connection.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	ctx := context.Background()
	var errs []error
	if s.h.InTransaction() {
		if _, err := s.h.exec(ctx, "ROLLBACK"); err != nil {
			errs = append(errs, err)
		}
		s.h.depth, s.h.userTx = 0, nil
	}
	s.binder.close(ctx)
	for _, schema := range s.h.Attached() {
		errs = append(errs, s.h.Detach(ctx, schema))
	}
	errs = append(errs, s.conn.Close())
	return errors.Join(errs...)
}
