package wcdb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/Tencent/wcdb-sub005/syntax"
)

// Conn is the subset of *sql.Conn the migration engine drives. It is an
// interface so tests can inject failures.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// ColumnInfo is one row of PRAGMA table_info.
type ColumnInfo struct {
	Name string
	Type string
	PK   int
}

// TableConfig describes the row identity of a table.
type TableConfig struct {
	WithoutRowID      bool
	Autoincrement     bool
	IntegerPrimaryKey string
	HasRowIDColumn    bool
}

// Handle wraps a single connection and tracks the state the migration layer
// needs about it: the transaction depth and the attached schemas.
type Handle struct {
	conn     Conn
	log      *Logger
	onError  func(code int, context, message string)
	attached map[string]string

	// depth counts transactions and savepoints opened by this package,
	// userTx tracks the ones opened by user statements.
	depth  int
	userTx []string
	spSeq  int

	// txEnd is called when the outermost transaction finishes.
	txEnd func(committed bool)
}

func newHandle(conn Conn, log *Logger, onError func(int, string, string)) *Handle {
	return &Handle{
		conn:     conn,
		log:      log,
		onError:  onError,
		attached: make(map[string]string),
	}
}

// InTransaction reports whether the connection is inside a transaction.
func (h *Handle) InTransaction() bool {
	return h.depth > 0 || len(h.userTx) > 0
}

func (h *Handle) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	h.log.Debug("exec", "sql", query)
	return h.conn.ExecContext(ctx, query, args...)
}

// RunTransaction runs fn inside BEGIN IMMEDIATE/COMMIT. When a transaction
// is already open fn runs inside a savepoint instead.
func (h *Handle) RunTransaction(ctx context.Context, fn func() error) error {
	if h.InTransaction() {
		return h.runSavepoint(ctx, fn)
	}
	if _, err := h.exec(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	h.depth++
	if err := fn(); err != nil {
		h.depth--
		if _, rbErr := h.exec(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			h.log.Warn("rollback failed", "error", rbErr)
		}
		h.endTx(false)
		return err
	}
	h.depth--
	if _, err := h.exec(ctx, "COMMIT"); err != nil {
		if _, rbErr := h.exec(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			h.log.Warn("rollback failed", "error", rbErr)
		}
		h.endTx(false)
		return fmt.Errorf("commit: %w", err)
	}
	h.endTx(true)
	return nil
}

// RunNestedTransactionIfNeeded runs fn in a savepoint when a transaction is
// open, and in a new transaction otherwise.
func (h *Handle) RunNestedTransactionIfNeeded(ctx context.Context, fn func() error) error {
	return h.RunTransaction(ctx, fn)
}

func (h *Handle) runSavepoint(ctx context.Context, fn func() error) error {
	h.spSeq++
	name := syntax.Quote("wcdb_sp_" + strconv.Itoa(h.spSeq))
	if _, err := h.exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	h.depth++
	defer func() { h.depth-- }()
	if err := fn(); err != nil {
		bg := context.WithoutCancel(ctx)
		if _, rbErr := h.exec(bg, "ROLLBACK TO "+name); rbErr != nil {
			h.log.Warn("rollback to savepoint failed", "error", rbErr)
		}
		if _, relErr := h.exec(bg, "RELEASE "+name); relErr != nil {
			h.log.Warn("release savepoint failed", "error", relErr)
		}
		return err
	}
	if _, err := h.exec(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (h *Handle) endTx(committed bool) {
	if h.InTransaction() {
		return
	}
	if h.txEnd != nil {
		h.txEnd(committed)
	}
}

// track updates the transaction state after a user transaction statement
// executed successfully.
func (h *Handle) track(stmt syntax.Statement) {
	switch s := stmt.(type) {
	case *syntax.Begin:
		h.userTx = append(h.userTx, "")
	case *syntax.Savepoint:
		h.userTx = append(h.userTx, s.Name)
	case *syntax.Release:
		for i := len(h.userTx) - 1; i >= 0; i-- {
			if h.userTx[i] == s.Name {
				h.userTx = h.userTx[:i]
				break
			}
		}
		h.endTx(true)
	case *syntax.Commit:
		h.userTx = h.userTx[:0]
		h.endTx(true)
	case *syntax.Rollback:
		if s.Savepoint != "" {
			return
		}
		h.userTx = h.userTx[:0]
		h.endTx(false)
	}
}

// TableExists reports whether schema.name is a table.
func (h *Handle) TableExists(ctx context.Context, schema, name string) (bool, error) {
	var n int
	query := "SELECT count(*) FROM " + syntax.Quote(schema) + ".sqlite_master WHERE type = 'table' AND name = ?"
	if err := h.conn.QueryRowContext(ctx, query, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, name, err)
	}
	return n > 0, nil
}

// Columns returns the columns of schema.table in declaration order. A missing
// table yields no columns.
func (h *Handle) Columns(ctx context.Context, schema, table string) ([]ColumnInfo, error) {
	rows, err := h.conn.QueryContext(ctx, "PRAGMA "+syntax.Quote(schema)+".table_info("+syntax.Quote(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table_info %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, ColumnInfo{Name: name, Type: colType, PK: pk})
	}
	return cols, rows.Err()
}

// TableConfig inspects the identity of schema.table.
func (h *Handle) TableConfig(ctx context.Context, schema, table string) (TableConfig, error) {
	var cfg TableConfig
	cols, err := h.Columns(ctx, schema, table)
	if err != nil {
		return cfg, err
	}
	var createSQL sql.NullString
	query := "SELECT sql FROM " + syntax.Quote(schema) + ".sqlite_master WHERE type = 'table' AND name = ?"
	if err := h.conn.QueryRowContext(ctx, query, table).Scan(&createSQL); err != nil && err != sql.ErrNoRows {
		return cfg, fmt.Errorf("read schema of %s.%s: %w", schema, table, err)
	}
	return tableConfigFrom(cols, createSQL.String), nil
}

// Attach attaches path as schema. Attaching an already attached schema is a
// no-op. Inside a transaction the attach is followed by an immediate-mode
// probe of the new schema.
func (h *Handle) Attach(ctx context.Context, path, schema string, cipher []byte) error {
	if _, ok := h.attached[schema]; ok {
		return nil
	}
	query := "ATTACH DATABASE ? AS " + syntax.Quote(schema)
	args := []any{path}
	if len(cipher) > 0 {
		query += " KEY ?"
		args = append(args, cipher)
	}
	if _, err := h.exec(ctx, query, args...); err != nil {
		h.notifyError(errorCode(err), "attach", err.Error())
		return fmt.Errorf("attach %s as %s: %w", path, schema, err)
	}
	h.attached[schema] = path
	if h.InTransaction() {
		return h.probeImmediate(ctx, schema)
	}
	return nil
}

// Detach detaches schema if it is attached.
func (h *Handle) Detach(ctx context.Context, schema string) error {
	if _, ok := h.attached[schema]; !ok {
		return nil
	}
	if _, err := h.exec(ctx, "DETACH DATABASE "+syntax.Quote(schema)); err != nil {
		return fmt.Errorf("detach %s: %w", schema, err)
	}
	delete(h.attached, schema)
	return nil
}

// loadAttached records the migration schemas already attached to the
// connection.
func (h *Handle) loadAttached(ctx context.Context) error {
	rows, err := h.conn.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return fmt.Errorf("database_list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name string
		var file sql.NullString
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return err
		}
		if strings.HasPrefix(name, schemaPrefix) {
			h.attached[name] = file.String
		}
	}
	return rows.Err()
}

// Attached returns the schemas currently attached.
func (h *Handle) Attached() []string {
	out := make([]string, 0, len(h.attached))
	for schema := range h.attached {
		out = append(out, schema)
	}
	return out
}

// probeImmediate reads the attached schema inside a savepoint so the new
// database joins the open transaction. Busy and locked results are expected
// and ignored.
func (h *Handle) probeImmediate(ctx context.Context, schema string) error {
	err := h.runSavepoint(ctx, func() error {
		var n int
		return h.conn.QueryRowContext(ctx, "SELECT count(*) FROM "+syntax.Quote(schema)+".sqlite_master").Scan(&n)
	})
	if err != nil && isBusy(err) {
		h.log.Warn("immediate probe ignored", "schema", schema, "error", err)
		return nil
	}
	return err
}

func (h *Handle) notifyError(code int, context, message string) {
	if h.onError != nil {
		h.onError(code, context, message)
	}
}
