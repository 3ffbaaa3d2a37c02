package wcdb

import (
	"context"
	"fmt"

	"github.com/Tencent/wcdb-sub005/syntax"
)

// boundTable is one migrating table as seen by a session's connection.
type boundTable struct {
	info    *Info
	ref     Ref
	tmpl    *templates
	version uint64
	// pending marks a view created inside a transaction that has not
	// finished yet; a rollback removes it again.
	pending bool
}

// binder keeps the connection's attached schemas and temp views in line
// with the tables its statements reference.
type binder struct {
	coord *Coordinator
	h     *Handle
	log   *Logger

	binding      bool
	rebindNeeded bool
	epoch        uint64
	cycle        map[string]boundTable
	created      []string
	bound        map[string]*boundTable
	staleViews   map[string]struct{}
}

func newBinder(coord *Coordinator, h *Handle, log *Logger) *binder {
	b := &binder{
		coord:      coord,
		h:          h,
		log:        log,
		bound:      make(map[string]*boundTable),
		staleViews: make(map[string]struct{}),
	}
	h.txEnd = b.transactionEnded
	return b
}

func (b *binder) startBinding() error {
	if b.binding {
		return ErrBindingReentered
	}
	b.binding = true
	b.cycle = make(map[string]boundTable)
	b.created = b.created[:0]
	return nil
}

// bindTable resolves name and records it for this cycle. It returns nil for
// tables that do not migrate.
func (b *binder) bindTable(ctx context.Context, name string) (*Info, error) {
	if bt, ok := b.cycle[name]; ok {
		return bt.info, nil
	}
	info, ref, err := b.coord.ResolveOrInit(ctx, b.h, name)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	b.cycle[name] = boundTable{info: info, ref: ref}
	return info, nil
}

// hintThatTableWillBeCreated records a table created by the statement being
// bound. It is initialized again after the statement ran.
func (b *binder) hintThatTableWillBeCreated(name string) {
	b.created = append(b.created, name)
}

// stopBinding ends the cycle. On success the connection is reconciled and
// the bound tables of the cycle are returned.
func (b *binder) stopBinding(ctx context.Context, success bool) (map[string]*boundTable, error) {
	b.binding = false
	cycle := b.cycle
	b.cycle = nil
	if !success {
		b.releaseCycle(cycle)
		return nil, nil
	}
	if err := b.reconcile(ctx, cycle); err != nil {
		b.rebindNeeded = true
		return nil, err
	}
	b.rebindNeeded = false
	out := make(map[string]*boundTable, len(cycle))
	for name := range cycle {
		out[name] = b.bound[name]
	}
	return out, nil
}

func (b *binder) releaseCycle(cycle map[string]boundTable) {
	for _, bt := range cycle {
		b.coord.Release(bt.ref)
	}
}

func (b *binder) reconcile(ctx context.Context, cycle map[string]boundTable) error {
	if epoch := b.coord.Epoch(); epoch != b.epoch {
		for name, bt := range b.bound {
			b.retireView(ctx, bt.info.View())
			delete(b.bound, name)
		}
		b.epoch = epoch
	}

	for name, bt := range b.bound {
		if _, again := cycle[name]; again || b.coord.IsMigrating(bt.ref) {
			continue
		}
		b.retireView(ctx, bt.info.View())
		b.coord.Release(bt.ref)
		delete(b.bound, name)
	}

	for name, c := range cycle {
		bt, ok := b.bound[name]
		switch {
		case !ok:
			b.bound[name] = &boundTable{info: c.info, ref: c.ref}
		case bt.ref == c.ref:
			b.coord.Release(c.ref)
		default:
			b.coord.Release(bt.ref)
			b.bound[name] = &boundTable{info: c.info, ref: c.ref}
		}
	}

	if !b.h.InTransaction() {
		b.dropStaleViews(ctx)
		if err := b.detachUnused(ctx); err != nil {
			return err
		}
	}

	var firstErr error
	for name := range cycle {
		if err := b.ensureView(ctx, b.bound[name]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureView attaches the source and (re)creates the unioned view when the
// table is new to this connection, its schema changed, or a previous
// reconcile failed.
func (b *binder) ensureView(ctx context.Context, bt *boundTable) error {
	info := bt.info
	version := b.coord.SchemaVersion(info.Table())
	if bt.tmpl != nil && bt.version == version && !b.rebindNeeded {
		return nil
	}
	if info.IsCrossDatabase() {
		src := info.Source()
		if err := b.h.Attach(ctx, src.Path(), src.Schema(), src.Cipher()); err != nil {
			return err
		}
	}
	tmpl, err := b.columnsTemplates(ctx, info)
	if err != nil {
		return err
	}
	if _, err := b.h.exec(ctx, info.DropViewSQL()); err != nil {
		return fmt.Errorf("drop view of %s: %w", info.Table(), err)
	}
	if _, err := b.h.exec(ctx, tmpl.createView); err != nil {
		return fmt.Errorf("create view of %s: %w", info.Table(), err)
	}
	delete(b.staleViews, info.View())
	bt.tmpl = tmpl
	bt.version = version
	bt.pending = b.h.InTransaction()
	b.log.Debug("view created", "table", info.Table(), "view", info.View())
	return nil
}

func (b *binder) columnsTemplates(ctx context.Context, info *Info) (*templates, error) {
	target, err := b.h.Columns(ctx, "main", info.Table())
	if err != nil {
		return nil, err
	}
	source, err := b.h.Columns(ctx, info.SourceSchema(), info.SourceTable())
	if err != nil {
		return nil, err
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("target table %s has no columns", info.Table())
	}
	return info.templatesFor(columnNames(target), columnNames(source)), nil
}

func columnNames(cols []ColumnInfo) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// retireView drops a view now, or after the open transaction.
func (b *binder) retireView(ctx context.Context, view string) {
	if b.h.InTransaction() {
		b.staleViews[view] = struct{}{}
		return
	}
	b.dropView(ctx, view)
}

func (b *binder) dropView(ctx context.Context, view string) {
	if _, err := b.h.exec(ctx, "DROP VIEW IF EXISTS "+syntax.QualifiedName("temp", view)); err != nil {
		b.log.Warn("drop view failed", "view", view, "error", err)
		return
	}
	delete(b.staleViews, view)
}

func (b *binder) dropStaleViews(ctx context.Context) {
	for view := range b.staleViews {
		b.dropView(ctx, view)
	}
}

// detachUnused detaches every source schema no bound table needs.
func (b *binder) detachUnused(ctx context.Context) error {
	needed := make(map[string]bool)
	for _, bt := range b.bound {
		if bt.info.IsCrossDatabase() {
			needed[bt.info.SourceSchema()] = true
		}
	}
	for _, schema := range b.h.Attached() {
		if needed[schema] {
			continue
		}
		if err := b.h.Detach(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// forgetView makes the next reconcile rebuild the view of table.
func (b *binder) forgetView(table string) {
	if bt, ok := b.bound[table]; ok {
		bt.tmpl = nil
	}
}

func (b *binder) transactionEnded(committed bool) {
	for _, bt := range b.bound {
		if bt.pending && !committed {
			bt.tmpl = nil
		}
		bt.pending = false
	}
}

// close drops the session's views and releases every bound table.
func (b *binder) close(ctx context.Context) {
	for name, bt := range b.bound {
		b.dropView(ctx, bt.info.View())
		b.coord.Release(bt.ref)
		delete(b.bound, name)
	}
	b.dropStaleViews(ctx)
}
