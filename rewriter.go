package wcdb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Tencent/wcdb-sub005/syntax"
)

const (
	// identityParam is the named parameter carrying a row identity into
	// rewritten statements.
	identityParam = "wcdb_identity"
	// maxUserBind is SQLITE_MAX_VARIABLE_NUMBER. User binds must stay below
	// it; the identity parameter is reserved for it.
	maxUserBind = 32766
)

type planKind int

const (
	// planDirect runs one statement.
	planDirect planKind = iota
	// planSequence runs its pieces in order inside one nested transaction.
	planSequence
	// planKeyed selects identities first and then runs its pieces once per
	// identity.
	planKeyed
	// planInsert inserts into the source and relocates the row, then runs
	// its pieces against the relocated row.
	planInsert
)

// piece is one SQL text of a plan.
type piece struct {
	sql string

	// maxBind is the highest ?N used, or -1 to forward every argument.
	maxBind  int
	identity bool
}

func newPiece(n syntax.Node) piece {
	p := piece{sql: syntax.String(n)}
	syntax.Inspect(n, func(n syntax.Node) bool {
		if b, ok := n.(*syntax.Bind); ok {
			if b.Name == identityParam {
				p.identity = true
			} else if b.Index > p.maxBind {
				p.maxBind = b.Index
			}
		}
		return true
	})
	return p
}

func passthrough(n syntax.Node) piece {
	return piece{sql: syntax.String(n), maxBind: -1}
}

type insertPlan struct {
	info     *Info
	tmpl     *templates
	conflict string
	explicit bool

	// relocate moves each matched row into the target before the target
	// pieces of a keyed plan run, for writes the source cannot hold.
	relocate bool
}

func (ip *insertPlan) auto() bool {
	return ip.info.Autoincrement() && !ip.explicit
}

// plan is a compiled statement.
type plan struct {
	kind   planKind
	query  bool
	main   piece
	pieces []piece
	insert *insertPlan

	// Effects applied after a successful execution.
	track   syntax.Statement
	dropped string
	altered string
	created []string
}

// texts lists every SQL text the plan prepares.
func (p *plan) texts() []string {
	var out []string
	if p.kind == planDirect || p.kind == planKeyed || p.kind == planInsert {
		out = append(out, p.main.sql)
	}
	for _, pc := range p.pieces {
		out = append(out, pc.sql)
	}
	if ip := p.insert; ip != nil {
		if p.kind == planInsert {
			out = append(out, ip.info.MaxRowIDSQL())
		}
		out = append(out,
			ip.tmpl.copyRowSQL(ip.conflict, ip.auto()),
			ip.info.DeleteSourceRowSQL(),
		)
	}
	return out
}

func isMainSchema(schema string) bool {
	return schema == "" || strings.EqualFold(schema, "main")
}

// rewriter compiles statements against the migrating tables bound for them.
type rewriter struct {
	tables map[string]*boundTable
	views  map[string]*boundTable
}

func newRewriter(tables map[string]*boundTable) *rewriter {
	rw := &rewriter{tables: tables, views: make(map[string]*boundTable, len(tables))}
	for _, bt := range tables {
		rw.views[bt.info.View()] = bt
	}
	return rw
}

func (rw *rewriter) lookup(schema, name string) *boundTable {
	if !isMainSchema(schema) {
		return nil
	}
	return rw.tables[name]
}

// compile turns stmt into a plan.
func compile(stmt syntax.Statement, tables map[string]*boundTable) (*plan, error) {
	rw := newRewriter(tables)
	if len(tables) > 0 {
		if err := checkBinds(stmt); err != nil {
			return nil, err
		}
	}

	switch s := stmt.(type) {
	case *syntax.Select:
		if len(tables) == 0 {
			return &plan{kind: planDirect, query: true, main: passthrough(s)}, nil
		}
		return &plan{kind: planDirect, query: true, main: newPiece(rw.tamper(s))}, nil
	case *syntax.Insert:
		return rw.compileInsert(s)
	case *syntax.Update:
		return rw.compileUpdate(s)
	case *syntax.Delete:
		return rw.compileDelete(s)
	case *syntax.DropTable:
		return rw.compileDrop(s)
	case *syntax.AlterTable:
		return rw.compileAlter(s)
	case *syntax.CreateTable:
		p := &plan{kind: planDirect, main: passthrough(s)}
		if len(tables) > 0 {
			p.main = newPiece(rw.tamper(s))
		}
		return p, nil
	case *syntax.Begin, *syntax.Commit, *syntax.Rollback, *syntax.Savepoint, *syntax.Release:
		return &plan{kind: planDirect, main: passthrough(s), track: s}, nil
	case *syntax.Raw:
		return &plan{kind: planDirect, query: true, main: passthrough(s)}, nil
	}
	return nil, fmt.Errorf("unexpected statement %T", stmt)
}

// checkBinds rejects bind parameters that cannot coexist with the identity
// parameter.
func checkBinds(stmt syntax.Statement) error {
	var err error
	syntax.Inspect(stmt, func(n syntax.Node) bool {
		b, ok := n.(*syntax.Bind)
		if !ok || err != nil {
			return err == nil
		}
		switch {
		case b.Name == identityParam || b.Index >= maxUserBind:
			err = fmt.Errorf("%w: %s", ErrBindCollision, syntax.String(b))
		case b.Name != "":
			err = fmt.Errorf("%w: named bind parameter :%s", ErrUnsupportedStatement, b.Name)
		case b.Index <= 0:
			err = fmt.Errorf("%w: unnumbered bind parameter", ErrUnsupportedStatement)
		}
		return err == nil
	})
	return err
}

// tamper redirects every read of a migrating table to its unioned view.
func (rw *rewriter) tamper(n syntax.Node) syntax.Node {
	return syntax.Rewrite(n, func(n syntax.Node) syntax.Node {
		switch n := n.(type) {
		case *syntax.Table:
			if bt := rw.lookup(n.Schema, n.Name); bt != nil {
				alias := n.Alias
				if alias == "" {
					alias = n.Name
				}
				return &syntax.Table{Schema: "temp", Name: bt.info.View(), Alias: alias}
			}
		case *syntax.Column:
			if n.Schema != "" && rw.lookup(n.Schema, n.Table) != nil {
				n.Schema = ""
			}
		case *syntax.In:
			// The view carries rowid as an extra column, so "x IN T" has to
			// name the target's columns.
			if n.Table != nil && n.Table.Schema == "temp" {
				if bt := rw.views[n.Table.Name]; bt != nil && bt.tmpl != nil {
					sel := &syntax.Select{From: []syntax.Source{&syntax.Table{Schema: "temp", Name: bt.info.View()}}}
					for _, c := range bt.tmpl.columns {
						sel.Columns = append(sel.Columns, syntax.ResultColumn{Expr: syntax.Col(c)})
					}
					n.Table, n.Select = nil, sel
				}
			}
		case *syntax.Select:
			rw.expandStars(n)
		}
		return n
	})
}

func (rw *rewriter) tamperExpr(e syntax.Expr) syntax.Expr {
	if e == nil {
		return nil
	}
	return rw.tamper(e).(syntax.Expr)
}

func (rw *rewriter) tamperOrder(terms []syntax.OrderingTerm) []syntax.OrderingTerm {
	if terms == nil {
		return nil
	}
	out := make([]syntax.OrderingTerm, len(terms))
	for i, t := range terms {
		out[i] = syntax.OrderingTerm{Expr: rw.tamperExpr(t.Expr), Desc: t.Desc}
	}
	return out
}

// expandStars replaces * over a unioned view with the target's columns so
// the view's extra rowid column never shows up in results.
func (rw *rewriter) expandStars(s *syntax.Select) {
	type from struct {
		alias string
		bt    *boundTable
	}
	var sources []from
	ok := true
	var walk func(src syntax.Source)
	walk = func(src syntax.Source) {
		switch src := src.(type) {
		case *syntax.Table:
			alias := src.Alias
			if alias == "" {
				alias = src.Name
			}
			var bt *boundTable
			if src.Schema == "temp" {
				bt = rw.views[src.Name]
			}
			sources = append(sources, from{alias: alias, bt: bt})
		case *syntax.SubquerySource:
			if src.Alias == "" {
				ok = false
			}
			sources = append(sources, from{alias: src.Alias})
		case *syntax.Join:
			walk(src.Left)
			walk(src.Right)
		}
	}
	for _, src := range s.From {
		walk(src)
	}
	if !slices.ContainsFunc(sources, func(f from) bool { return f.bt != nil && f.bt.tmpl != nil }) {
		return
	}

	columnsOf := func(f from) []syntax.ResultColumn {
		var out []syntax.ResultColumn
		for _, c := range f.bt.tmpl.columns {
			out = append(out, syntax.ResultColumn{Expr: &syntax.Column{Table: f.alias, Name: c}, Alias: c})
		}
		return out
	}

	in := s.Columns
	if len(in) == 0 {
		in = []syntax.ResultColumn{{Star: true}}
	}
	var cols []syntax.ResultColumn
	for _, rc := range in {
		switch {
		case rc.Star && rc.Table == "" && ok:
			for _, f := range sources {
				if f.bt != nil && f.bt.tmpl != nil {
					cols = append(cols, columnsOf(f)...)
				} else {
					cols = append(cols, syntax.ResultColumn{Star: true, Table: f.alias})
				}
			}
		case rc.Star && rc.Table != "":
			i := slices.IndexFunc(sources, func(f from) bool { return f.alias == rc.Table && f.bt != nil && f.bt.tmpl != nil })
			if i < 0 {
				cols = append(cols, rc)
				continue
			}
			cols = append(cols, columnsOf(sources[i])...)
		default:
			cols = append(cols, rc)
		}
	}
	s.Columns = cols
}

func (rw *rewriter) compileInsert(s *syntax.Insert) (*plan, error) {
	bt := rw.lookup(s.Schema, s.Table)
	if bt == nil {
		if len(rw.tables) == 0 {
			return &plan{kind: planDirect, main: passthrough(s)}, nil
		}
		return &plan{kind: planDirect, main: newPiece(rw.tamper(s))}, nil
	}
	switch {
	case len(s.Columns) == 0:
		return nil, fmt.Errorf("%w: INSERT into %s needs an explicit column list", ErrUnsupportedStatement, s.Table)
	case s.DefaultValues || s.Select != nil || len(s.Values) != 1:
		return nil, fmt.Errorf("%w: INSERT into %s needs exactly one VALUES row", ErrUnsupportedStatement, s.Table)
	case len(s.Values[0]) != len(s.Columns):
		return nil, fmt.Errorf("%w: INSERT into %s has %d columns and %d values", ErrUnsupportedStatement, s.Table, len(s.Columns), len(s.Values[0]))
	}
	if bt.tmpl == nil {
		return nil, fmt.Errorf("table %s is not bound", s.Table)
	}

	info := bt.info
	ip := &insertPlan{
		info:     info,
		tmpl:     bt.tmpl,
		conflict: s.Conflict,
		explicit: slices.ContainsFunc(s.Columns, info.isIdentityColumn),
	}

	values := make([]syntax.Expr, 0, len(s.Values[0])+1)
	columns := make([]string, 0, len(s.Columns)+1)
	if !ip.explicit && !info.Autoincrement() {
		columns = append(columns, "rowid")
		values = append(values, nextIdentity(info))
	}
	// Columns the source lacks are written to the target once the row has
	// been relocated.
	var targetOnly []syntax.Assignment
	for i, c := range s.Columns {
		v := rw.tamperExpr(s.Values[0][i])
		switch {
		case info.isIdentityColumn(c):
			// A NULL key asks for a fresh identity, which has to be fresh
			// over both halves. The source keeps it as its rowid whatever
			// it calls the column.
			v = &syntax.Func{Name: "COALESCE", Args: []syntax.Expr{v, nextIdentity(info)}}
			c = "rowid"
		case !bt.tmpl.inSource(c):
			targetOnly = append(targetOnly, syntax.Assignment{Column: c, Value: v})
			continue
		}
		columns = append(columns, c)
		values = append(values, v)
	}

	src := &syntax.Insert{
		Conflict: s.Conflict,
		Schema:   info.SourceSchema(),
		Table:    info.SourceTable(),
		Columns:  columns,
		Values:   [][]syntax.Expr{values},
	}
	if len(columns) == 0 {
		src.Values, src.DefaultValues = nil, true
	}
	p := &plan{kind: planInsert, main: newPiece(src), insert: ip}
	if len(targetOnly) > 0 {
		p.pieces = []piece{newPiece(&syntax.Update{Schema: "main", Table: info.Table(), Set: targetOnly, Where: identityMatch()})}
	}
	return p, nil
}

// nextIdentity is one past the highest identity over both halves. An
// autoincrement target also never reuses an identity its sequence handed
// out.
func nextIdentity(info *Info) syntax.Expr {
	highest := syntax.Expr(&syntax.Func{Name: "COALESCE", Args: []syntax.Expr{&syntax.Func{Name: "max", Args: []syntax.Expr{syntax.Col("rowid")}}, syntax.Lit(0)}})
	if info.Autoincrement() {
		seq := &syntax.Subquery{Select: &syntax.Select{
			Columns: []syntax.ResultColumn{{Expr: syntax.Col("seq")}},
			From:    []syntax.Source{&syntax.Table{Schema: "main", Name: "sqlite_sequence"}},
			Where:   syntax.Eq(syntax.Col("name"), syntax.Lit(info.Table())),
		}}
		highest = &syntax.Func{Name: "max", Args: []syntax.Expr{highest, &syntax.Func{Name: "COALESCE", Args: []syntax.Expr{seq, syntax.Lit(0)}}}}
	}
	return &syntax.Subquery{Select: &syntax.Select{
		Columns: []syntax.ResultColumn{{Expr: &syntax.Binary{Op: "+", Left: highest, Right: syntax.Lit(1)}}},
		From:    []syntax.Source{&syntax.Table{Schema: "temp", Name: info.View()}},
	}}
}

func identityMatch() syntax.Expr {
	return syntax.Eq(syntax.Col("rowid"), &syntax.Bind{Name: identityParam})
}

// identitySelect selects the identities of the rows a predicate matches.
func (rw *rewriter) identitySelect(info *Info, where syntax.Expr, order []syntax.OrderingTerm, limit, offset syntax.Expr) piece {
	return newPiece(&syntax.Select{
		Columns: []syntax.ResultColumn{{Expr: syntax.Col("rowid")}},
		From:    []syntax.Source{&syntax.Table{Schema: "temp", Name: info.View(), Alias: info.Table()}},
		Where:   rw.tamperExpr(where),
		OrderBy: rw.tamperOrder(order),
		Limit:   rw.tamperExpr(limit),
		Offset:  rw.tamperExpr(offset),
	})
}

// toSource requalifies top-level references to the target as references
// to the source table.
func toSource(info *Info, e syntax.Expr) syntax.Expr {
	if e == nil {
		return nil
	}
	return syntax.Rewrite(e, func(n syntax.Node) syntax.Node {
		if c, ok := n.(*syntax.Column); ok && c.Table == info.Table() && isMainSchema(c.Schema) {
			c.Schema = info.SourceSchema()
			c.Table = info.SourceTable()
		}
		return n
	}).(syntax.Expr)
}

func (rw *rewriter) compileUpdate(s *syntax.Update) (*plan, error) {
	bt := rw.lookup(s.Schema, s.Table)
	if bt == nil {
		if len(rw.tables) == 0 {
			return &plan{kind: planDirect, main: passthrough(s)}, nil
		}
		return &plan{kind: planDirect, main: newPiece(rw.tamper(s))}, nil
	}
	info := bt.info

	target := &syntax.Update{Conflict: s.Conflict, Schema: "main", Table: info.Table()}
	source := &syntax.Update{Conflict: s.Conflict, Schema: info.SourceSchema(), Table: info.SourceTable()}
	relocate := false
	for _, a := range s.Set {
		v := rw.tamperExpr(a.Value)
		target.Set = append(target.Set, syntax.Assignment{Column: a.Column, Value: v})
		source.Set = append(source.Set, syntax.Assignment{Column: a.Column, Value: toSource(info, v)})
		if bt.tmpl != nil && !bt.tmpl.inSource(a.Column) {
			relocate = true
		}
	}

	if relocate {
		// The source cannot hold the new value, so matched rows move into
		// the target and are updated there.
		target.Where = identityMatch()
		return &plan{
			kind:   planKeyed,
			main:   rw.identitySelect(info, s.Where, s.OrderBy, s.Limit, s.Offset),
			pieces: []piece{newPiece(target)},
			insert: &insertPlan{info: info, tmpl: bt.tmpl, explicit: true, relocate: true},
		}, nil
	}
	if s.Where == nil && len(s.OrderBy) == 0 && s.Limit == nil {
		return &plan{kind: planSequence, pieces: []piece{newPiece(target), newPiece(source)}}, nil
	}
	target.Where = identityMatch()
	source.Where = identityMatch()
	return &plan{
		kind:   planKeyed,
		main:   rw.identitySelect(info, s.Where, s.OrderBy, s.Limit, s.Offset),
		pieces: []piece{newPiece(source), newPiece(target)},
	}, nil
}

func (rw *rewriter) compileDelete(s *syntax.Delete) (*plan, error) {
	bt := rw.lookup(s.Schema, s.Table)
	if bt == nil {
		if len(rw.tables) == 0 {
			return &plan{kind: planDirect, main: passthrough(s)}, nil
		}
		return &plan{kind: planDirect, main: newPiece(rw.tamper(s))}, nil
	}
	info := bt.info

	target := &syntax.Delete{Schema: "main", Table: info.Table()}
	source := &syntax.Delete{Schema: info.SourceSchema(), Table: info.SourceTable()}
	if s.Where == nil && len(s.OrderBy) == 0 && s.Limit == nil {
		return &plan{kind: planSequence, pieces: []piece{newPiece(target), newPiece(source)}}, nil
	}
	target.Where = identityMatch()
	source.Where = identityMatch()
	return &plan{
		kind:   planKeyed,
		main:   rw.identitySelect(info, s.Where, s.OrderBy, s.Limit, s.Offset),
		pieces: []piece{newPiece(source), newPiece(target)},
	}, nil
}

func (rw *rewriter) compileDrop(s *syntax.DropTable) (*plan, error) {
	bt := rw.lookup(s.Schema, s.Name)
	if bt == nil {
		return &plan{kind: planDirect, main: passthrough(s)}, nil
	}
	info := bt.info
	return &plan{
		kind: planSequence,
		pieces: []piece{
			newPiece(&syntax.DropTable{IfExists: s.IfExists, Schema: "main", Name: info.Table()}),
			newPiece(&syntax.Delete{Schema: info.SourceSchema(), Table: info.SourceTable()}),
		},
		dropped: info.Table(),
	}, nil
}

func (rw *rewriter) compileAlter(s *syntax.AlterTable) (*plan, error) {
	bt := rw.lookup(s.Schema, s.Table)
	if bt == nil {
		return &plan{kind: planDirect, main: passthrough(s)}, nil
	}
	if s.RenameTo != "" {
		return nil, fmt.Errorf("%w: cannot rename migrating table %s", ErrUnsupportedStatement, s.Table)
	}
	info := bt.info
	target := *s
	target.Schema = "main"
	source := *s
	source.Schema = info.SourceSchema()
	source.Table = info.SourceTable()
	// The connection's own view would fail the schema check of the ALTER.
	return &plan{
		kind: planSequence,
		pieces: []piece{
			newPiece(&syntax.Raw{SQL: info.DropViewSQL()}),
			newPiece(&target),
			newPiece(&source),
		},
		altered: info.Table(),
	}, nil
}
