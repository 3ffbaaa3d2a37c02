package syntax

// Inspect traverses n depth-first, calling f for every node. If f returns
// false the children of that node are skipped.
func Inspect(n Node, f func(Node) bool) {
	if n == nil || isNilNode(n) || !f(n) {
		return
	}
	for _, c := range children(n) {
		Inspect(c, f)
	}
}

// Rewrite returns a copy of n in which every node has been passed through
// fn bottom-up. fn receives a shallow copy whose children are already
// rewritten, and returns the node to use in its place. The input tree is
// never modified.
func Rewrite(n Node, fn func(Node) Node) Node {
	if n == nil || isNilNode(n) {
		return n
	}
	return fn(rebuild(n, fn))
}

// RewriteStatement is Rewrite for statements.
func RewriteStatement(s Statement, fn func(Node) Node) Statement {
	return Rewrite(s, fn).(Statement)
}

func isNilNode(n Node) bool {
	switch n := n.(type) {
	case *Select:
		return n == nil
	case *Table:
		return n == nil
	}
	return false
}

func children(n Node) []Node {
	var out []Node
	addExpr := func(e Expr) {
		if e != nil {
			out = append(out, e)
		}
	}
	switch n := n.(type) {
	case *Binary:
		addExpr(n.Left)
		addExpr(n.Right)
	case *Unary:
		addExpr(n.Operand)
	case *Func:
		for _, a := range n.Args {
			addExpr(a)
		}
	case *In:
		addExpr(n.Expr)
		for _, e := range n.List {
			addExpr(e)
		}
		if n.Select != nil {
			out = append(out, n.Select)
		}
		if n.Table != nil {
			out = append(out, n.Table)
		}
	case *Exists:
		out = append(out, n.Select)
	case *Subquery:
		out = append(out, n.Select)
	case *SubquerySource:
		out = append(out, n.Select)
	case *Join:
		out = append(out, n.Left, n.Right)
		addExpr(n.On)
	case *Select:
		for _, c := range n.Columns {
			addExpr(c.Expr)
		}
		for _, s := range n.From {
			out = append(out, s)
		}
		addExpr(n.Where)
		for _, e := range n.GroupBy {
			addExpr(e)
		}
		addExpr(n.Having)
		for _, o := range n.OrderBy {
			addExpr(o.Expr)
		}
		addExpr(n.Limit)
		addExpr(n.Offset)
	case *Insert:
		for _, row := range n.Values {
			for _, e := range row {
				addExpr(e)
			}
		}
		if n.Select != nil {
			out = append(out, n.Select)
		}
	case *Update:
		for _, a := range n.Set {
			addExpr(a.Value)
		}
		addExpr(n.Where)
		for _, o := range n.OrderBy {
			addExpr(o.Expr)
		}
		addExpr(n.Limit)
		addExpr(n.Offset)
	case *Delete:
		addExpr(n.Where)
		for _, o := range n.OrderBy {
			addExpr(o.Expr)
		}
		addExpr(n.Limit)
		addExpr(n.Offset)
	case *CreateTable:
		if n.As != nil {
			out = append(out, n.As)
		}
	}
	return out
}

func rebuild(n Node, fn func(Node) Node) Node {
	expr := func(e Expr) Expr {
		if e == nil {
			return nil
		}
		return Rewrite(e, fn).(Expr)
	}
	exprs := func(es []Expr) []Expr {
		if es == nil {
			return nil
		}
		out := make([]Expr, len(es))
		for i, e := range es {
			out[i] = expr(e)
		}
		return out
	}
	sel := func(s *Select) *Select {
		if s == nil {
			return nil
		}
		return Rewrite(s, fn).(*Select)
	}
	order := func(os []OrderingTerm) []OrderingTerm {
		if os == nil {
			return nil
		}
		out := make([]OrderingTerm, len(os))
		for i, o := range os {
			out[i] = OrderingTerm{Expr: expr(o.Expr), Desc: o.Desc}
		}
		return out
	}

	switch n := n.(type) {
	case *Literal:
		c := *n
		return &c
	case *Column:
		c := *n
		return &c
	case *Bind:
		c := *n
		return &c
	case *Binary:
		return &Binary{Op: n.Op, Left: expr(n.Left), Right: expr(n.Right)}
	case *Unary:
		return &Unary{Op: n.Op, Operand: expr(n.Operand), Postfix: n.Postfix}
	case *Func:
		return &Func{Name: n.Name, Args: exprs(n.Args), Distinct: n.Distinct, Star: n.Star}
	case *In:
		c := &In{Expr: expr(n.Expr), Not: n.Not, List: exprs(n.List), Select: sel(n.Select)}
		if n.Table != nil {
			c.Table = Rewrite(n.Table, fn).(*Table)
		}
		return c
	case *Exists:
		return &Exists{Not: n.Not, Select: sel(n.Select)}
	case *Subquery:
		return &Subquery{Select: sel(n.Select)}
	case *Table:
		c := *n
		return &c
	case *SubquerySource:
		return &SubquerySource{Select: sel(n.Select), Alias: n.Alias}
	case *Join:
		return &Join{
			Left:  Rewrite(n.Left, fn).(Source),
			Right: Rewrite(n.Right, fn).(Source),
			Kind:  n.Kind,
			On:    expr(n.On),
		}
	case *Select:
		c := &Select{
			Distinct: n.Distinct,
			Where:    expr(n.Where),
			GroupBy:  exprs(n.GroupBy),
			Having:   expr(n.Having),
			OrderBy:  order(n.OrderBy),
			Limit:    expr(n.Limit),
			Offset:   expr(n.Offset),
		}
		for _, rc := range n.Columns {
			c.Columns = append(c.Columns, ResultColumn{Expr: expr(rc.Expr), Alias: rc.Alias, Star: rc.Star, Table: rc.Table})
		}
		for _, s := range n.From {
			c.From = append(c.From, Rewrite(s, fn).(Source))
		}
		return c
	case *Insert:
		c := *n
		c.Columns = append([]string(nil), n.Columns...)
		c.Values = nil
		for _, row := range n.Values {
			c.Values = append(c.Values, exprs(row))
		}
		c.Select = sel(n.Select)
		return &c
	case *Update:
		c := *n
		c.Set = nil
		for _, a := range n.Set {
			c.Set = append(c.Set, Assignment{Column: a.Column, Value: expr(a.Value)})
		}
		c.Where = expr(n.Where)
		c.OrderBy = order(n.OrderBy)
		c.Limit = expr(n.Limit)
		c.Offset = expr(n.Offset)
		return &c
	case *Delete:
		c := *n
		c.Where = expr(n.Where)
		c.OrderBy = order(n.OrderBy)
		c.Limit = expr(n.Limit)
		c.Offset = expr(n.Offset)
		return &c
	case *CreateTable:
		c := *n
		c.Columns = append([]ColumnDef(nil), n.Columns...)
		c.Constraints = append([]string(nil), n.Constraints...)
		c.As = sel(n.As)
		return &c
	case *DropTable:
		c := *n
		return &c
	case *AlterTable:
		c := *n
		if n.AddColumn != nil {
			def := *n.AddColumn
			c.AddColumn = &def
		}
		return &c
	case *Begin:
		c := *n
		return &c
	case *Commit:
		return &Commit{}
	case *Rollback:
		c := *n
		return &c
	case *Savepoint:
		c := *n
		return &c
	case *Release:
		c := *n
		return &c
	case *Raw:
		c := *n
		return &c
	}
	return n
}
