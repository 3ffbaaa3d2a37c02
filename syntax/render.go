package syntax

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Quote quotes an identifier for SQLite.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a string literal for SQLite.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QualifiedName renders schema.name, omitting an empty schema.
func QualifiedName(schema, name string) string {
	if schema == "" {
		return Quote(name)
	}
	return Quote(schema) + "." + Quote(name)
}

// String renders any node as SQL text.
func String(n Node) string {
	var b strings.Builder
	write(&b, n)
	return b.String()
}

func write(b *strings.Builder, n Node) {
	switch n := n.(type) {
	case *Literal:
		b.WriteString(literal(n.Value))
	case *Column:
		if n.Schema != "" {
			b.WriteString(Quote(n.Schema))
			b.WriteByte('.')
		}
		if n.Table != "" {
			b.WriteString(Quote(n.Table))
			b.WriteByte('.')
		}
		b.WriteString(quoteColumn(n.Name))
	case *Bind:
		switch {
		case n.Name != "":
			b.WriteByte(':')
			b.WriteString(n.Name)
		case n.Index > 0:
			b.WriteByte('?')
			b.WriteString(strconv.Itoa(n.Index))
		default:
			b.WriteByte('?')
		}
	case *Binary:
		b.WriteByte('(')
		write(b, n.Left)
		b.WriteByte(' ')
		b.WriteString(n.Op)
		b.WriteByte(' ')
		write(b, n.Right)
		b.WriteByte(')')
	case *Unary:
		b.WriteByte('(')
		if n.Postfix {
			write(b, n.Operand)
			b.WriteByte(' ')
			b.WriteString(n.Op)
		} else {
			b.WriteString(n.Op)
			if isWordOp(n.Op) {
				b.WriteByte(' ')
			}
			write(b, n.Operand)
		}
		b.WriteByte(')')
	case *Func:
		b.WriteString(n.Name)
		b.WriteByte('(')
		if n.Star {
			b.WriteByte('*')
		} else {
			if n.Distinct {
				b.WriteString("DISTINCT ")
			}
			writeExprs(b, n.Args)
		}
		b.WriteByte(')')
	case *In:
		b.WriteByte('(')
		write(b, n.Expr)
		if n.Not {
			b.WriteString(" NOT")
		}
		b.WriteString(" IN ")
		switch {
		case n.Select != nil:
			b.WriteByte('(')
			write(b, n.Select)
			b.WriteByte(')')
		case n.Table != nil:
			b.WriteString(QualifiedName(n.Table.Schema, n.Table.Name))
		default:
			b.WriteByte('(')
			writeExprs(b, n.List)
			b.WriteByte(')')
		}
		b.WriteByte(')')
	case *Exists:
		b.WriteByte('(')
		if n.Not {
			b.WriteString("NOT ")
		}
		b.WriteString("EXISTS (")
		write(b, n.Select)
		b.WriteString("))")
	case *Subquery:
		b.WriteByte('(')
		write(b, n.Select)
		b.WriteByte(')')
	case *Table:
		b.WriteString(QualifiedName(n.Schema, n.Name))
		if n.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(Quote(n.Alias))
		}
	case *SubquerySource:
		b.WriteByte('(')
		write(b, n.Select)
		b.WriteByte(')')
		if n.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(Quote(n.Alias))
		}
	case *Join:
		write(b, n.Left)
		b.WriteByte(' ')
		if n.Kind == "" {
			b.WriteString("JOIN")
		} else {
			b.WriteString(n.Kind)
		}
		b.WriteByte(' ')
		write(b, n.Right)
		if n.On != nil {
			b.WriteString(" ON ")
			write(b, n.On)
		}
	case *Select:
		writeSelect(b, n)
	case *Insert:
		writeInsert(b, n)
	case *Update:
		b.WriteString("UPDATE ")
		if n.Conflict != "" {
			b.WriteString("OR ")
			b.WriteString(n.Conflict)
			b.WriteByte(' ')
		}
		b.WriteString(QualifiedName(n.Schema, n.Table))
		b.WriteString(" SET ")
		for i, a := range n.Set {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteColumn(a.Column))
			b.WriteString(" = ")
			write(b, a.Value)
		}
		writeTail(b, n.Where, n.OrderBy, n.Limit, n.Offset)
	case *Delete:
		b.WriteString("DELETE FROM ")
		b.WriteString(QualifiedName(n.Schema, n.Table))
		writeTail(b, n.Where, n.OrderBy, n.Limit, n.Offset)
	case *CreateTable:
		writeCreateTable(b, n)
	case *DropTable:
		b.WriteString("DROP TABLE ")
		if n.IfExists {
			b.WriteString("IF EXISTS ")
		}
		b.WriteString(QualifiedName(n.Schema, n.Name))
	case *AlterTable:
		b.WriteString("ALTER TABLE ")
		b.WriteString(QualifiedName(n.Schema, n.Table))
		switch {
		case n.RenameTo != "":
			b.WriteString(" RENAME TO ")
			b.WriteString(Quote(n.RenameTo))
		case n.RenameColumn != "":
			b.WriteString(" RENAME COLUMN ")
			b.WriteString(Quote(n.RenameColumn))
			b.WriteString(" TO ")
			b.WriteString(Quote(n.ColumnTo))
		case n.AddColumn != nil:
			b.WriteString(" ADD COLUMN ")
			writeColumnDef(b, *n.AddColumn)
		case n.DropColumn != "":
			b.WriteString(" DROP COLUMN ")
			b.WriteString(Quote(n.DropColumn))
		}
	case *Begin:
		b.WriteString("BEGIN")
		if n.Mode != "" {
			b.WriteByte(' ')
			b.WriteString(n.Mode)
		}
	case *Commit:
		b.WriteString("COMMIT")
	case *Rollback:
		b.WriteString("ROLLBACK")
		if n.Savepoint != "" {
			b.WriteString(" TO ")
			b.WriteString(Quote(n.Savepoint))
		}
	case *Savepoint:
		b.WriteString("SAVEPOINT ")
		b.WriteString(Quote(n.Name))
	case *Release:
		b.WriteString("RELEASE ")
		b.WriteString(Quote(n.Name))
	case *Raw:
		b.WriteString(n.SQL)
	case nil:
	default:
		panic(fmt.Sprintf("syntax: unexpected node %T", n))
	}
}

func writeSelect(b *strings.Builder, s *Select) {
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(s.Columns) == 0 {
		b.WriteByte('*')
	}
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		switch {
		case c.Star && c.Table != "":
			b.WriteString(Quote(c.Table))
			b.WriteString(".*")
		case c.Star:
			b.WriteByte('*')
		default:
			write(b, c.Expr)
			if c.Alias != "" {
				b.WriteString(" AS ")
				b.WriteString(Quote(c.Alias))
			}
		}
	}
	if len(s.From) > 0 {
		b.WriteString(" FROM ")
		for i, src := range s.From {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, src)
		}
	}
	if s.Where != nil {
		b.WriteString(" WHERE ")
		write(b, s.Where)
	}
	if len(s.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		writeExprs(b, s.GroupBy)
	}
	if s.Having != nil {
		b.WriteString(" HAVING ")
		write(b, s.Having)
	}
	writeTail(b, nil, s.OrderBy, s.Limit, s.Offset)
}

func writeInsert(b *strings.Builder, n *Insert) {
	b.WriteString("INSERT ")
	if n.Conflict != "" {
		b.WriteString("OR ")
		b.WriteString(n.Conflict)
		b.WriteByte(' ')
	}
	b.WriteString("INTO ")
	b.WriteString(QualifiedName(n.Schema, n.Table))
	if len(n.Columns) > 0 {
		b.WriteByte('(')
		for i, c := range n.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteColumn(c))
		}
		b.WriteByte(')')
	}
	switch {
	case n.DefaultValues:
		b.WriteString(" DEFAULT VALUES")
	case n.Select != nil:
		b.WriteByte(' ')
		write(b, n.Select)
	default:
		b.WriteString(" VALUES")
		for i, row := range n.Values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('(')
			writeExprs(b, row)
			b.WriteByte(')')
		}
	}
}

func writeCreateTable(b *strings.Builder, n *CreateTable) {
	b.WriteString("CREATE ")
	if n.Temp {
		b.WriteString("TEMP ")
	}
	b.WriteString("TABLE ")
	if n.IfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(QualifiedName(n.Schema, n.Name))
	if n.As != nil {
		b.WriteString(" AS ")
		write(b, n.As)
		return
	}
	b.WriteByte('(')
	for i, c := range n.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		writeColumnDef(b, c)
	}
	for _, c := range n.Constraints {
		b.WriteString(", ")
		b.WriteString(c)
	}
	b.WriteByte(')')
	if n.WithoutRowID {
		b.WriteString(" WITHOUT ROWID")
	}
}

func writeColumnDef(b *strings.Builder, c ColumnDef) {
	b.WriteString(Quote(c.Name))
	if c.Type != "" {
		b.WriteByte(' ')
		b.WriteString(c.Type)
	}
	if c.Constraint != "" {
		b.WriteByte(' ')
		b.WriteString(c.Constraint)
	}
}

func writeTail(b *strings.Builder, where Expr, orderBy []OrderingTerm, limit, offset Expr) {
	if where != nil {
		b.WriteString(" WHERE ")
		write(b, where)
	}
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, o.Expr)
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	if limit != nil {
		b.WriteString(" LIMIT ")
		write(b, limit)
		if offset != nil {
			b.WriteString(" OFFSET ")
			write(b, offset)
		}
	}
}

func writeExprs(b *strings.Builder, exprs []Expr) {
	for i, e := range exprs {
		if i > 0 {
			b.WriteString(", ")
		}
		write(b, e)
	}
}

// quoteColumn leaves rowid unquoted so it keeps its rowid meaning.
func quoteColumn(name string) string {
	if strings.EqualFold(name, "rowid") {
		return "rowid"
	}
	return Quote(name)
}

func isWordOp(op string) bool {
	for _, r := range op {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return op != ""
}

func literal(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case string:
		return QuoteString(v)
	case []byte:
		return "X'" + hex.EncodeToString(v) + "'"
	default:
		return QuoteString(fmt.Sprint(v))
	}
}
