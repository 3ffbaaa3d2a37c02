// Package syntax holds the parsed statement tree consumed by the migration
// rewriter, and renders it back to SQLite SQL text.
//
// The tree is a closed sum type: every node implements Node plus exactly one
// of Statement, Expr or Source, and consumers switch over the concrete types.
package syntax

// Node is implemented by every tree element.
type Node interface {
	node()
}

// Statement is a complete SQL statement.
type Statement interface {
	Node
	statement()
}

// Expr is a scalar expression.
type Expr interface {
	Node
	expr()
}

// Source is a table-or-subquery in a FROM clause.
type Source interface {
	Node
	source()
}

// --- Expressions ---

// Literal is a constant: nil, bool, int, int64, float64, string or []byte.
type Literal struct {
	Value any
}

// Column references a column, optionally qualified by table and schema.
type Column struct {
	Schema string
	Table  string
	Name   string
}

// Bind is a bind parameter. Index > 0 renders as ?N, a non-empty Name as
// :Name, and the zero value as a bare ?.
type Bind struct {
	Index int
	Name  string
}

// Binary is a binary operator such as =, AND, +, LIKE or IS.
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

// Unary is a prefix operator (NOT, -, ~) or, when Postfix is set, a postfix
// one (ISNULL, NOTNULL).
type Unary struct {
	Op      string
	Operand Expr
	Postfix bool
}

// Func is a function call. Star renders count(*).
type Func struct {
	Name     string
	Args     []Expr
	Distinct bool
	Star     bool
}

// In is "x [NOT] IN (...)". Exactly one of List, Select or Table is set.
type In struct {
	Expr   Expr
	Not    bool
	List   []Expr
	Select *Select
	Table  *Table
}

// Exists is "[NOT] EXISTS (select)".
type Exists struct {
	Not    bool
	Select *Select
}

// Subquery is a scalar subquery.
type Subquery struct {
	Select *Select
}

// --- Sources ---

// Table is a table or view reference.
type Table struct {
	Schema string
	Name   string
	Alias  string
}

// SubquerySource is "(select) AS alias" in a FROM clause.
type SubquerySource struct {
	Select *Select
	Alias  string
}

// Join joins two sources. An empty Kind renders as JOIN.
type Join struct {
	Left  Source
	Right Source
	Kind  string
	On    Expr
}

// --- Statements ---

// ResultColumn is one item of a select list. Star renders * (or Table.*).
type ResultColumn struct {
	Expr  Expr
	Alias string
	Star  bool
	Table string
}

// OrderingTerm is one ORDER BY item.
type OrderingTerm struct {
	Expr Expr
	Desc bool
}

// Select is a simple (non-compound) SELECT.
type Select struct {
	Distinct bool
	Columns  []ResultColumn
	From     []Source
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderingTerm
	Limit    Expr
	Offset   Expr
}

// Insert is INSERT [OR conflict] INTO. Exactly one of Values, Select or
// DefaultValues is used.
type Insert struct {
	Conflict      string
	Schema        string
	Table         string
	Columns       []string
	Values        [][]Expr
	Select        *Select
	DefaultValues bool
}

// Assignment is one "column = value" of an UPDATE.
type Assignment struct {
	Column string
	Value  Expr
}

// Update is UPDATE [OR conflict].
type Update struct {
	Conflict string
	Schema   string
	Table    string
	Set      []Assignment
	Where    Expr
	OrderBy  []OrderingTerm
	Limit    Expr
	Offset   Expr
}

// Delete is DELETE FROM.
type Delete struct {
	Schema  string
	Table   string
	Where   Expr
	OrderBy []OrderingTerm
	Limit   Expr
	Offset  Expr
}

// ColumnDef is a column definition; Type and Constraint are raw SQL.
type ColumnDef struct {
	Name       string
	Type       string
	Constraint string
}

// CreateTable is CREATE TABLE, either with definitions or AS SELECT.
type CreateTable struct {
	Temp         bool
	IfNotExists  bool
	Schema       string
	Name         string
	Columns      []ColumnDef
	Constraints  []string
	WithoutRowID bool
	As           *Select
}

// DropTable is DROP TABLE.
type DropTable struct {
	IfExists bool
	Schema   string
	Name     string
}

// AlterTable is ALTER TABLE. Exactly one action field is set.
type AlterTable struct {
	Schema       string
	Table        string
	RenameTo     string
	RenameColumn string
	ColumnTo     string
	AddColumn    *ColumnDef
	DropColumn   string
}

// Begin starts a transaction; Mode is "", DEFERRED, IMMEDIATE or EXCLUSIVE.
type Begin struct {
	Mode string
}

// Commit ends a transaction.
type Commit struct{}

// Rollback aborts a transaction, or rolls back to Savepoint when set.
type Rollback struct {
	Savepoint string
}

// Savepoint opens a named savepoint.
type Savepoint struct {
	Name string
}

// Release releases a named savepoint.
type Release struct {
	Name string
}

// Raw is passed to the engine untouched and never rewritten.
type Raw struct {
	SQL string
}

func (*Literal) node()        {}
func (*Column) node()         {}
func (*Bind) node()           {}
func (*Binary) node()         {}
func (*Unary) node()          {}
func (*Func) node()           {}
func (*In) node()             {}
func (*Exists) node()         {}
func (*Subquery) node()       {}
func (*Table) node()          {}
func (*SubquerySource) node() {}
func (*Join) node()           {}
func (*Select) node()         {}
func (*Insert) node()         {}
func (*Update) node()         {}
func (*Delete) node()         {}
func (*CreateTable) node()    {}
func (*DropTable) node()      {}
func (*AlterTable) node()     {}
func (*Begin) node()          {}
func (*Commit) node()         {}
func (*Rollback) node()       {}
func (*Savepoint) node()      {}
func (*Release) node()        {}
func (*Raw) node()            {}

func (*Literal) expr()  {}
func (*Column) expr()   {}
func (*Bind) expr()     {}
func (*Binary) expr()   {}
func (*Unary) expr()    {}
func (*Func) expr()     {}
func (*In) expr()       {}
func (*Exists) expr()   {}
func (*Subquery) expr() {}

func (*Table) source()          {}
func (*SubquerySource) source() {}
func (*Join) source()           {}

func (*Select) statement()      {}
func (*Insert) statement()      {}
func (*Update) statement()      {}
func (*Delete) statement()      {}
func (*CreateTable) statement() {}
func (*DropTable) statement()   {}
func (*AlterTable) statement()  {}
func (*Begin) statement()       {}
func (*Commit) statement()      {}
func (*Rollback) statement()    {}
func (*Savepoint) statement()   {}
func (*Release) statement()     {}
func (*Raw) statement()         {}

// Col is shorthand for an unqualified column reference.
func Col(name string) *Column { return &Column{Name: name} }

// Lit is shorthand for a literal.
func Lit(v any) *Literal { return &Literal{Value: v} }

// Param is shorthand for the numbered bind ?N.
func Param(n int) *Bind { return &Bind{Index: n} }

// Eq is shorthand for l = r.
func Eq(l, r Expr) *Binary { return &Binary{Op: "=", Left: l, Right: r} }

// And is shorthand for l AND r.
func And(l, r Expr) *Binary { return &Binary{Op: "AND", Left: l, Right: r} }

// From is shorthand for a single-table source.
func From(name string) *Table { return &Table{Name: name} }
