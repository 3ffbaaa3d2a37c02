package syntax

import (
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want string
	}{
		{
			"select star",
			&Select{From: []Source{From("messages")}},
			`SELECT * FROM "messages"`,
		},
		{
			"select where order limit",
			&Select{
				Columns: []ResultColumn{{Expr: Col("rowid")}, {Expr: Col("content"), Alias: "c"}},
				From:    []Source{&Table{Schema: "main", Name: "messages", Alias: "m"}},
				Where:   Eq(&Column{Table: "m", Name: "id"}, Param(1)),
				OrderBy: []OrderingTerm{{Expr: Col("id"), Desc: true}},
				Limit:   Lit(10),
				Offset:  Lit(int64(5)),
			},
			`SELECT rowid, "content" AS "c" FROM "main"."messages" AS "m" WHERE ("m"."id" = ?1) ORDER BY "id" DESC LIMIT 10 OFFSET 5`,
		},
		{
			"in subquery and exists",
			&Select{
				From: []Source{From("a")},
				Where: And(
					&In{Expr: Col("id"), Select: &Select{Columns: []ResultColumn{{Expr: Col("aid")}}, From: []Source{From("b")}}},
					&Exists{Not: true, Select: &Select{From: []Source{From("c")}}},
				),
			},
			`SELECT * FROM "a" WHERE (("id" IN (SELECT "aid" FROM "b")) AND (NOT EXISTS (SELECT * FROM "c")))`,
		},
		{
			"join and function",
			&Select{
				Columns: []ResultColumn{{Expr: &Func{Name: "count", Star: true}}, {Star: true, Table: "a"}},
				From: []Source{&Join{
					Left:  From("a"),
					Right: From("b"),
					Kind:  "LEFT JOIN",
					On:    Eq(&Column{Table: "a", Name: "id"}, &Column{Table: "b", Name: "aid"}),
				}},
				GroupBy: []Expr{&Column{Table: "a", Name: "id"}},
			},
			`SELECT count(*), "a".* FROM "a" LEFT JOIN "b" ON ("a"."id" = "b"."aid") GROUP BY "a"."id"`,
		},
		{
			"insert values",
			&Insert{Conflict: "REPLACE", Table: "t", Columns: []string{"a", "b"}, Values: [][]Expr{{Param(1), Lit("it's")}}},
			`INSERT OR REPLACE INTO "t"("a", "b") VALUES(?1, 'it''s')`,
		},
		{
			"insert named bind and blob",
			&Insert{Schema: "s", Table: "t", Columns: []string{"rowid", "b"}, Values: [][]Expr{{&Bind{Name: "wcdb_identity"}, Lit([]byte{0xab, 0x01})}}},
			`INSERT INTO "s"."t"(rowid, "b") VALUES(:wcdb_identity, X'ab01')`,
		},
		{
			"update",
			&Update{Table: "t", Set: []Assignment{{Column: "a", Value: &Binary{Op: "+", Left: Col("a"), Right: Lit(1)}}}, Where: &Unary{Op: "ISNULL", Operand: Col("b"), Postfix: true}},
			`UPDATE "t" SET "a" = ("a" + 1) WHERE ("b" ISNULL)`,
		},
		{
			"delete",
			&Delete{Schema: "main", Table: "t", Where: &Unary{Op: "NOT", Operand: Col("done")}},
			`DELETE FROM "main"."t" WHERE (NOT "done")`,
		},
		{
			"create table",
			&CreateTable{IfNotExists: true, Name: "t", Columns: []ColumnDef{{Name: "id", Type: "INTEGER", Constraint: "PRIMARY KEY"}, {Name: "v", Type: "TEXT"}}, Constraints: []string{"UNIQUE(v)"}},
			`CREATE TABLE IF NOT EXISTS "t"("id" INTEGER PRIMARY KEY, "v" TEXT, UNIQUE(v))`,
		},
		{
			"create table as",
			&CreateTable{Temp: true, Name: "t2", As: &Select{From: []Source{From("t")}}},
			`CREATE TEMP TABLE "t2" AS SELECT * FROM "t"`,
		},
		{"drop", &DropTable{IfExists: true, Schema: "s", Name: "t"}, `DROP TABLE IF EXISTS "s"."t"`},
		{"alter add", &AlterTable{Table: "t", AddColumn: &ColumnDef{Name: "c", Type: "INTEGER", Constraint: "DEFAULT 0"}}, `ALTER TABLE "t" ADD COLUMN "c" INTEGER DEFAULT 0`},
		{"alter rename column", &AlterTable{Table: "t", RenameColumn: "a", ColumnTo: "b"}, `ALTER TABLE "t" RENAME COLUMN "a" TO "b"`},
		{"alter drop column", &AlterTable{Table: "t", DropColumn: "a"}, `ALTER TABLE "t" DROP COLUMN "a"`},
		{"begin", &Begin{Mode: "IMMEDIATE"}, `BEGIN IMMEDIATE`},
		{"rollback to", &Rollback{Savepoint: "sp"}, `ROLLBACK TO "sp"`},
		{"literals", &Func{Name: "coalesce", Args: []Expr{Lit(nil), Lit(true), Lit(2.0), Lit(1.25)}}, `coalesce(NULL, 1, 2.0, 1.25)`},
		{"quoted identifier", Col(`we"ird`), `"we""ird"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := String(tt.node); got != tt.want {
				t.Errorf("String() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestRewriteDoesNotMutateInput(t *testing.T) {
	orig := &Select{
		From:  []Source{From("a")},
		Where: &In{Expr: Col("id"), Table: From("b")},
	}
	before := String(orig)

	out := RewriteStatement(orig, func(n Node) Node {
		if tbl, ok := n.(*Table); ok {
			tbl.Schema = "temp"
			tbl.Name = "v_" + tbl.Name
		}
		return n
	})

	if got := String(orig); got != before {
		t.Fatalf("input mutated: %s", got)
	}
	want := `SELECT * FROM "temp"."v_a" WHERE ("id" IN "temp"."v_b")`
	if got := String(out); got != want {
		t.Errorf("rewritten = %s, want %s", got, want)
	}
}

func TestInspectVisitsNestedTables(t *testing.T) {
	stmt := &Update{
		Table: "t",
		Set:   []Assignment{{Column: "a", Value: &Subquery{Select: &Select{From: []Source{From("x")}}}}},
		Where: &Exists{Select: &Select{From: []Source{&SubquerySource{Select: &Select{From: []Source{From("y")}}, Alias: "sq"}}}},
	}
	var names []string
	Inspect(stmt, func(n Node) bool {
		if tbl, ok := n.(*Table); ok {
			names = append(names, tbl.Name)
		}
		return true
	})
	if len(names) != 2 || names[0] != "x" || names[1] != "y" {
		t.Errorf("tables = %v, want [x y]", names)
	}
}
