package wcdb

import (
	"errors"
	"strings"
	"testing"

	"github.com/Tencent/wcdb-sub005/syntax"
)

// boundFixture returns a bound table "messages" migrating from "old" in
// another database, with the view template already built.
func boundFixture(cfg TableConfig, cols ...string) map[string]*boundTable {
	if len(cols) == 0 {
		cols = []string{"id", "content"}
	}
	src := NewSource("/data/old.db", nil, func(string) (string, bool) { return "old", true })
	info := newInfo("messages", "old", src, cfg)
	return map[string]*boundTable{
		"messages": {info: info, tmpl: info.templatesFor(cols, cols)},
	}
}

func TestCompileWithoutMigratingTables(t *testing.T) {
	stmt := &syntax.Select{From: []syntax.Source{syntax.From("messages")}, Where: syntax.Eq(syntax.Col("id"), &syntax.Bind{Name: "named"})}
	p, err := compile(stmt, nil)
	if err != nil {
		t.Fatalf("compile() error: %v", err)
	}
	if p.kind != planDirect || p.main.maxBind != -1 {
		t.Fatalf("plan = %+v, want passthrough", p)
	}
	if got, want := p.main.sql, `SELECT * FROM "messages" WHERE ("id" = :named)`; got != want {
		t.Errorf("sql = %s, want %s", got, want)
	}
}

func TestCompileSelect(t *testing.T) {
	tables := boundFixture(TableConfig{})
	schema := tables["messages"].info.SourceSchema()

	tests := []struct {
		name string
		stmt *syntax.Select
		want string
	}{
		{
			name: "star expands to target columns",
			stmt: &syntax.Select{From: []syntax.Source{syntax.From("messages")}, Where: syntax.Eq(syntax.Col("id"), syntax.Param(1))},
			want: `SELECT "messages"."id" AS "id", "messages"."content" AS "content" FROM "temp"."wcdb_union_messages" AS "messages" WHERE ("id" = ?1)`,
		},
		{
			name: "alias is kept",
			stmt: &syntax.Select{
				Columns: []syntax.ResultColumn{{Expr: &syntax.Column{Table: "m", Name: "content"}}},
				From:    []syntax.Source{&syntax.Table{Schema: "main", Name: "messages", Alias: "m"}},
			},
			want: `SELECT "m"."content" FROM "temp"."wcdb_union_messages" AS "m"`,
		},
		{
			name: "schema qualified column loses its schema",
			stmt: &syntax.Select{
				Columns: []syntax.ResultColumn{{Expr: &syntax.Column{Schema: "main", Table: "messages", Name: "id"}}},
				From:    []syntax.Source{&syntax.Table{Schema: "main", Name: "messages"}},
			},
			want: `SELECT "messages"."id" FROM "temp"."wcdb_union_messages" AS "messages"`,
		},
		{
			name: "other schemas are left alone",
			stmt: &syntax.Select{From: []syntax.Source{&syntax.Table{Schema: schema, Name: "messages"}}},
			want: `SELECT * FROM "` + schema + `"."messages"`,
		},
		{
			name: "subquery tables are redirected",
			stmt: &syntax.Select{
				From:  []syntax.Source{syntax.From("users")},
				Where: &syntax.Exists{Select: &syntax.Select{Columns: []syntax.ResultColumn{{Expr: syntax.Lit(1)}}, From: []syntax.Source{syntax.From("messages")}}},
			},
			want: `SELECT * FROM "users" WHERE (EXISTS (SELECT 1 FROM "temp"."wcdb_union_messages" AS "messages"))`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := compile(tt.stmt, tables)
			if err != nil {
				t.Fatalf("compile() error: %v", err)
			}
			if p.kind != planDirect || !p.query {
				t.Fatalf("kind = %v, query = %v", p.kind, p.query)
			}
			if p.main.sql != tt.want {
				t.Errorf("sql =\n  %s\nwant\n  %s", p.main.sql, tt.want)
			}
		})
	}

	t.Run("in table selects the target columns", func(t *testing.T) {
		stmt := &syntax.Select{
			Columns: []syntax.ResultColumn{{Expr: syntax.Col("name")}},
			From:    []syntax.Source{syntax.From("users")},
			Where:   &syntax.In{Expr: syntax.Col("id"), Table: syntax.From("messages")},
		}
		p, err := compile(stmt, boundFixture(TableConfig{}, "id"))
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		want := `SELECT "name" FROM "users" WHERE ("id" IN (SELECT "id" FROM "temp"."wcdb_union_messages"))`
		if p.main.sql != want {
			t.Errorf("sql =\n  %s\nwant\n  %s", p.main.sql, want)
		}
	})
}

func TestCompileInsert(t *testing.T) {
	t.Run("rowid table gets the next identity", func(t *testing.T) {
		tables := boundFixture(TableConfig{})
		stmt := &syntax.Insert{Table: "messages", Columns: []string{"content"}, Values: [][]syntax.Expr{{syntax.Param(1)}}}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if p.kind != planInsert || p.insert.explicit || p.insert.auto() {
			t.Fatalf("plan = %+v", p)
		}
		schema := tables["messages"].info.SourceSchema()
		want := `INSERT INTO "` + schema + `"."old"(rowid, "content") VALUES((SELECT (COALESCE(max(rowid), 0) + 1) FROM "temp"."wcdb_union_messages"), ?1)`
		if p.main.sql != want {
			t.Errorf("sql =\n  %s\nwant\n  %s", p.main.sql, want)
		}
		if p.main.maxBind != 1 {
			t.Errorf("maxBind = %d, want 1", p.main.maxBind)
		}
		texts := p.texts()
		if len(texts) != 4 || !strings.HasPrefix(texts[2], `INSERT INTO "main"."messages"(rowid, "id", "content") SELECT ?1, "id", "content"`) {
			t.Errorf("texts = %q", texts)
		}
	})

	t.Run("explicit integer primary key", func(t *testing.T) {
		tables := boundFixture(TableConfig{IntegerPrimaryKey: "id", Autoincrement: true})
		stmt := &syntax.Insert{Conflict: "REPLACE", Table: "messages", Columns: []string{"id", "content"}, Values: [][]syntax.Expr{{syntax.Param(1), syntax.Param(2)}}}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if !p.insert.explicit || p.insert.auto() {
			t.Fatalf("explicit = %v, auto = %v", p.insert.explicit, p.insert.auto())
		}
		// A NULL key falls back to a fresh identity that also honours the
		// sequence.
		schema := tables["messages"].info.SourceSchema()
		want := `INSERT OR REPLACE INTO "` + schema + `"."old"(rowid, "content") VALUES(COALESCE(?1, ` +
			`(SELECT (max(COALESCE(max(rowid), 0), COALESCE((SELECT "seq" FROM "main"."sqlite_sequence" WHERE ("name" = 'messages')), 0)) + 1) ` +
			`FROM "temp"."wcdb_union_messages")), ?2)`
		if p.main.sql != want {
			t.Errorf("sql =\n  %s\nwant\n  %s", p.main.sql, want)
		}
		if !strings.HasPrefix(p.texts()[2], `INSERT OR REPLACE INTO "main"."messages"("id", "content") SELECT ?1,`) {
			t.Errorf("copy = %s", p.texts()[2])
		}
	})

	t.Run("autoincrement lets the target assign", func(t *testing.T) {
		tables := boundFixture(TableConfig{IntegerPrimaryKey: "id", Autoincrement: true})
		stmt := &syntax.Insert{Table: "messages", Columns: []string{"content"}, Values: [][]syntax.Expr{{syntax.Lit("hi")}}}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if !p.insert.auto() || strings.Contains(p.main.sql, "rowid") {
			t.Fatalf("sql = %s", p.main.sql)
		}
		if !strings.Contains(p.texts()[2], "SELECT NULL, ") {
			t.Errorf("copy = %s", p.texts()[2])
		}
	})

	t.Run("target only columns are set after relocation", func(t *testing.T) {
		tables := boundFixture(TableConfig{})
		bt := tables["messages"]
		bt.tmpl = bt.info.templatesFor([]string{"id", "content", "extra"}, []string{"id", "content"})
		stmt := &syntax.Insert{Table: "messages", Columns: []string{"content", "extra"}, Values: [][]syntax.Expr{{syntax.Param(1), syntax.Param(2)}}}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if strings.Contains(p.main.sql, "extra") || p.main.maxBind != 1 {
			t.Errorf("source insert = %s (maxBind %d)", p.main.sql, p.main.maxBind)
		}
		want := `UPDATE "main"."messages" SET "extra" = ?2 WHERE (rowid = :wcdb_identity)`
		if len(p.pieces) != 1 || p.pieces[0].sql != want || !p.pieces[0].identity || p.pieces[0].maxBind != 2 {
			t.Errorf("pieces = %+v, want %s", p.pieces, want)
		}
	})

	bad := []struct {
		name string
		stmt *syntax.Insert
	}{
		{"no column list", &syntax.Insert{Table: "messages", Values: [][]syntax.Expr{{syntax.Lit(1), syntax.Lit("a")}}}},
		{"multi row", &syntax.Insert{Table: "messages", Columns: []string{"content"}, Values: [][]syntax.Expr{{syntax.Lit("a")}, {syntax.Lit("b")}}}},
		{"select", &syntax.Insert{Table: "messages", Columns: []string{"content"}, Select: &syntax.Select{From: []syntax.Source{syntax.From("x")}}}},
		{"default values", &syntax.Insert{Table: "messages", Columns: []string{"content"}, DefaultValues: true}},
		{"count mismatch", &syntax.Insert{Table: "messages", Columns: []string{"id", "content"}, Values: [][]syntax.Expr{{syntax.Lit("a")}}}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(tt.stmt, boundFixture(TableConfig{}))
			if !errors.Is(err, ErrUnsupportedStatement) {
				t.Errorf("compile() error = %v, want ErrUnsupportedStatement", err)
			}
		})
	}
}

func TestCompileUpdateAndDelete(t *testing.T) {
	tables := boundFixture(TableConfig{})
	schema := tables["messages"].info.SourceSchema()
	src := `"` + schema + `"."old"`

	t.Run("update without clauses", func(t *testing.T) {
		stmt := &syntax.Update{Table: "messages", Set: []syntax.Assignment{{Column: "content", Value: syntax.Param(1)}}}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		want := []string{
			`UPDATE "main"."messages" SET "content" = ?1`,
			`UPDATE ` + src + ` SET "content" = ?1`,
		}
		if p.kind != planSequence || strings.Join(p.texts(), "\n") != strings.Join(want, "\n") {
			t.Errorf("texts = %q, want %q", p.texts(), want)
		}
	})

	t.Run("update with where", func(t *testing.T) {
		stmt := &syntax.Update{
			Table: "messages",
			Set:   []syntax.Assignment{{Column: "content", Value: &syntax.Column{Table: "messages", Name: "content"}}},
			Where: syntax.Eq(syntax.Col("id"), syntax.Param(2)),
		}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if p.kind != planKeyed {
			t.Fatalf("kind = %v", p.kind)
		}
		if want := `SELECT rowid FROM "temp"."wcdb_union_messages" AS "messages" WHERE ("id" = ?2)`; p.main.sql != want {
			t.Errorf("select = %s, want %s", p.main.sql, want)
		}
		if want := `UPDATE ` + src + ` SET "content" = ` + src + `."content" WHERE (rowid = :wcdb_identity)`; p.pieces[0].sql != want {
			t.Errorf("source = %s, want %s", p.pieces[0].sql, want)
		}
		if !p.pieces[1].identity || p.pieces[1].maxBind != 0 {
			t.Errorf("target piece = %+v", p.pieces[1])
		}
	})

	t.Run("update of a target only column relocates", func(t *testing.T) {
		tables := boundFixture(TableConfig{})
		bt := tables["messages"]
		bt.tmpl = bt.info.templatesFor([]string{"id", "content", "extra"}, []string{"id", "content"})
		stmt := &syntax.Update{Table: "messages", Set: []syntax.Assignment{{Column: "extra", Value: syntax.Param(1)}}}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if p.kind != planKeyed || p.insert == nil || !p.insert.relocate {
			t.Fatalf("plan = %+v", p)
		}
		want := []string{
			`SELECT rowid FROM "temp"."wcdb_union_messages" AS "messages"`,
			`UPDATE "main"."messages" SET "extra" = ?1 WHERE (rowid = :wcdb_identity)`,
			`INSERT INTO "main"."messages"(rowid, "id", "content", "extra") SELECT ?1, "id", "content", NULL FROM ` + src + ` WHERE rowid = ?2`,
			`DELETE FROM ` + src + ` WHERE rowid = ?1`,
		}
		if strings.Join(p.texts(), "\n") != strings.Join(want, "\n") {
			t.Errorf("texts =\n  %s\nwant\n  %s", strings.Join(p.texts(), "\n  "), strings.Join(want, "\n  "))
		}
	})

	t.Run("delete with limit", func(t *testing.T) {
		stmt := &syntax.Delete{Table: "messages", OrderBy: []syntax.OrderingTerm{{Expr: syntax.Col("id")}}, Limit: syntax.Lit(3)}
		p, err := compile(stmt, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		want := []string{
			`SELECT rowid FROM "temp"."wcdb_union_messages" AS "messages" ORDER BY "id" LIMIT 3`,
			`DELETE FROM ` + src + ` WHERE (rowid = :wcdb_identity)`,
			`DELETE FROM "main"."messages" WHERE (rowid = :wcdb_identity)`,
		}
		if p.kind != planKeyed || strings.Join(p.texts(), "\n") != strings.Join(want, "\n") {
			t.Errorf("texts = %q, want %q", p.texts(), want)
		}
	})

	t.Run("delete everything", func(t *testing.T) {
		p, err := compile(&syntax.Delete{Table: "messages"}, tables)
		if err != nil {
			t.Fatalf("compile() error: %v", err)
		}
		if p.kind != planSequence || len(p.pieces) != 2 {
			t.Errorf("plan = %+v", p)
		}
	})
}

func TestCompileSchemaChanges(t *testing.T) {
	tables := boundFixture(TableConfig{})
	schema := tables["messages"].info.SourceSchema()

	p, err := compile(&syntax.DropTable{Name: "messages"}, tables)
	if err != nil {
		t.Fatalf("compile(drop) error: %v", err)
	}
	want := []string{`DROP TABLE "main"."messages"`, `DELETE FROM "` + schema + `"."old"`}
	if strings.Join(p.texts(), "\n") != strings.Join(want, "\n") || p.dropped != "messages" {
		t.Errorf("drop texts = %q, dropped = %q", p.texts(), p.dropped)
	}

	p, err = compile(&syntax.AlterTable{Table: "messages", AddColumn: &syntax.ColumnDef{Name: "flag", Type: "INTEGER"}}, tables)
	if err != nil {
		t.Fatalf("compile(alter) error: %v", err)
	}
	want = []string{
		`DROP VIEW IF EXISTS "temp"."wcdb_union_messages"`,
		`ALTER TABLE "main"."messages" ADD COLUMN "flag" INTEGER`,
		`ALTER TABLE "` + schema + `"."old" ADD COLUMN "flag" INTEGER`,
	}
	if strings.Join(p.texts(), "\n") != strings.Join(want, "\n") || p.altered != "messages" {
		t.Errorf("alter texts = %q, altered = %q", p.texts(), p.altered)
	}

	_, err = compile(&syntax.AlterTable{Table: "messages", RenameTo: "archive"}, tables)
	if !errors.Is(err, ErrUnsupportedStatement) {
		t.Errorf("compile(rename) error = %v, want ErrUnsupportedStatement", err)
	}

	p, err = compile(&syntax.DropTable{Name: "other"}, tables)
	if err != nil || p.kind != planDirect {
		t.Errorf("compile(drop other) = %+v, %v", p, err)
	}
}

func TestCompileBinds(t *testing.T) {
	tables := boundFixture(TableConfig{})
	tests := []struct {
		name string
		bind *syntax.Bind
		want error
	}{
		{"reserved name", &syntax.Bind{Name: identityParam}, ErrBindCollision},
		{"index too high", &syntax.Bind{Index: maxUserBind}, ErrBindCollision},
		{"named", &syntax.Bind{Name: "content"}, ErrUnsupportedStatement},
		{"unnumbered", &syntax.Bind{}, ErrUnsupportedStatement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt := &syntax.Select{From: []syntax.Source{syntax.From("messages")}, Where: syntax.Eq(syntax.Col("id"), tt.bind)}
			if _, err := compile(stmt, tables); !errors.Is(err, tt.want) {
				t.Errorf("compile() error = %v, want %v", err, tt.want)
			}
		})
	}

	stmt := &syntax.Select{From: []syntax.Source{syntax.From("messages")}, Where: syntax.Eq(syntax.Col("id"), syntax.Param(maxUserBind-1))}
	if _, err := compile(stmt, tables); err != nil {
		t.Errorf("compile() with the highest user bind: %v", err)
	}
}

func TestArgsFor(t *testing.T) {
	args := []any{1, "a", 3}
	got, err := argsFor(piece{maxBind: 2, identity: true}, args, 7)
	if err != nil {
		t.Fatalf("argsFor() error: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != "a" {
		t.Errorf("argsFor() = %v", got)
	}
	if _, err := argsFor(piece{maxBind: 4}, args, 0); err == nil {
		t.Error("argsFor() accepted too few arguments")
	}
	if got, _ := argsFor(piece{maxBind: -1}, args, 0); len(got) != 3 {
		t.Errorf("passthrough args = %v", got)
	}
}
