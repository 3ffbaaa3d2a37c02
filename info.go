package wcdb

import (
	"strings"
	"sync"

	"github.com/Tencent/wcdb-sub005/syntax"
)

// IdentityKind says how a target table's row identity is addressed.
type IdentityKind int

const (
	// IdentityRowID is the implicit rowid.
	IdentityRowID IdentityKind = iota + 1
	// IdentityIntegerPrimaryKey is an INTEGER PRIMARY KEY aliasing the rowid.
	IdentityIntegerPrimaryKey
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityRowID:
		return "rowid"
	case IdentityIntegerPrimaryKey:
		return "integer primary key"
	}
	return "unknown"
}

// TableInfo names a target table and, once resolved, the source it
// migrates from.
type TableInfo struct {
	table       string
	sourceTable string
	source      *Source
}

// Table returns the target table name.
func (t *TableInfo) Table() string { return t.table }

// SourceTable returns the source table name, empty if unresolved.
func (t *TableInfo) SourceTable() string { return t.sourceTable }

// Source returns the owning source.
func (t *TableInfo) Source() *Source { return t.source }

// ShouldMigrate reports whether a source table was resolved.
func (t *TableInfo) ShouldMigrate() bool { return t.sourceTable != "" }

// SourceSchema returns the schema the source table lives in.
func (t *TableInfo) SourceSchema() string { return t.source.Schema() }

// IsCrossDatabase reports whether the source is another file.
func (t *TableInfo) IsCrossDatabase() bool { return t.source.IsCrossDatabase() }

// Info is the immutable descriptor of a migrating table. Statement templates
// depending on the column lists are built lazily and cached.
type Info struct {
	TableInfo
	identity          IdentityKind
	integerPrimaryKey string
	autoincrement     bool
	view              string

	mu    sync.Mutex
	cache *templates
}

func newInfo(table, sourceTable string, src *Source, cfg TableConfig) *Info {
	info := &Info{
		TableInfo:     TableInfo{table: table, sourceTable: sourceTable, source: src},
		identity:      IdentityRowID,
		autoincrement: cfg.Autoincrement,
		view:          viewPrefix + table,
	}
	if cfg.IntegerPrimaryKey != "" {
		info.identity = IdentityIntegerPrimaryKey
		info.integerPrimaryKey = cfg.IntegerPrimaryKey
	}
	return info
}

// Identity returns the identity kind of the target.
func (i *Info) Identity() IdentityKind { return i.identity }

// IntegerPrimaryKey returns the INTEGER PRIMARY KEY column, if any.
func (i *Info) IntegerPrimaryKey() string { return i.integerPrimaryKey }

// Autoincrement reports whether the target is AUTOINCREMENT.
func (i *Info) Autoincrement() bool { return i.autoincrement }

// View returns the name of the unioned temp view.
func (i *Info) View() string { return i.view }

func (i *Info) identityColumn() string {
	if i.identity == IdentityIntegerPrimaryKey {
		return i.integerPrimaryKey
	}
	return "rowid"
}

// isIdentityColumn reports whether name addresses the row identity.
func (i *Info) isIdentityColumn(name string) bool {
	switch strings.ToLower(name) {
	case "rowid", "oid", "_rowid_":
		return true
	}
	return i.identity == IdentityIntegerPrimaryKey && strings.EqualFold(name, i.integerPrimaryKey)
}

func (i *Info) targetName() string { return syntax.QualifiedName("main", i.table) }
func (i *Info) sourceName() string { return syntax.QualifiedName(i.SourceSchema(), i.sourceTable) }

// DropViewSQL drops the unioned view.
func (i *Info) DropViewSQL() string {
	return "DROP VIEW IF EXISTS " + syntax.QualifiedName("temp", i.view)
}

// MaxRowIDSQL probes the highest identity over both halves.
func (i *Info) MaxRowIDSQL() string {
	return "SELECT max(rowid) FROM " + syntax.QualifiedName("temp", i.view)
}

// DropSourceSQL drops the source table.
func (i *Info) DropSourceSQL() string {
	return "DROP TABLE IF EXISTS " + i.sourceName()
}

// DeleteSourceRowSQL deletes one source row by rowid.
func (i *Info) DeleteSourceRowSQL() string {
	return "DELETE FROM " + i.sourceName() + " WHERE rowid = ?1"
}

// DeleteMigratedRowSQL deletes the source row the migrate statement copied.
func (i *Info) DeleteMigratedRowSQL() string {
	return "DELETE FROM " + i.sourceName() + " WHERE rowid = (SELECT max(rowid) FROM " + i.sourceName() + ")"
}

// templates holds the statements that depend on the column lists.
type templates struct {
	key        string
	columns    []string
	source     map[string]bool
	createView string
	migrateRow string
	copyRow    string
	copyAuto   string
}

// templatesFor returns the column-dependent statements for the observed
// target and source columns.
func (i *Info) templatesFor(targetCols, sourceCols []string) *templates {
	key := strings.Join(targetCols, "\x00") + "\x01" + strings.Join(sourceCols, "\x00")
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cache != nil && i.cache.key == key {
		return i.cache
	}

	inSource := make(map[string]bool, len(sourceCols))
	for _, c := range sourceCols {
		inSource[strings.ToLower(c)] = true
	}
	sourceExpr := func(c string) string {
		if inSource[strings.ToLower(c)] {
			return syntax.Quote(c)
		}
		return "NULL"
	}

	var viewTarget, viewSource []string
	for _, c := range targetCols {
		viewTarget = append(viewTarget, syntax.Quote(c))
		if inSource[strings.ToLower(c)] {
			viewSource = append(viewSource, syntax.Quote(c))
		} else {
			viewSource = append(viewSource, "NULL AS "+syntax.Quote(c))
		}
	}
	createView := "CREATE TEMP VIEW " + syntax.QualifiedName("temp", i.view) + " AS SELECT rowid AS \"rowid\", " +
		strings.Join(viewTarget, ", ") + " FROM " + i.targetName() +
		" UNION ALL SELECT rowid AS \"rowid\", " + strings.Join(viewSource, ", ") + " FROM " + i.sourceName()

	// Insert columns lead with the identity; the source side always copies
	// its rowid into it.
	insertCols := []string{syntax.String(syntax.Col(i.identityColumn()))}
	selectCols := []string{"rowid"}
	copyCols := []string{syntax.String(syntax.Col(i.identityColumn()))}
	copySelect := []string{"?1"}
	for _, c := range targetCols {
		if i.isIdentityColumn(c) {
			continue
		}
		insertCols = append(insertCols, syntax.Quote(c))
		selectCols = append(selectCols, sourceExpr(c))
		copyCols = append(copyCols, syntax.Quote(c))
		copySelect = append(copySelect, sourceExpr(c))
	}
	migrateRow := "INSERT INTO " + i.targetName() + "(" + strings.Join(insertCols, ", ") + ") SELECT " +
		strings.Join(selectCols, ", ") + " FROM " + i.sourceName() + " ORDER BY rowid DESC LIMIT 1"

	// copyRow relocates a freshly inserted source row: ?1 is the identity to
	// assign and ?2 the source rowid. copyRowAuto inserts NULL instead so an
	// autoincrement target assigns its own identity, and takes the source
	// rowid as ?1.
	copyRow := "INTO " + i.targetName() + "(" + strings.Join(copyCols, ", ") + ") SELECT " +
		strings.Join(copySelect, ", ") + " FROM " + i.sourceName() + " WHERE rowid = ?2"
	copySelect[0] = "NULL"
	copyRowAuto := "INTO " + i.targetName() + "(" + strings.Join(copyCols, ", ") + ") SELECT " +
		strings.Join(copySelect, ", ") + " FROM " + i.sourceName() + " WHERE rowid = ?1"

	i.cache = &templates{
		key:        key,
		columns:    append([]string(nil), targetCols...),
		source:     inSource,
		createView: createView,
		migrateRow: migrateRow,
		copyRow:    copyRow,
		copyAuto:   copyRowAuto,
	}
	return i.cache
}

// inSource reports whether the source table has column c. The identity is
// always present as the source rowid.
func (t *templates) inSource(c string) bool {
	switch strings.ToLower(c) {
	case "rowid", "oid", "_rowid_":
		return true
	}
	return t.source[strings.ToLower(c)]
}

// copyRowSQL renders the relocation insert with a conflict clause.
func (t *templates) copyRowSQL(conflict string, auto bool) string {
	body := t.copyRow
	if auto {
		body = t.copyAuto
	}
	if conflict == "" {
		return "INSERT " + body
	}
	return "INSERT OR " + conflict + " " + body
}
