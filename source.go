package wcdb

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// TableFilter decides whether a target table migrates from a source. It
// returns the source table name and true to migrate, or false to leave the
// table alone. An empty source name means "same name as the target".
type TableFilter func(table string) (sourceTable string, migrate bool)

// Source is a location rows migrate from: another database file, or the
// main database itself when the path is empty.
type Source struct {
	path   string
	schema string
	cipher []byte
	filter TableFilter
}

// NewSource returns a source for path. The cipher is passed to ATTACH as an
// opaque key.
func NewSource(path string, cipher []byte, filter TableFilter) *Source {
	return &Source{
		path:   path,
		schema: schemaForPath(path),
		cipher: append([]byte(nil), cipher...),
		filter: filter,
	}
}

// Path returns the database path, empty for the main database.
func (s *Source) Path() string { return s.path }

// Schema returns the schema name the source is attached under.
func (s *Source) Schema() string { return s.schema }

// IsCrossDatabase reports whether the source lives in another file.
func (s *Source) IsCrossDatabase() bool { return s.path != "" }

// Cipher returns a copy of the attach key.
func (s *Source) Cipher() []byte { return append([]byte(nil), s.cipher...) }

// resolve runs the filter for table.
func (s *Source) resolve(table string) (string, bool) {
	if s.filter == nil {
		return "", false
	}
	src, ok := s.filter(table)
	if !ok {
		return "", false
	}
	if src == "" {
		src = table
	}
	return src, true
}

func (s *Source) String() string {
	if s.path == "" {
		return "main"
	}
	return fmt.Sprintf("%s (%s)", s.path, s.schema)
}

// schemaForPath derives a stable attach-schema name from a path.
func schemaForPath(path string) string {
	if path == "" {
		return "main"
	}
	h := fnv.New64a()
	h.Write([]byte(path))
	return fmt.Sprintf("%s%016x", schemaPrefix, h.Sum64())
}

const (
	schemaPrefix = "wcdb_migration_"
	viewPrefix   = "wcdb_union_"
)

// isReserved reports names owned by the engine or by this package.
func isReserved(table string) bool {
	lower := strings.ToLower(table)
	return strings.HasPrefix(lower, "sqlite_") || strings.HasPrefix(lower, "wcdb_")
}
