package wcdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const busyTimeout = 5 * time.Second

// sqliteURI turns a database path into a modernc DSN with the pragmas every
// pooled connection needs.
func sqliteURI(path string) (string, error) {
	// Each pooled connection of an in-memory database would see its own copy.
	if path == "" || path == ":memory:" || path == "file::memory:" || strings.Contains(path, "mode=memory") {
		return "", fmt.Errorf("in-memory SQLite databases are not supported (each connection gets a separate database)")
	}

	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"journal_mode(WAL)",
	}
	if !strings.HasPrefix(path, "file:") {
		q := url.Values{"_pragma": pragmas}
		return "file:" + path + "?" + q.Encode(), nil
	}

	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse sqlite URI: %w", err)
	}
	q := u.Query()
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	uri, err := sqliteURI(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

var (
	// AUTOINCREMENT is only legal right after PRIMARY KEY in a column
	// constraint, or on a column of a table PRIMARY KEY(...).
	autoincrementRe = regexp.MustCompile(`(?i)\bPRIMARY\s+KEY\s*(?:(?:ASC|DESC)\s*)?(?:ON\s+CONFLICT\s+\w+\s*)?AUTOINCREMENT\b|\bPRIMARY\s+KEY\s*\([^)]*\bAUTOINCREMENT\b`)
	withoutRowIDRe  = regexp.MustCompile(`(?i)\bWITHOUT\s+ROWID\b`)
	// quotedRe matches string literals and quoted identifiers.
	quotedRe = regexp.MustCompile("'(?:[^']|'')*'|\"(?:[^\"]|\"\")*\"|`(?:[^`]|``)*`|\\[[^\\]]*\\]")
)

// tableConfigFrom derives identity information from PRAGMA table_info rows
// and the CREATE TABLE text. A single-column primary key declared exactly as
// INTEGER aliases the rowid.
func tableConfigFrom(cols []ColumnInfo, createSQL string) TableConfig {
	bare := quotedRe.ReplaceAllString(createSQL, "x")
	cfg := TableConfig{
		WithoutRowID:  withoutRowIDRe.MatchString(bare),
		Autoincrement: autoincrementRe.MatchString(bare),
	}
	pkCount := 0
	for _, c := range cols {
		if c.PK > 0 {
			pkCount++
		}
		if strings.EqualFold(c.Name, "rowid") {
			cfg.HasRowIDColumn = true
		}
	}
	if pkCount == 1 && !cfg.WithoutRowID {
		for _, c := range cols {
			if c.PK > 0 && strings.EqualFold(strings.TrimSpace(c.Type), "integer") {
				cfg.IntegerPrimaryKey = c.Name
			}
		}
	}
	if cfg.IntegerPrimaryKey == "" {
		cfg.Autoincrement = false
	}
	return cfg
}

// errorCode returns the extended SQLite result code of err, or 0.
func errorCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isBusy(err error) bool {
	switch errorCode(err) & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	switch errorCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_ROWID:
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
