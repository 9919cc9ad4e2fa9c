package db

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteParams makes every transaction take the write lock up front, so concurrent
// read-validate-write sequences serialize, and stores timestamps in a sortable format.
const sqliteParams = "_txlock=immediate&_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// One connection: SQLite has a single writer and an in-memory database lives on its connection.
var sqlitePool = pool{maxOpen: 1, maxIdle: 1}

// NewSQLiteDB opens an embedded SQLite database (modernc.org/sqlite, no cgo).
// Use ":memory:" for a private in-memory database.
func NewSQLiteDB(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("db: empty sqlite path")
	}

	return open("sqlite", SQLiteDSN(path), sqlitePool)
}

// SQLiteDSN appends the driver parameters to path unless it already carries a query.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqliteParams
}
