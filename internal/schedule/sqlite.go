package schedule

import (
	"database/sql"
	"fmt"

	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// NewSQLiteBackend opens the embedded, zero-config default Schedule
// Store backend: a single local database file, no server process
// required. Same bunBackend the Postgres backend uses, so both go
// through one query layer.
func NewSQLiteBackend(path string) (Backend, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("schedule: open sqlite %s: %w", path, err)
	}
	// modernc.org/sqlite has no real concurrent-writer story; a single
	// connection avoids "database is locked" under the daemon's
	// lock-acquire/renew/release traffic.
	sqldb.SetMaxOpenConns(1)
	return newBunBackend(sqldb, sqlitedialect.New()), nil
}
