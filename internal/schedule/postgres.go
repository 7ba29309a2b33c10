package schedule

import (
	"database/sql"

	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// NewPostgresBackend builds the server-based SQL backend for
// multi-node HA deployments.
func NewPostgresBackend(dsn string) Backend {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return newBunBackend(sqldb, pgdialect.New())
}
