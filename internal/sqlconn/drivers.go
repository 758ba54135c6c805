package sqlconn

import (
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/opscope/internal/driver"
)

// Driver identifiers accepted in configuration.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLitePragmas are applied to every SQLite session:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
var SQLitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// NewSQLiteFactory returns a factory for go-sqlite3 with SQLitePragmas.
func NewSQLiteFactory() *Factory {
	return NewFactory(DriverSQLite, WithInitStatements(SQLitePragmas...))
}

// PostgresMaxIdleConns is the idle pool size of the pgx factory.
const PostgresMaxIdleConns = 4

// NewPostgresFactory returns a factory for the pgx stdlib driver.
func NewPostgresFactory() *Factory {
	return NewFactory(DriverPostgres, WithMaxIdleConns(PostgresMaxIdleConns))
}

// DefaultProviders returns a provider table with sqlite3 and pgx registered.
func DefaultProviders() *driver.Providers {
	p := driver.NewProviders()
	// Names are constant and distinct; Register cannot fail here.
	_ = p.Register(DriverSQLite, NewSQLiteFactory())
	_ = p.Register(DriverPostgres, NewPostgresFactory())
	return p
}
