// Package sqlconn implements the driver boundary on top of database/sql.
//
// A Factory keeps one *sql.DB pool per connection string. Each connection
// handle it creates pins exactly one physical *sql.Conn from that pool while
// open, so every statement issued through a handle (and any transaction begun
// on it) runs on the same session. Closing the handle returns the session to
// the pool.
//
// # Registered Drivers
//
//   - sqlite3: github.com/mattn/go-sqlite3 (init pragmas applied on open)
//   - pgx: github.com/jackc/pgx/v5/stdlib
package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/opscope/internal/driver"
)

// Factory creates database/sql backed connection handles for one driver.
//
// Thread-safety: Factory is safe for concurrent use. The handles it returns
// are not; each belongs to a single execution.
type Factory struct {
	driverName string
	initStmts  []string
	maxIdle    int

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// Option configures a Factory.
type Option func(*Factory)

// WithInitStatements sets statements executed on every newly opened handle.
func WithInitStatements(stmts ...string) Option {
	return func(f *Factory) {
		f.initStmts = append([]string(nil), stmts...)
	}
}

// WithMaxIdleConns sets the idle pool size of each per-DSN pool.
func WithMaxIdleConns(n int) Option {
	return func(f *Factory) {
		f.maxIdle = n
	}
}

// NewFactory creates a factory for a driver registered with database/sql.
func NewFactory(driverName string, opts ...Option) *Factory {
	f := &Factory{
		driverName: driverName,
		maxIdle:    2,
		pools:      make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DriverName returns the database/sql driver name.
func (f *Factory) DriverName() string {
	return f.driverName
}

// CreateConnection returns a closed handle for connString.
func (f *Factory) CreateConnection(connString string) driver.Conn {
	return &Conn{factory: f, connString: connString}
}

// Close closes every pool the factory opened. Handles still open keep their
// session until they are closed.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for dsn, db := range f.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
		delete(f.pools, dsn)
	}
	return errors.Join(errs...)
}

// pool returns the shared *sql.DB for connString, opening it on first use.
func (f *Factory) pool(connString string) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if db, ok := f.pools[connString]; ok {
		return db, nil
	}

	db, err := sql.Open(f.driverName, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", f.driverName, err)
	}
	db.SetMaxIdleConns(f.maxIdle)
	f.pools[connString] = db
	return db, nil
}

// Conn is a database/sql backed connection handle.
type Conn struct {
	factory    *Factory
	connString string
	conn       *sql.Conn
}

var _ driver.Conn = (*Conn)(nil)

// ConnectionString returns the DSN the handle was created with.
func (c *Conn) ConnectionString() string {
	return c.connString
}

// Open takes a dedicated session from the pool, verifies it and applies the
// factory's init statements.
func (c *Conn) Open(ctx context.Context) error {
	if c.conn != nil {
		return fmt.Errorf("connection is already open")
	}

	db, err := c.factory.pool(c.connString)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, stmt := range c.factory.initStmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	c.conn = conn
	return nil
}

// Close returns the session to the pool.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// BeginTx starts a transaction on the pinned session.
//
// The transaction is detached from ctx's cancellation: it is shared by every
// atomic scope nested on the handle, so it ends only on Commit or Rollback,
// not when the context of the scope that began it is cancelled.
func (c *Conn) BeginTx(ctx context.Context, level sql.IsolationLevel) (driver.Tx, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("connection is not open")
	}

	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx, level: level}, nil
}

// SQL returns the pinned session, or nil if the handle is not open.
func (c *Conn) SQL() *sql.Conn {
	return c.conn
}

// Tx is a database/sql backed transaction handle.
type Tx struct {
	tx    *sql.Tx
	level sql.IsolationLevel
}

var _ driver.Tx = (*Tx)(nil)

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Isolation returns the level the transaction was begun with.
func (t *Tx) Isolation() sql.IsolationLevel {
	return t.level
}

// SQL returns the underlying transaction for statement execution.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}
