// Package driver defines the boundary between the scope coordinator and the
// providers that actually open connections and run transactions.
//
// The coordinator only ever calls the methods declared here. Connection open,
// transaction begin/commit/rollback and connection close may block on I/O;
// any timeout or cancellation behavior is inherited from the implementation.
package driver

import (
	"context"
	"database/sql"
)

// Conn is a connection handle. A handle is created closed; Open establishes
// the underlying connection.
type Conn interface {
	// ConnectionString returns the connection string the handle was created with.
	ConnectionString() string

	// Open establishes the connection.
	Open(ctx context.Context) error

	// Close releases the connection. Closing a handle that was never opened is a no-op.
	Close() error

	// BeginTx starts a transaction. sql.LevelDefault selects the driver default.
	// The transaction must outlive ctx's cancellation; it ends only on Commit
	// or Rollback.
	BeginTx(ctx context.Context, level sql.IsolationLevel) (Tx, error)
}

// Tx is a transaction handle.
type Tx interface {
	Commit() error
	Rollback() error

	// Isolation returns the isolation level the transaction was started with.
	Isolation() sql.IsolationLevel
}

// Factory manufactures connection handles. The dynamic type of a Factory is
// part of an endpoint's identity.
type Factory interface {
	CreateConnection(connString string) Conn
}
