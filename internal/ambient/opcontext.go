package ambient

import (
	"context"

	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/errs"
)

// contextKey identifies an operation context: one per execution per endpoint.
type contextKey struct {
	execution ExecutionID
	endpoint  uint64
}

// OperationContext is the live state shared by all scopes of one execution
// on one endpoint.
//
// OperationContext is thread-affine: it must only be used by the execution
// that created it.
//
// INVARIANTS:
//   - present in its registry iff operations > 0
//   - tx != nil iff atomicOperations > 0
//   - 0 <= atomicOperations <= operations
//   - conn is nil until first access; non-nil means opened
//   - rollbackRequested never goes back to false
type OperationContext struct {
	key      contextKey
	endpoint *endpoint.Endpoint

	conn driver.Conn
	tx   driver.Tx

	operations        int
	atomicOperations  int
	rollbackRequested bool
}

func newOperationContext(key contextKey, ep *endpoint.Endpoint) *OperationContext {
	return &OperationContext{key: key, endpoint: ep}
}

// Conn returns the context's connection, opening it on first access.
func (oc *OperationContext) Conn(ctx context.Context) (driver.Conn, error) {
	if oc.conn != nil {
		return oc.conn, nil
	}

	conn := oc.endpoint.CreateConnection()
	if err := conn.Open(ctx); err != nil {
		return nil, errs.Wrap(errs.KindInfrastructure, "open",
			"unable to open a connection using the endpoint's connection string", err)
	}
	oc.conn = conn
	return conn, nil
}

// Tx returns the active transaction, or nil.
func (oc *OperationContext) Tx() driver.Tx {
	return oc.tx
}

// RequestRollback latches the context into rolling back its transaction when
// the last atomic scope releases. It cannot be undone.
func (oc *OperationContext) RequestRollback() {
	oc.rollbackRequested = true
}

// RollbackRequested reports whether any participant requested a rollback.
func (oc *OperationContext) RollbackRequested() bool {
	return oc.rollbackRequested
}

// Endpoint returns the endpoint the context connects to.
func (oc *OperationContext) Endpoint() *endpoint.Endpoint {
	return oc.endpoint
}

// Execution returns the owning execution identity.
func (oc *OperationContext) Execution() ExecutionID {
	return oc.key.execution
}

// connectionOpened reports whether the lazy connection was ever materialized.
func (oc *OperationContext) connectionOpened() bool {
	return oc.conn != nil
}

// closeConn closes the connection if it was opened and forgets it.
func (oc *OperationContext) closeConn() error {
	if oc.conn == nil {
		return nil
	}
	err := oc.conn.Close()
	oc.conn = nil
	return err
}
