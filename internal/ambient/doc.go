// Package ambient coordinates connections and transactions shared by nested
// units of work on the same logical execution.
//
// Code that needs the database opens a Scope (or an AtomicScope when it needs
// a transaction) and releases it when done. Scopes opened on the same
// execution against the same endpoint share one OperationContext: one lazily
// opened connection and at most one transaction. Nothing has to be threaded
// through call chains except the context.Context that already is.
//
//	ctx = ambient.WithExecution(ctx)
//
//	s, err := ambient.NewAtomicScope(ctx)
//	if err != nil {
//		return err
//	}
//	defer s.Release()
//
//	if err := saveOrder(ctx); err != nil { // opens its own nested scope
//		return err // s is never completed: the transaction rolls back
//	}
//	s.Complete()
//
// # Execution Identity
//
// Go has no goroutine identity, so the execution is named explicitly by an
// ExecutionID carried on the context (WithExecution, Fork, WithExecutionID).
// An OperationContext is thread-affine: only the execution that owns its key
// may touch it. Goroutines spawned by a unit of work must Fork the context
// rather than share the parent's identity.
//
// # Nesting
//
// Each acquisition increments the context's operation count; Depth is a
// snapshot of that count taken when the scope was opened. The first scope is
// the initiating operation. When the last scope releases, the connection is
// closed (if it was ever opened) and the context is evicted from the registry.
//
// # Transactions
//
// Nested atomic scopes are flattened into one transaction, begun by the first
// atomic acquisition and finalized by the last atomic release. Complete is
// the only way to signal success. An atomic scope released without Complete
// latches a rollback request on the context, and the request is never reset,
// so one failed participant rolls back the whole unit regardless of what its
// siblings did.
//
// # Concurrency
//
// The Registry is the only structure shared between executions. Its
// get-or-create and evict operations are atomic per key and do not serialize
// unrelated keys. Driver calls (open, begin, commit, rollback, close) run
// synchronously on the calling execution.
package ambient
