package ambient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/errs"
	"github.com/roach88/opscope/internal/sqlconn"
)

// Registry maps (execution, endpoint) pairs to live operation contexts.
//
// Thread-safety: Registry is safe for concurrent use by many executions. Each
// OperationContext it hands out belongs to exactly one of them.
type Registry struct {
	contexts sync.Map // contextKey -> *OperationContext
	defaults *DefaultSource
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDefaultSource sets where the registry resolves the endpoint used by
// scopes opened without one.
func WithDefaultSource(d *DefaultSource) RegistryOption {
	return func(r *Registry) {
		r.defaults = d
	}
}

// NewRegistry creates an empty registry. Without WithDefaultSource, scopes
// must name their endpoint explicitly.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults: NewDefaultSource(nil),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide registry. Its default endpoint is
// resolved once, on first use, from the configuration file named by
// config.Locate, using the sqlite3 and pgx providers.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(
			WithDefaultSource(NewDefaultSource(ConfigResolver(sqlconn.DefaultProviders()))),
		)
	})
	return defaultRegistry
}

// Defaults returns the registry's default endpoint source.
func (r *Registry) Defaults() *DefaultSource {
	return r.defaults
}

// Acquire returns the operation context for ctx's execution and ep, creating
// it if absent, and registers one more operation on it.
//
// When atomic is set and no transaction is active, a transaction is begun on
// the context's connection at level (sql.LevelDefault for the driver
// default). When a transaction is already active, level is ignored.
//
// If beginning the transaction fails the acquisition is undone.
func (r *Registry) Acquire(ctx context.Context, ep *endpoint.Endpoint, atomic bool, level sql.IsolationLevel) (*OperationContext, error) {
	const op = "acquire"

	if ep == nil {
		return nil, errs.New(errs.KindArgument, op, "endpoint is required")
	}
	execution, ok := ExecutionFrom(ctx)
	if !ok {
		return nil, errs.New(errs.KindArgument, op,
			"context carries no execution identity; wrap it with ambient.WithExecution")
	}

	key := contextKey{execution: execution, endpoint: ep.IdentityHash()}
	v, found := r.contexts.Load(key)
	if !found {
		var loaded bool
		v, loaded = r.contexts.LoadOrStore(key, newOperationContext(key, ep))
		if !loaded {
			r.logger.Debug("operation context created",
				"execution", execution,
				"endpoint", ep.String(),
			)
		}
	}
	oc := v.(*OperationContext)

	oc.operations++
	if atomic {
		if oc.atomicOperations == 0 {
			tx, err := r.begin(ctx, oc, level)
			if err != nil {
				r.abandon(oc)
				return nil, err
			}
			oc.tx = tx
		}
		oc.atomicOperations++
	}
	return oc, nil
}

// Release unregisters one operation from oc.
//
// When atomic is set and this was the last atomic operation, the transaction
// is committed, or rolled back if any participant requested it. The
// transaction reference is cleared whatever the outcome. When this was the
// last operation overall, the connection is closed if it was opened and oc
// is evicted.
//
// Release panics with an invariant error if oc is released more times than
// it was acquired, or atomically without a transaction.
func (r *Registry) Release(oc *OperationContext, atomic bool) error {
	const op = "release"

	if oc.operations <= 0 {
		panic(errs.New(errs.KindInvariant, op,
			fmt.Sprintf("operation context released more times than acquired (operations=%d)", oc.operations)))
	}

	var failures []error
	if atomic {
		if oc.tx == nil {
			panic(errs.New(errs.KindInvariant, op,
				"cannot release an atomic operation when there is no attached transaction"))
		}
		if oc.atomicOperations <= 0 {
			panic(errs.New(errs.KindInvariant, op,
				fmt.Sprintf("atomic release with an attached transaction but atomic operation count %d", oc.atomicOperations)))
		}

		oc.atomicOperations--
		if oc.atomicOperations == 0 {
			if err := r.finalize(oc); err != nil {
				failures = append(failures, err)
			}
		}
	}

	oc.operations--
	if oc.operations == 0 {
		if err := r.evict(oc); err != nil {
			failures = append(failures, err)
		}
	}

	return errors.Join(failures...)
}

// Lookup returns the live operation context for ctx's execution and ep.
func (r *Registry) Lookup(ctx context.Context, ep *endpoint.Endpoint) (*OperationContext, bool) {
	execution, ok := ExecutionFrom(ctx)
	if !ok || ep == nil {
		return nil, false
	}
	v, ok := r.contexts.Load(contextKey{execution: execution, endpoint: ep.IdentityHash()})
	if !ok {
		return nil, false
	}
	return v.(*OperationContext), true
}

// Len returns the number of live operation contexts.
func (r *Registry) Len() int {
	n := 0
	r.contexts.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) begin(ctx context.Context, oc *OperationContext, level sql.IsolationLevel) (driver.Tx, error) {
	conn, err := oc.Conn(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, level)
	if err != nil {
		return nil, errs.Wrap(errs.KindInfrastructure, "begin", "unable to begin a transaction", err)
	}
	return tx, nil
}

// abandon undoes the operation count increment of a failed acquisition.
func (r *Registry) abandon(oc *OperationContext) {
	oc.operations--
	if oc.operations == 0 {
		if err := r.evict(oc); err != nil {
			r.logger.Error("closing connection of abandoned operation context failed",
				"execution", oc.key.execution,
				"error", err,
			)
		}
	}
}

// finalize commits or rolls back oc's transaction and clears it.
func (r *Registry) finalize(oc *OperationContext) error {
	tx := oc.tx
	oc.tx = nil

	outcome := "commit"
	var err error
	if oc.RollbackRequested() {
		outcome = "rollback"
		err = tx.Rollback()
	} else {
		err = tx.Commit()
	}

	if err != nil {
		r.logger.Error("transaction finalization failed",
			"execution", oc.key.execution,
			"outcome", outcome,
			"error", err,
		)
		return errs.Wrap(errs.KindFinalization, "release",
			fmt.Sprintf("unable to %s the transaction for the current operation", outcome), err)
	}

	r.logger.Debug("transaction finalized",
		"execution", oc.key.execution,
		"outcome", outcome,
	)
	return nil
}

// evict closes oc's connection and removes oc from the registry. The entry
// is removed even if closing fails.
func (r *Registry) evict(oc *OperationContext) error {
	opened := oc.connectionOpened()
	closeErr := oc.closeConn()
	r.contexts.CompareAndDelete(oc.key, oc)

	r.logger.Debug("operation context evicted",
		"execution", oc.key.execution,
		"connection_opened", opened,
	)

	if closeErr != nil {
		return errs.Wrap(errs.KindInfrastructure, "close", "unable to close the connection", closeErr)
	}
	return nil
}
