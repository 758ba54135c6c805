package ambient

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/errs"
)

// Option configures scope construction.
type Option func(*scopeOptions)

type scopeOptions struct {
	registry  *Registry
	endpoint  *endpoint.Endpoint
	isolation sql.IsolationLevel
}

// WithRegistry opens the scope on r instead of DefaultRegistry().
func WithRegistry(r *Registry) Option {
	return func(o *scopeOptions) {
		o.registry = r
	}
}

// WithEndpoint opens the scope on ep instead of the registry's default endpoint.
func WithEndpoint(ep *endpoint.Endpoint) Option {
	return func(o *scopeOptions) {
		o.endpoint = ep
	}
}

// WithIsolation sets the isolation level of the transaction an atomic scope
// begins. It is honored only by the atomic scope that starts the transaction
// and ignored everywhere else.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *scopeOptions) {
		o.isolation = level
	}
}

// Scope is one unit of work sharing its execution's operation context.
//
// A Scope must be released exactly once, normally with defer:
//
//	s, err := ambient.NewScope(ctx)
//	if err != nil {
//		return err
//	}
//	defer s.Release()
type Scope struct {
	registry   *Registry
	oc         *OperationContext
	atomic     bool
	depth      int
	initiating bool
	released   bool
	completed  bool
}

// NewScope opens a non-transactional scope.
func NewScope(ctx context.Context, opts ...Option) (*Scope, error) {
	return openScope(ctx, false, opts)
}

func openScope(ctx context.Context, atomic bool, opts []Option) (*Scope, error) {
	o := scopeOptions{isolation: sql.LevelDefault}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}

	ep := o.endpoint
	if ep == nil {
		var err error
		if ep, err = o.registry.Defaults().Endpoint(); err != nil {
			return nil, err
		}
	}

	level := sql.LevelDefault
	if atomic {
		level = o.isolation
	}

	oc, err := o.registry.Acquire(ctx, ep, atomic, level)
	if err != nil {
		return nil, err
	}

	return &Scope{
		registry:   o.registry,
		oc:         oc,
		atomic:     atomic,
		depth:      oc.operations,
		initiating: oc.operations == 1,
	}, nil
}

// Depth is the number of scopes open on the operation context when this one
// was opened, itself included. It does not change afterwards.
func (s *Scope) Depth() int {
	return s.depth
}

// IsInitiatingOperation reports whether this scope created the operation context.
func (s *Scope) IsInitiatingOperation() bool {
	return s.initiating
}

// Released reports whether Release has been called.
func (s *Scope) Released() bool {
	return s.released
}

// Connection returns the shared connection, opening it on first access.
func (s *Scope) Connection(ctx context.Context) (driver.Conn, error) {
	if err := s.checkLive("scope.connection"); err != nil {
		return nil, err
	}
	return s.oc.Conn(ctx)
}

// Endpoint returns the endpoint the scope is connected to.
func (s *Scope) Endpoint() (*endpoint.Endpoint, error) {
	if err := s.checkLive("scope.endpoint"); err != nil {
		return nil, err
	}
	return s.oc.Endpoint(), nil
}

// Release ends the scope. An atomic scope that was not completed requests a
// rollback first. Releasing an already released scope does nothing.
//
// The returned error reports a failed commit, rollback or connection close.
// The scope is released either way.
func (s *Scope) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	oc := s.oc
	s.oc = nil
	if s.atomic && !s.completed {
		oc.RequestRollback()
	}
	return s.registry.Release(oc, s.atomic)
}

func (s *Scope) checkLive(op string) error {
	if s.released {
		return errs.Wrap(errs.KindInvalidState, op, "scope has been released", errs.ErrReleased)
	}
	return nil
}

// AtomicScope is a Scope that participates in its operation context's
// transaction. Unless Complete is called before Release, the whole
// transaction rolls back.
type AtomicScope struct {
	*Scope
}

// NewAtomicScope opens a transactional scope, beginning the transaction if
// none is active on the operation context.
//
// ctx is passed to the driver's BeginTx, which must not tie the shared
// transaction to ctx's cancellation: outer scopes may still be using it when
// the beginning scope's context is done. The sqlconn driver detaches it.
func NewAtomicScope(ctx context.Context, opts ...Option) (*AtomicScope, error) {
	s, err := openScope(ctx, true, opts)
	if err != nil {
		return nil, err
	}
	return &AtomicScope{Scope: s}, nil
}

// Transaction returns the operation context's active transaction.
func (a *AtomicScope) Transaction() (driver.Tx, error) {
	if err := a.checkLive("scope.transaction"); err != nil {
		return nil, err
	}
	return a.oc.Tx(), nil
}

// Complete marks this scope's work as successful. It has no other effect.
func (a *AtomicScope) Complete() {
	a.completed = true
}

// Completed reports whether Complete was called.
func (a *AtomicScope) Completed() bool {
	return a.completed
}

// Run opens a scope, calls fn with it and releases it on every exit path,
// panics included. A release error is joined to fn's error.
func Run(ctx context.Context, fn func(*Scope) error, opts ...Option) (err error) {
	s, err := NewScope(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := s.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()
	return fn(s)
}

// RunAtomic opens an atomic scope and calls fn with it. The scope is
// completed only if fn returns nil; it is released on every exit path, so a
// returned error or a panic rolls the transaction back.
func RunAtomic(ctx context.Context, fn func(*AtomicScope) error, opts ...Option) (err error) {
	a, err := NewAtomicScope(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := a.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	if err = fn(a); err != nil {
		return err
	}
	a.Complete()
	return nil
}
