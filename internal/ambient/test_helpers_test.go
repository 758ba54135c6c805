package ambient

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/fakedb"
)

// testEnv bundles an isolated registry with a recording driver.
type testEnv struct {
	reg     *Registry
	db      *fakedb.Factory
	ep      *endpoint.Endpoint
	ctx     context.Context
	options []Option
}

// newTestEnv creates a registry whose default endpoint is a fresh recording driver.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := fakedb.New()
	ep, err := endpoint.New("fake://test", db)
	require.NoError(t, err)

	defaults := NewDefaultSource(nil)
	defaults.Set(ep)

	reg := NewRegistry(
		WithDefaultSource(defaults),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs in tests
	)

	return &testEnv{
		reg:     reg,
		db:      db,
		ep:      ep,
		ctx:     WithExecutionID(context.Background(), "exec-1"),
		options: []Option{WithRegistry(reg)},
	}
}

// with returns the env's options followed by extra.
func (e *testEnv) with(extra ...Option) []Option {
	return append(append([]Option(nil), e.options...), extra...)
}

func (e *testEnv) openScope(t *testing.T, extra ...Option) *Scope {
	t.Helper()
	s, err := NewScope(e.ctx, e.with(extra...)...)
	require.NoError(t, err)
	return s
}

func (e *testEnv) openAtomic(t *testing.T, extra ...Option) *AtomicScope {
	t.Helper()
	a, err := NewAtomicScope(e.ctx, e.with(extra...)...)
	require.NoError(t, err)
	return a
}
