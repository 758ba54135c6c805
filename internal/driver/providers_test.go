package driver

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopFactory struct{}

func (nopFactory) CreateConnection(connString string) Conn { return nil }

var _ Factory = nopFactory{}

// compile-time check that the interfaces stay implementable
type nopConn struct{}

func (nopConn) ConnectionString() string                                { return "" }
func (nopConn) Open(context.Context) error                              { return nil }
func (nopConn) Close() error                                            { return nil }
func (nopConn) BeginTx(context.Context, sql.IsolationLevel) (Tx, error) { return nil, nil }

var _ Conn = nopConn{}

func TestProviders_RegisterAndLookup(t *testing.T) {
	p := NewProviders()
	require.NoError(t, p.Register("sqlite3", nopFactory{}))

	f, ok := p.Lookup("sqlite3")
	require.True(t, ok)
	assert.Equal(t, nopFactory{}, f)

	_, ok = p.Lookup("missing")
	assert.False(t, ok)
}

func TestProviders_RegisterRejectsInvalid(t *testing.T) {
	p := NewProviders()

	err := p.Register("", nopFactory{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")

	err = p.Register("x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factory is nil")

	require.NoError(t, p.Register("x", nopFactory{}))
	err = p.Register("x", nopFactory{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestProviders_NamesSorted(t *testing.T) {
	p := NewProviders()
	for _, name := range []string{"sqlite3", "fake", "pgx"} {
		require.NoError(t, p.Register(name, nopFactory{}))
	}

	assert.Equal(t, []string{"fake", "pgx", "sqlite3"}, p.Names())
}

func TestProviders_ConcurrentLookup(t *testing.T) {
	p := NewProviders()
	require.NoError(t, p.Register("sqlite3", nopFactory{}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := p.Lookup("sqlite3")
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
