package ambient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/sqlconn"
)

// sqliteEnv is a testEnv whose endpoint is a real SQLite database with a
// single accounts table.
func sqliteEnv(t *testing.T) *testEnv {
	t.Helper()

	env := newTestEnv(t)
	factory := sqlconn.NewSQLiteFactory()
	t.Cleanup(func() { factory.Close() })

	ep, err := endpoint.New(filepath.Join(t.TempDir(), "ambient.db"), factory)
	require.NoError(t, err)
	env.ep = ep
	env.options = env.with(WithEndpoint(ep))

	err = Run(env.ctx, func(s *Scope) error {
		conn, err := s.Connection(env.ctx)
		if err != nil {
			return err
		}
		_, err = conn.(*sqlconn.Conn).SQL().ExecContext(env.ctx,
			`CREATE TABLE accounts (name TEXT PRIMARY KEY, balance INTEGER NOT NULL)`)
		return err
	}, env.options...)
	require.NoError(t, err)
	return env
}

func insertAccount(ctx context.Context, a *AtomicScope, name string, balance int) error {
	tx, err := a.Transaction()
	if err != nil {
		return err
	}
	_, err = tx.(*sqlconn.Tx).SQL().ExecContext(ctx,
		`INSERT INTO accounts (name, balance) VALUES (?, ?)`, name, balance)
	return err
}

func countAccounts(t *testing.T, env *testEnv) int {
	t.Helper()

	var n int
	err := Run(env.ctx, func(s *Scope) error {
		conn, err := s.Connection(env.ctx)
		if err != nil {
			return err
		}
		return conn.(*sqlconn.Conn).SQL().QueryRowContext(env.ctx,
			`SELECT COUNT(*) FROM accounts`).Scan(&n)
	}, env.options...)
	require.NoError(t, err)
	return n
}

func TestSQLite_NestedAtomicCommit(t *testing.T) {
	env := sqliteEnv(t)

	err := RunAtomic(env.ctx, func(outer *AtomicScope) error {
		if err := insertAccount(env.ctx, outer, "alice", 100); err != nil {
			return err
		}
		return RunAtomic(env.ctx, func(inner *AtomicScope) error {
			return insertAccount(env.ctx, inner, "bob", 50)
		}, env.options...)
	}, env.options...)

	require.NoError(t, err)
	assert.Equal(t, 2, countAccounts(t, env))
	assert.Equal(t, 0, env.reg.Len())
}

func TestSQLite_InnerFailureRollsBackOuterWork(t *testing.T) {
	env := sqliteEnv(t)
	errDeclined := errors.New("card declined")

	err := RunAtomic(env.ctx, func(outer *AtomicScope) error {
		if err := insertAccount(env.ctx, outer, "alice", 100); err != nil {
			return err
		}
		innerErr := RunAtomic(env.ctx, func(inner *AtomicScope) error {
			if err := insertAccount(env.ctx, inner, "bob", 50); err != nil {
				return err
			}
			return errDeclined
		}, env.options...)
		assert.ErrorIs(t, innerErr, errDeclined)
		return nil
	}, env.options...)

	require.NoError(t, err)
	assert.Equal(t, 0, countAccounts(t, env))
}

func TestSQLite_NonAtomicOuterSeesCommittedWork(t *testing.T) {
	env := sqliteEnv(t)

	outer, err := NewScope(env.ctx, env.options...)
	require.NoError(t, err)
	defer outer.Release()

	err = RunAtomic(env.ctx, func(a *AtomicScope) error {
		return insertAccount(env.ctx, a, "carol", 10)
	}, env.options...)
	require.NoError(t, err)

	conn, err := outer.Connection(env.ctx)
	require.NoError(t, err)
	var balance int
	require.NoError(t, conn.(*sqlconn.Conn).SQL().QueryRowContext(env.ctx,
		`SELECT balance FROM accounts WHERE name = ?`, "carol").Scan(&balance))
	assert.Equal(t, 10, balance)
}
