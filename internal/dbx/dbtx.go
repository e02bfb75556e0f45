// Package dbx provides small DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// a helper to run functions inside a transaction, and PostgreSQL helpers
// for opening a pool and classifying driver errors.
package dbx

import (
	"context"
	"database/sql"
	"sync"
)

// DBTX is the subset of database/sql used by our repos.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// commitHooks collects the callbacks registered with AfterCommit while a
// WithTx transaction is open.
type commitHooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

type commitHooksKey struct{}

// AfterCommit runs fn once the transaction carried by ctx has committed.
// Callbacks are dropped when it rolls back. Outside of WithTx fn runs
// immediately.
//
// Caches use it so that entries are invalidated only after the new row is
// visible to other connections.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	hooks, ok := ctx.Value(commitHooksKey{}).(*commitHooks)
	if !ok {
		fn(ctx)
		return
	}
	hooks.mu.Lock()
	hooks.fns = append(hooks.fns, fn)
	hooks.mu.Unlock()
}

// WithTx begins a transaction and runs fn with a transactional handle and a
// context that collects AfterCommit callbacks. It commits when fn succeeds,
// then runs the callbacks in registration order with the caller's ctx. An
// error from fn, a failed commit or a panic rolls back and discards them.
// Panics are rethrown.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    u, err := users.NewPostgresRepository(tx).Update(ctx, pid, upd)
//	    ...
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	hooks := &commitHooks{}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			return
		}
		for _, h := range hooks.fns {
			h(ctx)
		}
	}()

	err = fn(context.WithValue(ctx, commitHooksKey{}, hooks), tx)
	return err
}
