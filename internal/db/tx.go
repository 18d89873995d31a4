package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// TxOptions controls how WithTx finishes a transaction.
type TxOptions struct {
	// DryRun runs fn to completion and then rolls back instead of committing.
	DryRun bool
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or when opts.DryRun is set; otherwise it is committed.
// Errors from fn are returned unwrapped so callers can classify them.
func WithTx(ctx context.Context, pool Pool, opts TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if opts.DryRun {
		return eris.Wrap(tx.Rollback(ctx), "db: rollback dry run")
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit tx")
}
