package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"copy-mirror/internal/storage"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements storage.Repository using PostgreSQL.
type Repository struct {
	pool *Pool
}

// NewRepository creates a new Repository.
func NewRepository(pool *Pool) *Repository {
	return &Repository{pool: pool}
}

// Compile-time interface check.
var _ storage.Repository = (*Repository)(nil)

// maxTxAttempts bounds reruns of a transaction that lost a conflict.
const maxTxAttempts = 3

// WithTx runs fn inside one database transaction. A transaction aborted by a
// serialization failure or deadlock is rerun from the start, so fn must only
// touch state through tx.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxTxAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := r.runTx(ctx, fn)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (r *Repository) runTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", storage.ErrCommit, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrCommit, err)
	}
	return nil
}

// pgTx implements storage.Tx on an open pgx transaction.
type pgTx struct {
	q querier
}

var _ storage.Tx = (*pgTx)(nil)
