package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	defaultTxAttempts = 3
	baseRetryDelay    = 50 * time.Millisecond
	maxRetryDelay     = time.Second
)

type txContextKey struct{}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx. The
// repositories run every statement through it so the same code serves both
// transactional and autocommit paths.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier resolves the statement executor for the context: the enclosing
// transaction when one is open, the pool otherwise.
func (d *DB) Querier(ctx context.Context) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return d.pool
}

// TxFromContext returns the transaction stored on the context, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// RunInTx executes fn inside a transaction carried on the context. Nested
// calls join the enclosing transaction instead of opening a new one, so a
// service can compose transactional helpers without caring about depth.
// Serialisation failures and deadlocks are retried with jittered backoff.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if d == nil || d.pool == nil {
		return errors.New("postgres: pool is not initialised")
	}
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 0; attempt < defaultTxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}

		lastErr = d.runOnce(ctx, fn)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("postgres: transaction failed after %d attempts: %w", defaultTxAttempts, lastErr)
}

func (d *DB) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := d.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}

	if err := fn(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay << uint(attempt-1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter
}
