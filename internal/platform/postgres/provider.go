package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/clawsite/api/internal/platform/config"
)

// DB wraps the sql connection pool with transaction plumbing shared by the
// repository layer.
type DB struct {
	pool *sql.DB
}

// Connect opens and verifies a Postgres connection pool from configuration.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pool, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Wrap adopts an existing pool, primarily for tests.
func Wrap(pool *sql.DB) *DB {
	return &DB{pool: pool}
}

// Close releases the underlying pool.
func (d *DB) Close() error {
	if d == nil || d.pool == nil {
		return nil
	}
	return d.pool.Close()
}

// Ping verifies connectivity, used by health checks.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("postgres: pool is not initialised")
	}
	return d.pool.PingContext(ctx)
}
