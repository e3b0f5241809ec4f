package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clawsite/api/internal/platform/postgres"
)

// PostgresStore implements Store on the shared Postgres pool. Reservations
// rely on the primary key for first-write-wins semantics, so concurrent
// requests carrying the same key race safely.
type PostgresStore struct {
	db *postgres.DB
}

// NewPostgresStore wraps the database handle in an idempotency store.
func NewPostgresStore(db *postgres.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: database handle is required")
	}
	return &PostgresStore{db: db}, nil
}

// Reserve implements the Store interface.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := recordKey(key)
	q := s.db.Querier(ctx)

	res, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key_hash, fingerprint, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (key_hash) DO NOTHING`,
		id, fingerprint, StatusPending, now, now.Add(ttl))
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve key: %w", err)
	}
	if inserted, err := res.RowsAffected(); err == nil && inserted > 0 {
		return Reservation{State: ReservationStateNew, Record: Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}}, nil
	}

	record, err := s.load(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race with cleanup; treat as fresh.
			return s.Reserve(ctx, key, fingerprint, now, ttl)
		}
		return Reservation{}, err
	}

	if !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt) {
		// Stale reservation: claim it, guarding against a concurrent claimant.
		res, err := q.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET fingerprint = $2, status = $3, response_status = 0,
			    response_headers = '{}'::jsonb, response_body = NULL,
			    created_at = $4, updated_at = $4, expires_at = $5
			WHERE key_hash = $1 AND expires_at <= $4`,
			id, fingerprint, StatusPending, now, now.Add(ttl))
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reclaim key: %w", err)
		}
		if claimed, err := res.RowsAffected(); err == nil && claimed > 0 {
			return Reservation{State: ReservationStateNew}, nil
		}
		return s.Reserve(ctx, key, fingerprint, now, ttl)
	}

	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		record.Key = key
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// SaveResponse implements the Store interface.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	headers, err := json.Marshal(sanitizeHeaders(resp.Headers))
	if err != nil {
		return fmt.Errorf("idempotency: encode headers: %w", err)
	}

	res, err := s.db.Querier(ctx).ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3, response_status = $4, response_headers = $5,
		    response_body = $6, updated_at = $7, expires_at = $8
		WHERE key_hash = $1 AND fingerprint = $2`,
		recordKey(key), fingerprint, StatusCompleted,
		resp.Status, headers, resp.Body, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	if updated, err := res.RowsAffected(); err == nil && updated == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Release deletes the reservation so a retry can claim the key again.
func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.Querier(ctx).ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key_hash = $1 AND fingerprint = $2`,
		recordKey(key), fingerprint)
	if err != nil {
		return fmt.Errorf("idempotency: release key: %w", err)
	}
	return nil
}

// CleanupExpired implements the Store interface.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.Querier(ctx).ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key_hash IN (
			SELECT key_hash FROM idempotency_keys
			WHERE expires_at <= $1
			LIMIT $2
		)`,
		now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup expired keys: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(removed), nil
}

func (s *PostgresStore) load(ctx context.Context, id string) (Record, error) {
	var (
		record  Record
		headers []byte
		body    []byte
	)

	row := s.db.Querier(ctx).QueryRowContext(ctx, `
		SELECT fingerprint, status, response_status, response_headers,
		       response_body, created_at, updated_at, expires_at
		FROM idempotency_keys
		WHERE key_hash = $1`, id)
	if err := row.Scan(&record.Fingerprint, &record.Status, &record.ResponseStatus,
		&headers, &body, &record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: load key: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &record.ResponseHeaders); err != nil {
			return Record{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	record.ResponseBody = body
	return record, nil
}
