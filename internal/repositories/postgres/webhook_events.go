package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/platform/postgres"
	"github.com/clawsite/api/internal/repositories"
)

const webhookColumns = `id, gateway, event_id, event_type, order_id, payload, processed, processed_at, received_at`

// WebhookEventRepository is the Postgres dedup ledger for gateway notifications.
type WebhookEventRepository struct {
	db *postgres.DB
}

// NewWebhookEventRepository constructs a WebhookEventRepository over the shared pool.
func NewWebhookEventRepository(db *postgres.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// Insert records the event with first-write-wins semantics: ON CONFLICT on
// (gateway, event_id) leaves the existing row untouched and reports false.
func (r *WebhookEventRepository) Insert(ctx context.Context, event domain.WebhookEvent) (bool, error) {
	const op = "webhook_events.insert"
	payload, err := marshalRaw(event.Payload)
	if err != nil {
		return false, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	result, err := r.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT webhook_events_gateway_event_id_key DO NOTHING`,
		event.ID, event.Gateway, event.EventID, event.EventType, event.OrderID,
		payload, event.Processed, event.ProcessedAt, event.ReceivedAt,
	)
	if err != nil {
		return false, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	return affected == 1, nil
}

// FindByEventID loads the ledger row for a gateway event.
func (r *WebhookEventRepository) FindByEventID(ctx context.Context, gateway, eventID string) (domain.WebhookEvent, error) {
	const op = "webhook_events.find_by_event_id"
	var (
		event       domain.WebhookEvent
		payload     []byte
		processedAt sql.NullTime
	)
	err := r.db.Querier(ctx).QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE gateway = $1 AND event_id = $2`,
		gateway, eventID,
	).Scan(
		&event.ID, &event.Gateway, &event.EventID, &event.EventType, &event.OrderID,
		&payload, &event.Processed, &processedAt, &event.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WebhookEvent{}, repositories.NewError(op, repositories.ErrorKindNotFound, err)
		}
		return domain.WebhookEvent{}, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return domain.WebhookEvent{}, repositories.NewError(op, repositories.ErrorKindInternal, err)
		}
	}
	if processedAt.Valid {
		t := processedAt.Time
		event.ProcessedAt = &t
	}
	return event, nil
}

// MarkProcessed flips the processed flag. Re-marking an already processed
// event is a no-op; only an unknown event is an error.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, gateway, eventID string, processedAt time.Time) error {
	const op = "webhook_events.mark_processed"
	result, err := r.db.Querier(ctx).ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $3
		WHERE gateway = $1 AND event_id = $2 AND processed = FALSE`,
		gateway, eventID, processedAt,
	)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	if affected == 0 {
		var processed bool
		err := r.db.Querier(ctx).QueryRowContext(ctx,
			`SELECT processed FROM webhook_events WHERE gateway = $1 AND event_id = $2`,
			gateway, eventID,
		).Scan(&processed)
		if errors.Is(err, sql.ErrNoRows) {
			return repositories.NewError(op, repositories.ErrorKindNotFound,
				fmt.Errorf("event %s/%s not found", gateway, eventID))
		}
		if err != nil {
			return repositories.NewError(op, repositories.ErrorKindInternal, err)
		}
	}
	return nil
}
