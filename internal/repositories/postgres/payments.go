package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/platform/postgres"
	"github.com/clawsite/api/internal/repositories"
)

const paymentColumns = `id, order_id, gateway, intent_id, client_secret, charge_id,
idempotency_key, amount, currency, status, raw, created_at, updated_at`

// PaymentRepository persists gateway payment attempts in Postgres.
type PaymentRepository struct {
	db *postgres.DB
}

// NewPaymentRepository constructs a PaymentRepository over the shared pool.
func NewPaymentRepository(db *postgres.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// Insert stores a payment attempt. The (order, gateway) unique constraint
// turns duplicate concurrent inserts into conflicts.
func (r *PaymentRepository) Insert(ctx context.Context, txn domain.PaymentTransaction) error {
	const op = "payments.insert"
	raw, err := marshalRaw(txn.Raw)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	_, err = r.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID, txn.OrderID, txn.Gateway, txn.IntentID, txn.ClientSecret, txn.ChargeID,
		txn.IdempotencyKey, txn.Amount, txn.Currency, txn.Status, raw, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// Update rewrites the mutable fields of a payment attempt.
func (r *PaymentRepository) Update(ctx context.Context, txn domain.PaymentTransaction) error {
	const op = "payments.update"
	raw, err := marshalRaw(txn.Raw)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	result, err := r.db.Querier(ctx).ExecContext(ctx, `
		UPDATE payment_transactions
		SET intent_id = $2,
			client_secret = $3,
			charge_id = $4,
			idempotency_key = $5,
			status = $6,
			raw = $7,
			updated_at = $8
		WHERE id = $1`,
		txn.ID, txn.IntentID, txn.ClientSecret, txn.ChargeID, txn.IdempotencyKey, txn.Status, raw, txn.UpdatedAt,
	)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	if affected == 0 {
		return repositories.NewError(op, repositories.ErrorKindNotFound,
			fmt.Errorf("payment %s not found", txn.ID))
	}
	return nil
}

// FindByOrderAndGateway loads the single attempt row for an (order, gateway)
// pair, optionally under FOR UPDATE.
func (r *PaymentRepository) FindByOrderAndGateway(ctx context.Context, orderID, gateway string, forUpdate bool) (domain.PaymentTransaction, error) {
	const op = "payments.find_by_order_and_gateway"
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE order_id = $1 AND gateway = $2`
	if forUpdate {
		if _, ok := postgres.TxFromContext(ctx); !ok {
			return domain.PaymentTransaction{}, repositories.NewError(op, repositories.ErrorKindInternal,
				errors.New("row lock requested outside a transaction"))
		}
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, op, query, orderID, gateway)
}

// FindByIntentID resolves an attempt from the gateway's intent identifier.
func (r *PaymentRepository) FindByIntentID(ctx context.Context, gateway, intentID string) (domain.PaymentTransaction, error) {
	const op = "payments.find_by_intent_id"
	return r.findOne(ctx, op,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE gateway = $1 AND intent_id = $2`,
		gateway, intentID)
}

// ListByOrder returns every gateway attempt recorded for an order.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	const op = "payments.list_by_order"
	rows, err := r.db.Querier(ctx).QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	defer rows.Close()

	var txns []domain.PaymentTransaction
	for rows.Next() {
		var (
			txn domain.PaymentTransaction
			raw []byte
		)
		if err := rows.Scan(
			&txn.ID, &txn.OrderID, &txn.Gateway, &txn.IntentID, &txn.ClientSecret, &txn.ChargeID,
			&txn.IdempotencyKey, &txn.Amount, &txn.Currency, &txn.Status, &raw, &txn.CreatedAt, &txn.UpdatedAt,
		); err != nil {
			return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &txn.Raw); err != nil {
				return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
			}
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	return txns, nil
}

func (r *PaymentRepository) findOne(ctx context.Context, op, query string, args ...any) (domain.PaymentTransaction, error) {
	var (
		txn domain.PaymentTransaction
		raw []byte
	)
	err := r.db.Querier(ctx).QueryRowContext(ctx, query, args...).Scan(
		&txn.ID, &txn.OrderID, &txn.Gateway, &txn.IntentID, &txn.ClientSecret, &txn.ChargeID,
		&txn.IdempotencyKey, &txn.Amount, &txn.Currency, &txn.Status, &raw, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentTransaction{}, repositories.NewError(op, repositories.ErrorKindNotFound, err)
		}
		return domain.PaymentTransaction{}, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &txn.Raw); err != nil {
			return domain.PaymentTransaction{}, repositories.NewError(op, repositories.ErrorKindInternal, err)
		}
	}
	return txn, nil
}

func marshalRaw(raw map[string]any) ([]byte, error) {
	if raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(raw)
}
