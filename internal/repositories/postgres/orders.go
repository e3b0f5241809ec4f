package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/platform/postgres"
	"github.com/clawsite/api/internal/repositories"
)

const orderColumns = `id, number, user_id, status, payment_method, currency,
subtotal, shipping_fee, tax_amount, discount_amount, total,
ship_full_name, ship_phone, ship_address_line, ship_city, ship_state, ship_pincode, ship_country,
stock_locked, stock_restored, refund_processed, payment_attempts, payment_expires_at,
created_at, updated_at`

// OrderRepository persists order aggregates in Postgres.
type OrderRepository struct {
	db *postgres.DB
}

// NewOrderRepository constructs an OrderRepository over the shared pool.
func NewOrderRepository(db *postgres.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert stores the order row together with its item snapshots.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	const op = "orders.insert"
	q := r.db.Querier(ctx)

	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25)`,
		order.ID, order.Number, order.UserID, order.Status, order.PaymentMethod, order.Currency,
		order.Subtotal, order.ShippingFee, order.TaxAmount, order.DiscountAmount, order.Total,
		order.Shipping.FullName, order.Shipping.Phone, order.Shipping.AddressLine,
		order.Shipping.City, order.Shipping.State, order.Shipping.Pincode, order.Shipping.Country,
		order.StockLocked, order.StockRestored, order.RefundProcessed,
		order.PaymentAttempts, order.PaymentExpiresAt,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError(op, err)
	}

	for _, item := range order.Items {
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, name, unit_price, quantity, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, order.ID, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.LineTotal,
		)
		if err != nil {
			return wrapWriteError(op, err)
		}
	}
	return nil
}

// Update persists the mutable aggregate state. Item snapshots are immutable
// and never rewritten here.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	const op = "orders.update"
	result, err := r.db.Querier(ctx).ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
			stock_locked = $3,
			stock_restored = $4,
			refund_processed = $5,
			payment_attempts = $6,
			payment_expires_at = $7,
			updated_at = $8
		WHERE id = $1`,
		order.ID, order.Status, order.StockLocked, order.StockRestored,
		order.RefundProcessed, order.PaymentAttempts, order.PaymentExpiresAt, order.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	if affected == 0 {
		return repositories.NewError(op, repositories.ErrorKindNotFound, fmt.Errorf("order %s not found", order.ID))
	}
	return nil
}

// FindByID loads the order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_id", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

// FindByIDForUpdate loads the order under FOR UPDATE. The caller must hold an
// open transaction on the context; locking on the pool would be silently useless.
func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "orders.find_by_id_for_update"
	if _, ok := postgres.TxFromContext(ctx); !ok {
		return domain.Order{}, repositories.NewError(op, repositories.ErrorKindInternal,
			errors.New("row lock requested outside a transaction"))
	}
	return r.findOne(ctx, op, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

// FindByNumber loads the order by its customer-facing number.
func (r *OrderRepository) FindByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_number", `SELECT `+orderColumns+` FROM orders WHERE number = $1`, number)
}

func (r *OrderRepository) findOne(ctx context.Context, op, query string, arg any) (domain.Order, error) {
	row := r.db.Querier(ctx).QueryRowContext(ctx, query, arg)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, repositories.NewError(op, repositories.ErrorKindNotFound, err)
		}
		return domain.Order{}, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}

	items, err := r.ListItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

// ListByUser returns the user's orders newest first, items included.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	const op = "orders.list_by_user"
	rows, err := r.db.Querier(ctx).QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}

	for i := range orders {
		items, err := r.ListItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// ListItems returns the item snapshots for an order.
func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	const op = "orders.list_items"
	rows, err := r.db.Querier(ctx).QueryContext(ctx, `
		SELECT id, order_id, product_id, name, unit_price, quantity, line_total
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id`, orderID)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Name,
			&item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.Number, &order.UserID, &order.Status, &order.PaymentMethod, &order.Currency,
		&order.Subtotal, &order.ShippingFee, &order.TaxAmount, &order.DiscountAmount, &order.Total,
		&order.Shipping.FullName, &order.Shipping.Phone, &order.Shipping.AddressLine,
		&order.Shipping.City, &order.Shipping.State, &order.Shipping.Pincode, &order.Shipping.Country,
		&order.StockLocked, &order.StockRestored, &order.RefundProcessed,
		&order.PaymentAttempts, &expiresAt,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		order.PaymentExpiresAt = &t
	}
	return order, nil
}

func wrapWriteError(op string, err error) error {
	if postgres.IsUniqueViolation(err, "") {
		return repositories.NewError(op, repositories.ErrorKindConflict, err)
	}
	return repositories.NewError(op, repositories.ErrorKindInternal, err)
}
