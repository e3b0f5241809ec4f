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

const productColumns = `id, sku, name, price, stock, active, created_at, updated_at`

// ProductRepository persists catalogue entries in Postgres.
type ProductRepository struct {
	db *postgres.DB
}

// NewProductRepository constructs a ProductRepository over the shared pool.
func NewProductRepository(db *postgres.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// Insert stores a catalogue entry.
func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	const op = "products.insert"
	_, err := r.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		product.ID, product.SKU, product.Name, product.Price,
		product.Stock, product.Active, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// FindByID loads a product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	return r.findOne(ctx, "products.find_by_id",
		`SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
}

// FindByIDForUpdate loads a product under FOR UPDATE. Callers must hold an
// open transaction on the context.
func (r *ProductRepository) FindByIDForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	const op = "products.find_by_id_for_update"
	if _, ok := postgres.TxFromContext(ctx); !ok {
		return domain.Product{}, repositories.NewError(op, repositories.ErrorKindInternal,
			errors.New("row lock requested outside a transaction"))
	}
	return r.findOne(ctx, op, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
}

func (r *ProductRepository) findOne(ctx context.Context, op, query, productID string) (domain.Product, error) {
	var product domain.Product
	err := r.db.Querier(ctx).QueryRowContext(ctx, query, productID).Scan(
		&product.ID, &product.SKU, &product.Name, &product.Price,
		&product.Stock, &product.Active, &product.CreatedAt, &product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, repositories.NewError(op, repositories.ErrorKindNotFound, err)
		}
		return domain.Product{}, repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	return product, nil
}

// AdjustStock applies a relative stock delta. Decrements carry a guard clause
// so the counter never crosses zero even under concurrent writers; a guard
// miss surfaces as a conflict.
func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, delta int) error {
	const op = "products.adjust_stock"

	var (
		result sql.Result
		err    error
	)
	q := r.db.Querier(ctx)
	if delta < 0 {
		need := -delta
		result, err = q.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2`, productID, need)
	} else {
		result, err = q.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $2, updated_at = now()
			WHERE id = $1`, productID, delta)
	}
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return repositories.NewError(op, repositories.ErrorKindInternal, err)
	}
	if affected == 0 {
		if delta < 0 {
			return repositories.NewError(op, repositories.ErrorKindConflict,
				fmt.Errorf("product %s: insufficient stock for decrement of %d", productID, -delta))
		}
		return repositories.NewError(op, repositories.ErrorKindNotFound,
			fmt.Errorf("product %s not found", productID))
	}
	return nil
}
