// Package postgres implements the repository contracts over lib/pq.
package postgres

import (
	"context"
	"errors"

	"github.com/clawsite/api/internal/platform/postgres"
	"github.com/clawsite/api/internal/repositories"
)

// Registry wires the Postgres-backed repositories over one shared pool.
type Registry struct {
	db       *postgres.DB
	orders   *OrderRepository
	products *ProductRepository
	payments *PaymentRepository
	webhooks *WebhookEventRepository
	health   repositories.HealthRepository
}

// RegistryConfig carries construction inputs for the Postgres registry.
type RegistryConfig struct {
	DB     *postgres.DB
	Health repositories.HealthRepository
}

// NewRegistry constructs the repository registry over an open pool.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.DB == nil {
		return nil, errors.New("postgres registry: db is required")
	}
	return &Registry{
		db:       cfg.DB,
		orders:   NewOrderRepository(cfg.DB),
		products: NewProductRepository(cfg.DB),
		payments: NewPaymentRepository(cfg.DB),
		webhooks: NewWebhookEventRepository(cfg.DB),
		health:   cfg.Health,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the underlying pool.
func (r *Registry) Close(context.Context) error { return r.db.Close() }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Products returns the product repository.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Payments returns the payment transaction repository.
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

// WebhookEvents returns the webhook event ledger.
func (r *Registry) WebhookEvents() repositories.WebhookEventRepository { return r.webhooks }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx delegates to the shared transaction runner.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}
