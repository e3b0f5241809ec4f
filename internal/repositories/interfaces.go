package repositories

import (
	"context"
	"time"

	"github.com/clawsite/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Payments() PaymentRepository
	WebhookEvents() WebhookEventRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a single transactional boundary.
// Nested calls join the enclosing transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates and their item snapshots.
type OrderRepository interface {
	// Insert stores the order together with its items.
	Insert(ctx context.Context, order domain.Order) error
	// Update persists mutable aggregate state: status, idempotency flags,
	// payment attempts and expiry. Item snapshots are immutable.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByIDForUpdate loads the order under a row lock. Callers must hold an
	// open transaction on the context.
	FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, number string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
}

// ProductRepository persists catalogue entries and their stock counters.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindByIDForUpdate loads the product under a row lock. Callers must hold
	// an open transaction on the context.
	FindByIDForUpdate(ctx context.Context, productID string) (domain.Product, error)
	// AdjustStock applies a relative stock delta. Decrements are guarded so the
	// counter never goes negative; a guard miss reports a conflict error.
	AdjustStock(ctx context.Context, productID string, delta int) error
}

// PaymentRepository persists gateway payment attempts, one row per
// (order, gateway) pair.
type PaymentRepository interface {
	Insert(ctx context.Context, txn domain.PaymentTransaction) error
	Update(ctx context.Context, txn domain.PaymentTransaction) error
	FindByOrderAndGateway(ctx context.Context, orderID, gateway string, forUpdate bool) (domain.PaymentTransaction, error)
	FindByIntentID(ctx context.Context, gateway, intentID string) (domain.PaymentTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error)
}

// WebhookEventRepository is the dedup ledger for gateway notifications.
type WebhookEventRepository interface {
	// Insert records the event with first-write-wins semantics on
	// (gateway, event id). It reports false when the event already existed.
	Insert(ctx context.Context, event domain.WebhookEvent) (bool, error)
	FindByEventID(ctx context.Context, gateway, eventID string) (domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, gateway, eventID string, processedAt time.Time) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
