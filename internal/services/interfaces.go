package services

import (
	"context"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	ShippingDetails    = domain.ShippingDetails
	Product            = domain.Product
	PaymentTransaction = domain.PaymentTransaction
	WebhookEvent       = domain.WebhookEvent
	SystemHealthReport = domain.SystemHealthReport

	GatewayNotice = payments.GatewayNotice
)

// OrderService orchestrates the order lifecycle: creation, payment, webhook
// driven transitions, cancellation and refunds.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListOrders(ctx context.Context, userID string) ([]Order, error)
	StartOnlinePayment(ctx context.Context, cmd StartPaymentCommand) (PaymentTransaction, error)
	VerifyPaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) error
	HandlePaymentSucceeded(ctx context.Context, notice GatewayNotice) error
	HandlePaymentFailed(ctx context.Context, notice GatewayNotice) error
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	MarkRefunded(ctx context.Context, cmd MarkRefundedCommand) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// OrderLine is one requested cart line at order creation.
type OrderLine struct {
	ProductID string
	Quantity  int
}

// CreateOrderCommand captures the inputs to create an order from a cart.
type CreateOrderCommand struct {
	UserID        string
	Lines         []OrderLine
	Shipping      ShippingDetails
	PaymentMethod PaymentMethod
}

// OrderReadOptions scopes order reads.
type OrderReadOptions struct {
	// UserID, when set, restricts the read to orders owned by that user.
	UserID string
}

// StartPaymentCommand opens (or reuses) a gateway payment for an order.
type StartPaymentCommand struct {
	OrderID string
	UserID  string
	// Gateway overrides the default provider when set.
	Gateway string
}

// PaymentCallbackCommand carries client redirect parameters for verification.
type PaymentCallbackCommand struct {
	OrderID   string
	UserID    string
	Gateway   string
	IntentID  string
	PaymentID string
	Signature string
}

// CancelOrderCommand requests cancellation of an order.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
}

// MarkRefundedCommand finalises a refund on a cancel-requested or paid order.
type MarkRefundedCommand struct {
	OrderID string
	ActorID string
}

// OrderStatusTransitionCommand moves an order along the fulfilment edges of
// the lifecycle graph (shipped, delivered).
type OrderStatusTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	ActorID string
}

// InventoryService guards stock movements tied to order lifecycle changes.
// Both operations are idempotent per order and must run inside the caller's
// transaction when invoked mid-flow.
type InventoryService interface {
	LockForOrder(ctx context.Context, orderID string) error
	RestoreForOrder(ctx context.Context, orderID string) error
}

// WebhookService owns the at-most-once processing pipeline for gateway
// notifications: record, dispatch, mark processed.
type WebhookService interface {
	Process(ctx context.Context, notice GatewayNotice) (WebhookProcessResult, error)
}

// WebhookProcessResult reports the outcome of a webhook delivery.
type WebhookProcessResult struct {
	// Duplicate is true when the event was already recorded and processing
	// was skipped.
	Duplicate bool
	// ProcessingError carries a dispatch failure that must be surfaced in
	// logs while still acknowledging the delivery.
	ProcessingError error
}

// SystemService exposes operational health surface for probes.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
}
