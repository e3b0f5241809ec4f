package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when an order status change is not part of
// the lifecycle graph.
var ErrInvalidTransition = errors.New("order: invalid status transition")

// OrderStatus enumerates the lifecycle states an order can occupy.
type OrderStatus string

const (
	// OrderStatusCreated is the initial state assigned at order creation.
	OrderStatusCreated OrderStatus = "CREATED"
	// OrderStatusPaymentPending indicates the order awaits gateway confirmation.
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	// OrderStatusPaymentFailed indicates the payment failed or expired.
	OrderStatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	// OrderStatusPaid indicates the payment was captured.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusProcessing indicates fulfilment has started.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped indicates the shipment left the warehouse.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the shipment reached the customer.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelRequested indicates cancellation is underway.
	OrderStatusCancelRequested OrderStatus = "CANCEL_REQUESTED"
	// OrderStatusCancelled indicates the order was cancelled.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded indicates the captured payment was returned.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// orderStatusTransitions is the only authority on which status changes are
// legal. Terminal states have no outgoing edges.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:         {OrderStatusPaymentPending, OrderStatusCancelled},
	OrderStatusPaymentPending:  {OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaymentFailed:   {OrderStatusPaymentPending, OrderStatusCancelled},
	OrderStatusPaid:            {OrderStatusProcessing, OrderStatusCancelRequested, OrderStatusRefunded},
	OrderStatusProcessing:      {OrderStatusShipped, OrderStatusCancelRequested},
	OrderStatusShipped:         {OrderStatusDelivered},
	OrderStatusCancelRequested: {OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusDelivered:       {},
	OrderStatusCancelled:       {},
	OrderStatusRefunded:        {},
}

// CanTransition reports whether the lifecycle graph contains an edge from one
// status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, candidate := range orderStatusTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return len(orderStatusTransitions[s]) == 0
}

// Valid reports whether the status is part of the lifecycle graph.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// PaymentMethod enumerates how an order is settled.
type PaymentMethod string

const (
	// PaymentMethodOnline settles through a payment gateway.
	PaymentMethodOnline PaymentMethod = "ONLINE"
	// PaymentMethodCOD settles in cash on delivery.
	PaymentMethodCOD PaymentMethod = "COD"
)

// ShippingDetails is the address snapshot frozen onto an order at creation.
type ShippingDetails struct {
	FullName    string
	Phone       string
	AddressLine string
	City        string
	State       string
	Pincode     string
	Country     string
}

// OrderItem freezes a product line at purchase time. UnitPrice is the price
// charged, independent of later catalogue changes.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Order is the aggregate root for the purchase lifecycle.
type Order struct {
	ID               string
	Number           string
	UserID           string
	Status           OrderStatus
	PaymentMethod    PaymentMethod
	Currency         string
	Subtotal         decimal.Decimal
	ShippingFee      decimal.Decimal
	TaxAmount        decimal.Decimal
	DiscountAmount   decimal.Decimal
	Total            decimal.Decimal
	Shipping         ShippingDetails
	Items            []OrderItem
	StockLocked      bool
	StockRestored    bool
	RefundProcessed  bool
	PaymentAttempts  int
	PaymentExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transition moves the order to the target status or fails with
// ErrInvalidTransition when the lifecycle graph has no such edge.
func (o *Order) Transition(to OrderStatus) error {
	if o == nil {
		return fmt.Errorf("%w: order is nil", ErrInvalidTransition)
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	return nil
}

// PaymentExpired reports whether an online payment window has lapsed.
func (o *Order) PaymentExpired(now time.Time) bool {
	if o == nil || o.PaymentExpiresAt == nil {
		return false
	}
	if o.Status != OrderStatusPaymentPending {
		return false
	}
	return now.After(*o.PaymentExpiresAt)
}
