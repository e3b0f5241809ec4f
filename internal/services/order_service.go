package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix   = "ord_"
	itemIDPrefix    = "itm_"
	paymentIDPrefix = "pay_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the operation is not legal in the order's current status.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates concurrent writers collided on unique state.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderIllegalCancellation indicates the order has advanced past the cancellable states.
	ErrOrderIllegalCancellation = errors.New("order: cannot cancel in current state")
	// ErrOrderPaymentExpired indicates the payment window lapsed before checkout completed.
	ErrOrderPaymentExpired = errors.New("order: payment window expired")
)

// cancellableStatuses enumerates where a customer cancellation may begin.
var cancellableStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusPaymentPending: true,
	domain.OrderStatusPaid:           true,
	domain.OrderStatusProcessing:     true,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderPolicy carries pricing and payment window policy applied at order creation.
type OrderPolicy struct {
	Currency         string
	PaymentTTL       time.Duration
	ShippingFlatFee  decimal.Decimal
	FreeShippingOver decimal.Decimal
	DefaultCountry   string
}

func (p OrderPolicy) withDefaults() OrderPolicy {
	if p.Currency == "" {
		p.Currency = "INR"
	}
	if p.PaymentTTL <= 0 {
		p.PaymentTTL = 15 * time.Minute
	}
	if p.DefaultCountry == "" {
		p.DefaultCountry = "India"
	}
	return p
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Payments    repositories.PaymentRepository
	Inventory   InventoryService
	Gateways    *payments.Manager
	UnitOfWork  repositories.UnitOfWork
	Policy      OrderPolicy
	Clock       func() time.Time
	IDGenerator func() string
	NumberGen   func(now time.Time) string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	payments   repositories.PaymentRepository
	inventory  InventoryService
	gateways   *payments.Manager
	unitOfWork repositories.UnitOfWork
	policy     OrderPolicy
	clock      func() time.Time
	newID      func() string
	newNumber  func(now time.Time) string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	numberGen := deps.NumberGen
	if numberGen == nil {
		numberGen = generateOrderNumber
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		payments:   deps.Payments,
		inventory:  deps.Inventory,
		gateways:   deps.Gateways,
		unitOfWork: unit,
		policy:     deps.Policy.withDefaults(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		newNumber: numberGen,
		events:    deps.Events,
		logger:    logger,
	}, nil
}

// generateOrderNumber produces customer-facing numbers like CS-202404-9F3A1C.
func generateOrderNumber(now time.Time) string {
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("CS-%s-%s", now.Format("200601"), random)
}

func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line is required", ErrOrderInvalidInput)
	}
	method := cmd.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodOnline
	}
	if method != domain.PaymentMethodOnline && method != domain.PaymentMethodCOD {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	shipping, err := s.normalizeShipping(cmd.Shipping)
	if err != nil {
		return Order{}, err
	}
	lines, err := mergeLines(cmd.Lines)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	var created Order

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		items := make([]domain.OrderItem, 0, len(lines))
		subtotal := decimal.Zero
		orderID := orderIDPrefix + s.newID()

		for _, line := range lines {
			product, err := s.products.FindByIDForUpdate(txCtx, line.ProductID)
			if err != nil {
				if repositories.IsNotFound(err) {
					return fmt.Errorf("%w: product %s", ErrOrderInvalidInput, line.ProductID)
				}
				return s.mapRepositoryError(err)
			}
			if !product.Active {
				return fmt.Errorf("%w: product %s is not purchasable", ErrOrderInvalidInput, line.ProductID)
			}
			if product.Stock < line.Quantity {
				return fmt.Errorf("%w: product %s", ErrInventoryInsufficientStock, line.ProductID)
			}

			lineTotal := product.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
			items = append(items, domain.OrderItem{
				ID:        itemIDPrefix + s.newID(),
				OrderID:   orderID,
				ProductID: product.ID,
				Name:      product.Name,
				UnitPrice: product.Price,
				Quantity:  line.Quantity,
				LineTotal: lineTotal,
			})
			subtotal = subtotal.Add(lineTotal)
		}

		shippingFee := s.shippingFee(subtotal)
		order := domain.Order{
			ID:             orderID,
			Number:         s.newNumber(now),
			UserID:         cmd.UserID,
			Status:         domain.OrderStatusCreated,
			PaymentMethod:  method,
			Currency:       s.policy.Currency,
			Subtotal:       subtotal,
			ShippingFee:    shippingFee,
			TaxAmount:      decimal.Zero,
			DiscountAmount: decimal.Zero,
			Total:          subtotal.Add(shippingFee),
			Shipping:       shipping,
			Items:          items,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if method == domain.PaymentMethodOnline {
			if err := order.Transition(domain.OrderStatusPaymentPending); err != nil {
				return s.mapTransitionError(err)
			}
			expiry := now.Add(s.policy.PaymentTTL)
			order.PaymentExpiresAt = &expiry
		}

		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}

		if method == domain.PaymentMethodCOD {
			// Cash orders settle at the door: stock is committed immediately
			// and the order walks the graph straight into fulfilment.
			if err := s.inventory.LockForOrder(txCtx, order.ID); err != nil {
				return err
			}
			locked, err := s.orders.FindByIDForUpdate(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			for _, next := range []domain.OrderStatus{
				domain.OrderStatusPaymentPending,
				domain.OrderStatusPaid,
				domain.OrderStatusProcessing,
			} {
				if err := locked.Transition(next); err != nil {
					return s.mapTransitionError(err)
				}
			}
			locked.UpdatedAt = s.clock()
			if err := s.orders.Update(txCtx, locked); err != nil {
				return s.mapRepositoryError(err)
			}
			order = locked
		}

		created = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       created.ID,
		OrderNumber:   created.Number,
		CurrentStatus: string(created.Status),
		ActorID:       cmd.UserID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"payment_method": string(created.PaymentMethod),
			"total":          created.Total.String(),
		},
	})
	return created, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if opts.UserID != "" && order.UserID != opts.UserID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}

	// Expiry is resolved lazily on read; no background sweeper exists.
	if order.PaymentExpired(s.clock()) {
		if err := s.resolveExpiredPayment(ctx, order.ID); err != nil {
			return Order{}, err
		}
		order, err = s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) StartOnlinePayment(ctx context.Context, cmd StartPaymentCommand) (PaymentTransaction, error) {
	if cmd.OrderID == "" {
		return PaymentTransaction{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if s.gateways == nil {
		return PaymentTransaction{}, errors.New("order service: payment gateways not configured")
	}
	provider, err := s.gateways.Provider(cmd.Gateway)
	if err != nil {
		return PaymentTransaction{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	var txn PaymentTransaction
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if cmd.UserID != "" && order.UserID != cmd.UserID {
			return fmt.Errorf("%w: order %s", ErrOrderNotFound, cmd.OrderID)
		}
		if order.PaymentMethod != domain.PaymentMethodOnline {
			return fmt.Errorf("%w: order %s is not an online order", ErrOrderInvalidState, cmd.OrderID)
		}

		now := s.clock()
		if order.PaymentExpired(now) {
			if err := s.expirePaymentLocked(txCtx, &order, now); err != nil {
				return err
			}
			return fmt.Errorf("%w: order %s", ErrOrderPaymentExpired, cmd.OrderID)
		}
		if order.Status != domain.OrderStatusPaymentPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, cmd.OrderID, order.Status)
		}

		existing, err := s.payments.FindByOrderAndGateway(txCtx, order.ID, provider.Name(), true)
		switch {
		case err == nil:
			// Retries reuse the stored intent so a double click can never
			// open two gateway charges for one order.
			if existing.Status == domain.PaymentStatusCreated && existing.ClientSecret != "" {
				txn = existing
				return nil
			}
			if existing.Status == domain.PaymentStatusSuccess {
				return fmt.Errorf("%w: order %s already paid", ErrOrderInvalidState, cmd.OrderID)
			}
		case repositories.IsNotFound(err):
			existing = PaymentTransaction{}
		default:
			return s.mapRepositoryError(err)
		}

		idempotencyKey := "order-" + order.ID
		intent, err := provider.CreatePayment(txCtx, payments.CreatePaymentRequest{
			OrderID:        order.ID,
			OrderNumber:    order.Number,
			UserID:         order.UserID,
			Amount:         order.Total,
			Currency:       order.Currency,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			return err
		}

		if existing.ID == "" {
			txn = domain.PaymentTransaction{
				ID:             paymentIDPrefix + s.newID(),
				OrderID:        order.ID,
				Gateway:        provider.Name(),
				IntentID:       intent.IntentID,
				ClientSecret:   intent.ClientSecret,
				IdempotencyKey: idempotencyKey,
				Amount:         order.Total,
				Currency:       order.Currency,
				Status:         domain.PaymentStatusCreated,
				Raw:            intent.Raw,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.payments.Insert(txCtx, txn); err != nil {
				return s.mapRepositoryError(err)
			}
		} else {
			existing.IntentID = intent.IntentID
			existing.ClientSecret = intent.ClientSecret
			existing.IdempotencyKey = idempotencyKey
			existing.Status = domain.PaymentStatusCreated
			existing.Raw = intent.Raw
			existing.UpdatedAt = now
			if err := s.payments.Update(txCtx, existing); err != nil {
				return s.mapRepositoryError(err)
			}
			txn = existing
		}

		order.PaymentAttempts++
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return PaymentTransaction{}, err
	}
	return txn, nil
}

func (s *orderService) VerifyPaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) error {
	if cmd.OrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if s.gateways == nil {
		return errors.New("order service: payment gateways not configured")
	}
	provider, err := s.gateways.Provider(cmd.Gateway)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if cmd.UserID != "" && order.UserID != cmd.UserID {
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, cmd.OrderID)
	}

	txn, err := s.payments.FindByOrderAndGateway(ctx, order.ID, provider.Name(), false)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if cmd.IntentID != "" && txn.IntentID != cmd.IntentID {
		return fmt.Errorf("%w: callback intent mismatch", ErrOrderInvalidInput)
	}

	// Callback verification is advisory only; webhooks remain the source of
	// truth for the actual status transition.
	return provider.VerifyCallbackSignature(ctx, payments.CallbackVerification{
		IntentID:  txn.IntentID,
		PaymentID: cmd.PaymentID,
		Signature: cmd.Signature,
	})
}

func (s *orderService) HandlePaymentSucceeded(ctx context.Context, notice GatewayNotice) error {
	var (
		previous domain.OrderStatus
		updated  Order
		changed  bool
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.findOrderForNotice(txCtx, notice)
		if err != nil {
			return err
		}
		previous = order.Status
		now := s.clock()

		txn, err := s.payments.FindByOrderAndGateway(txCtx, order.ID, notice.Provider, true)
		switch {
		case err == nil:
			if txn.Status != domain.PaymentStatusSuccess {
				txn.Status = domain.PaymentStatusSuccess
				if notice.ChargeID != "" {
					txn.ChargeID = notice.ChargeID
				}
				if notice.IntentID != "" && txn.IntentID == "" {
					txn.IntentID = notice.IntentID
				}
				txn.UpdatedAt = now
				if err := s.payments.Update(txCtx, txn); err != nil {
					return s.mapRepositoryError(err)
				}
			}
		case repositories.IsNotFound(err):
			// Webhook arrived before (or without) a local payment row.
			txn = domain.PaymentTransaction{
				ID:        paymentIDPrefix + s.newID(),
				OrderID:   order.ID,
				Gateway:   notice.Provider,
				IntentID:  notice.IntentID,
				ChargeID:  notice.ChargeID,
				Amount:    order.Total,
				Currency:  order.Currency,
				Status:    domain.PaymentStatusSuccess,
				Raw:       notice.Payload,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.payments.Insert(txCtx, txn); err != nil {
				return s.mapRepositoryError(err)
			}
		default:
			return s.mapRepositoryError(err)
		}

		// Only pending orders move forward; redeliveries and late webhooks
		// for settled orders are no-ops.
		if order.Status != domain.OrderStatusPaymentPending {
			return nil
		}

		if err := s.inventory.LockForOrder(txCtx, order.ID); err != nil {
			return err
		}
		order, err = s.orders.FindByIDForUpdate(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		for _, next := range []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusProcessing} {
			if err := order.Transition(next); err != nil {
				return s.mapTransitionError(err)
			}
		}
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.publishStatusChange(ctx, updated, previous, "gateway:"+notice.Provider)
	}
	return nil
}

func (s *orderService) HandlePaymentFailed(ctx context.Context, notice GatewayNotice) error {
	var (
		previous domain.OrderStatus
		updated  Order
		changed  bool
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.findOrderForNotice(txCtx, notice)
		if err != nil {
			return err
		}
		previous = order.Status
		now := s.clock()

		txn, err := s.payments.FindByOrderAndGateway(txCtx, order.ID, notice.Provider, true)
		if err == nil && txn.Status == domain.PaymentStatusCreated {
			txn.Status = domain.PaymentStatusFailed
			txn.UpdatedAt = now
			if err := s.payments.Update(txCtx, txn); err != nil {
				return s.mapRepositoryError(err)
			}
		} else if err != nil && !repositories.IsNotFound(err) {
			return s.mapRepositoryError(err)
		}

		if order.Status != domain.OrderStatusPaymentPending {
			return nil
		}

		if order.StockLocked && !order.StockRestored {
			if err := s.inventory.RestoreForOrder(txCtx, order.ID); err != nil {
				return err
			}
			order, err = s.orders.FindByIDForUpdate(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
		}

		if err := order.Transition(domain.OrderStatusPaymentFailed); err != nil {
			return s.mapTransitionError(err)
		}
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.publishStatusChange(ctx, updated, previous, "gateway:"+notice.Provider)
	}
	return nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	if cmd.OrderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		previous domain.OrderStatus
		updated  Order
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if cmd.UserID != "" && order.UserID != cmd.UserID {
			return fmt.Errorf("%w: order %s", ErrOrderNotFound, cmd.OrderID)
		}
		if !cancellableStatuses[order.Status] {
			return fmt.Errorf("%w: order %s is %s", ErrOrderIllegalCancellation, cmd.OrderID, order.Status)
		}
		previous = order.Status
		now := s.clock()

		if order.StockLocked && !order.StockRestored {
			if err := s.inventory.RestoreForOrder(txCtx, order.ID); err != nil {
				return err
			}
			order, err = s.orders.FindByIDForUpdate(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
		}

		if previous == domain.OrderStatusPaymentPending {
			// Nothing has been captured yet, so the order cancels outright.
			if err := order.Transition(domain.OrderStatusCancelled); err != nil {
				return s.mapTransitionError(err)
			}
		} else {
			if err := order.Transition(domain.OrderStatusCancelRequested); err != nil {
				return s.mapTransitionError(err)
			}

			// A captured online payment keeps the order parked in
			// CANCEL_REQUESTED until the refund is finalised; everything else
			// cancels outright.
			needsRefund := order.PaymentMethod == domain.PaymentMethodOnline &&
				!order.RefundProcessed
			if !needsRefund {
				if err := order.Transition(domain.OrderStatusCancelled); err != nil {
					return s.mapTransitionError(err)
				}
			}
		}

		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishStatusChange(ctx, updated, previous, cmd.UserID)
	return updated, nil
}

func (s *orderService) MarkRefunded(ctx context.Context, cmd MarkRefundedCommand) (Order, error) {
	if cmd.OrderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		previous domain.OrderStatus
		updated  Order
		changed  bool
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.RefundProcessed {
			updated = order
			return nil
		}
		if order.Status != domain.OrderStatusCancelRequested && order.Status != domain.OrderStatusPaid {
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, cmd.OrderID, order.Status)
		}
		previous = order.Status
		now := s.clock()

		if order.StockLocked && !order.StockRestored {
			if err := s.inventory.RestoreForOrder(txCtx, order.ID); err != nil {
				return err
			}
			order, err = s.orders.FindByIDForUpdate(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
		}

		txns, err := s.payments.ListByOrder(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		for _, txn := range txns {
			if txn.Status != domain.PaymentStatusSuccess {
				continue
			}
			txn.Status = domain.PaymentStatusRefunded
			txn.UpdatedAt = now
			if err := s.payments.Update(txCtx, txn); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		if err := order.Transition(domain.OrderStatusRefunded); err != nil {
			return s.mapTransitionError(err)
		}
		order.RefundProcessed = true
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if changed {
		s.publishStatusChange(ctx, updated, previous, cmd.ActorID)
	}
	return updated, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if cmd.OrderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Target)
	}

	var (
		previous domain.OrderStatus
		updated  Order
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status
		if err := order.Transition(cmd.Target); err != nil {
			return s.mapTransitionError(err)
		}
		order.UpdatedAt = s.clock()
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishStatusChange(ctx, updated, previous, cmd.ActorID)
	return updated, nil
}

// resolveExpiredPayment re-checks the expiry under a row lock before failing
// the order, so a webhook racing the read cannot be clobbered.
func (s *orderService) resolveExpiredPayment(ctx context.Context, orderID string) error {
	return s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		now := s.clock()
		if !order.PaymentExpired(now) {
			return nil
		}
		return s.expirePaymentLocked(txCtx, &order, now)
	})
}

// expirePaymentLocked fails a pending order whose payment window lapsed.
// Callers hold the order row lock.
func (s *orderService) expirePaymentLocked(txCtx context.Context, order *domain.Order, now time.Time) error {
	previous := order.Status

	if order.StockLocked && !order.StockRestored {
		if err := s.inventory.RestoreForOrder(txCtx, order.ID); err != nil {
			return err
		}
		refreshed, err := s.orders.FindByIDForUpdate(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		*order = refreshed
	}

	if err := order.Transition(domain.OrderStatusPaymentFailed); err != nil {
		return s.mapTransitionError(err)
	}
	order.UpdatedAt = now
	if err := s.orders.Update(txCtx, *order); err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(txCtx, "order.payment.expired", map[string]any{
		"order":  order.ID,
		"status": string(order.Status),
	})
	s.publishStatusChange(txCtx, *order, previous, "system:expiry")
	return nil
}

// findOrderForNotice locks the order a webhook notice refers to, resolving
// through the stored intent when the gateway omitted the order reference.
func (s *orderService) findOrderForNotice(txCtx context.Context, notice GatewayNotice) (domain.Order, error) {
	orderID := notice.OrderID
	if orderID == "" && notice.IntentID != "" {
		txn, err := s.payments.FindByIntentID(txCtx, notice.Provider, notice.IntentID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return domain.Order{}, fmt.Errorf("%w: no order for intent %s", ErrOrderNotFound, notice.IntentID)
			}
			return domain.Order{}, s.mapRepositoryError(err)
		}
		orderID = txn.OrderID
	}
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: notice carries no order reference", ErrOrderNotFound)
	}

	order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// mergeLines folds duplicate product references into single lines and fixes a
// deterministic ordering.
func mergeLines(lines []OrderLine) ([]OrderLine, error) {
	byProduct := make(map[string]int, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, fmt.Errorf("%w: line is missing product id", ErrOrderInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s quantity must be positive", ErrOrderInvalidInput, line.ProductID)
		}
		byProduct[line.ProductID] += line.Quantity
	}

	merged := make([]OrderLine, 0, len(byProduct))
	for productID, quantity := range byProduct {
		merged = append(merged, OrderLine{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ProductID < merged[j].ProductID
	})
	return merged, nil
}

func (s *orderService) normalizeShipping(in ShippingDetails) (ShippingDetails, error) {
	required := map[string]string{
		"full name":    in.FullName,
		"phone":        in.Phone,
		"address line": in.AddressLine,
		"city":         in.City,
		"pincode":      in.Pincode,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return ShippingDetails{}, fmt.Errorf("%w: shipping %s is required", ErrOrderInvalidInput, field)
		}
	}
	if strings.TrimSpace(in.Country) == "" {
		in.Country = s.policy.DefaultCountry
	}
	return in, nil
}

func (s *orderService) shippingFee(subtotal decimal.Decimal) decimal.Decimal {
	if s.policy.FreeShippingOver.IsPositive() && subtotal.GreaterThanOrEqual(s.policy.FreeShippingOver) {
		return decimal.Zero
	}
	return s.policy.ShippingFlatFee
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) publishStatusChange(ctx context.Context, order Order, previous domain.OrderStatus, actorID string) {
	if order.Status == previous {
		return
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		OccurredAt:     s.clock(),
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) mapTransitionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
	}
	return err
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
