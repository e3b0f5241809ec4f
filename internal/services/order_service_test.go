package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/payments"
)

type orderFixture struct {
	orders    *memOrderRepo
	products  *memProductRepo
	payments  *memPaymentRepo
	gateway   *fakeGateway
	publisher *recordingPublisher
	now       time.Time
	service   OrderService
}

func (fx *orderFixture) advance(d time.Duration) {
	fx.now = fx.now.Add(d)
}

func newOrderFixture(t *testing.T, products ...domain.Product) *orderFixture {
	t.Helper()

	fx := &orderFixture{
		orders:    newMemOrderRepo(),
		products:  newMemProductRepo(products...),
		payments:  newMemPaymentRepo(),
		gateway:   &fakeGateway{name: "razorpay"},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fx.now }

	inventory, err := NewInventoryService(InventoryServiceDeps{
		Orders:   fx.orders,
		Products: fx.products,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	manager, err := payments.NewManager([]payments.Provider{fx.gateway})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:    fx.orders,
		Products:  fx.products,
		Payments:  fx.payments,
		Inventory: inventory,
		Gateways:  manager,
		Policy: OrderPolicy{
			Currency:         "INR",
			PaymentTTL:       15 * time.Minute,
			ShippingFlatFee:  decimal.NewFromInt(49),
			FreeShippingOver: decimal.NewFromInt(999),
		},
		Clock: clock,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("%08d", seq)
		},
		NumberGen: func(now time.Time) string {
			seq++
			return fmt.Sprintf("CS-%s-%06d", now.Format("200601"), seq)
		},
		Events: fx.publisher,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.service = svc
	return fx
}

func testProduct(id string, price int64, stock int) domain.Product {
	return domain.Product{
		ID:     id,
		SKU:    "sku-" + id,
		Name:   "Product " + id,
		Price:  decimal.NewFromInt(price),
		Stock:  stock,
		Active: true,
	}
}

func testShipping() domain.ShippingDetails {
	return domain.ShippingDetails{
		FullName:    "Asha Rao",
		Phone:       "+91-9000000000",
		AddressLine: "12 MG Road",
		City:        "Bengaluru",
		State:       "Karnataka",
		Pincode:     "560001",
	}
}

func TestCreateFromCartOnline(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 450, 5), testProduct("prod_b", 120, 5))

	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID: "user_1",
		Lines: []OrderLine{
			{ProductID: "prod_a", Quantity: 1},
			{ProductID: "prod_b", Quantity: 2},
		},
		Shipping:      testShipping(),
		PaymentMethod: domain.PaymentMethodOnline,
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	if order.Status != domain.OrderStatusPaymentPending {
		t.Fatalf("status = %s, want %s", order.Status, domain.OrderStatusPaymentPending)
	}
	if got := order.Subtotal.String(); got != "690" {
		t.Fatalf("subtotal = %s, want 690", got)
	}
	if got := order.ShippingFee.String(); got != "49" {
		t.Fatalf("shipping fee = %s, want 49", got)
	}
	if got := order.Total.String(); got != "739" {
		t.Fatalf("total = %s, want 739", got)
	}
	if order.PaymentExpiresAt == nil {
		t.Fatal("payment expiry not set for online order")
	}
	if want := fx.now.Add(15 * time.Minute); !order.PaymentExpiresAt.Equal(want) {
		t.Fatalf("payment expiry = %s, want %s", order.PaymentExpiresAt, want)
	}
	if len(order.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(order.Items))
	}
	if order.Shipping.Country != "India" {
		t.Fatalf("country = %q, want India", order.Shipping.Country)
	}

	// Stock is only reserved once payment succeeds.
	if got := fx.products.stock("prod_a"); got != 5 {
		t.Fatalf("prod_a stock = %d, want 5", got)
	}

	created := fx.publisher.byType("order.created")
	if len(created) != 1 {
		t.Fatalf("order.created events = %d, want 1", len(created))
	}
	if created[0].OrderID != order.ID || created[0].ActorID != "user_1" {
		t.Fatalf("unexpected event: %+v", created[0])
	}
}

func TestCreateFromCartFreeShippingOverThreshold(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 500, 5))

	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID:   "user_1",
		Lines:    []OrderLine{{ProductID: "prod_a", Quantity: 2}},
		Shipping: testShipping(),
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}
	if !order.ShippingFee.IsZero() {
		t.Fatalf("shipping fee = %s, want 0", order.ShippingFee)
	}
	if got := order.Total.String(); got != "1000" {
		t.Fatalf("total = %s, want 1000", got)
	}
}

func TestCreateFromCartMergesDuplicateLines(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 10))

	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID: "user_1",
		Lines: []OrderLine{
			{ProductID: "prod_a", Quantity: 2},
			{ProductID: "prod_a", Quantity: 3},
		},
		Shipping: testShipping(),
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}
	if len(order.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(order.Items))
	}
	if order.Items[0].Quantity != 5 {
		t.Fatalf("quantity = %d, want 5", order.Items[0].Quantity)
	}
}

func TestCreateFromCartCashOnDelivery(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 200, 3))

	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID:        "user_1",
		Lines:         []OrderLine{{ProductID: "prod_a", Quantity: 2}},
		Shipping:      testShipping(),
		PaymentMethod: domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want %s", order.Status, domain.OrderStatusProcessing)
	}
	if !order.StockLocked {
		t.Fatal("stock not locked for cash order")
	}
	if got := fx.products.stock("prod_a"); got != 1 {
		t.Fatalf("prod_a stock = %d, want 1", got)
	}
}

func TestCreateFromCartRejections(t *testing.T) {
	tests := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{
			name: "missing user",
			cmd:  CreateOrderCommand{Lines: []OrderLine{{ProductID: "prod_a", Quantity: 1}}, Shipping: testShipping()},
			want: ErrOrderInvalidInput,
		},
		{
			name: "no lines",
			cmd:  CreateOrderCommand{UserID: "user_1", Shipping: testShipping()},
			want: ErrOrderInvalidInput,
		},
		{
			name: "zero quantity",
			cmd: CreateOrderCommand{
				UserID:   "user_1",
				Lines:    []OrderLine{{ProductID: "prod_a", Quantity: 0}},
				Shipping: testShipping(),
			},
			want: ErrOrderInvalidInput,
		},
		{
			name: "missing shipping city",
			cmd: CreateOrderCommand{
				UserID: "user_1",
				Lines:  []OrderLine{{ProductID: "prod_a", Quantity: 1}},
				Shipping: domain.ShippingDetails{
					FullName:    "Asha Rao",
					Phone:       "+91-9000000000",
					AddressLine: "12 MG Road",
					Pincode:     "560001",
				},
			},
			want: ErrOrderInvalidInput,
		},
		{
			name: "unknown product",
			cmd: CreateOrderCommand{
				UserID:   "user_1",
				Lines:    []OrderLine{{ProductID: "prod_missing", Quantity: 1}},
				Shipping: testShipping(),
			},
			want: ErrOrderInvalidInput,
		},
		{
			name: "insufficient stock",
			cmd: CreateOrderCommand{
				UserID:   "user_1",
				Lines:    []OrderLine{{ProductID: "prod_a", Quantity: 99}},
				Shipping: testShipping(),
			},
			want: ErrInventoryInsufficientStock,
		},
		{
			name: "inactive product",
			cmd: CreateOrderCommand{
				UserID:   "user_1",
				Lines:    []OrderLine{{ProductID: "prod_off", Quantity: 1}},
				Shipping: testShipping(),
			},
			want: ErrOrderInvalidInput,
		},
	}

	inactive := testProduct("prod_off", 100, 5)
	inactive.Active = false
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5), inactive)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.service.CreateFromCart(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("CreateFromCart error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGetOrderScopedToOwner(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	if _, err := fx.service.GetOrder(context.Background(), order.ID, OrderReadOptions{UserID: "user_1"}); err != nil {
		t.Fatalf("GetOrder as owner: %v", err)
	}
	if _, err := fx.service.GetOrder(context.Background(), order.ID, OrderReadOptions{UserID: "user_2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("GetOrder as stranger = %v, want %v", err, ErrOrderNotFound)
	}
}

func TestGetOrderResolvesExpiredPayment(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	fx.advance(16 * time.Minute)

	got, err := fx.service.GetOrder(context.Background(), order.ID, OrderReadOptions{})
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("status = %s, want %s", got.Status, domain.OrderStatusPaymentFailed)
	}

	changed := fx.publisher.byType("order.status.changed")
	if len(changed) != 1 {
		t.Fatalf("status changed events = %d, want 1", len(changed))
	}
	if changed[0].ActorID != "system:expiry" {
		t.Fatalf("actor = %q, want system:expiry", changed[0].ActorID)
	}
}

func TestStartOnlinePaymentCreatesIntent(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	txn, err := fx.service.StartOnlinePayment(context.Background(), StartPaymentCommand{
		OrderID: order.ID,
		UserID:  "user_1",
	})
	if err != nil {
		t.Fatalf("StartOnlinePayment: %v", err)
	}

	if txn.Gateway != "razorpay" {
		t.Fatalf("gateway = %q, want razorpay", txn.Gateway)
	}
	if txn.Status != domain.PaymentStatusCreated {
		t.Fatalf("status = %s, want %s", txn.Status, domain.PaymentStatusCreated)
	}
	if txn.ClientSecret == "" || txn.IntentID == "" {
		t.Fatalf("intent fields missing: %+v", txn)
	}
	if !txn.Amount.Equal(order.Total) {
		t.Fatalf("amount = %s, want %s", txn.Amount, order.Total)
	}
	if want := "order-" + order.ID; txn.IdempotencyKey != want {
		t.Fatalf("idempotency key = %q, want %q", txn.IdempotencyKey, want)
	}
	persisted, err := fx.payments.FindByOrderAndGateway(context.Background(), order.ID, "razorpay", false)
	if err != nil {
		t.Fatalf("FindByOrderAndGateway: %v", err)
	}
	if persisted.IdempotencyKey != txn.IdempotencyKey {
		t.Fatalf("persisted idempotency key = %q, want %q", persisted.IdempotencyKey, txn.IdempotencyKey)
	}

	stored, err := fx.orders.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.PaymentAttempts != 1 {
		t.Fatalf("payment attempts = %d, want 1", stored.PaymentAttempts)
	}
}

func TestStartOnlinePaymentReusesOpenIntent(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	first, err := fx.service.StartOnlinePayment(context.Background(), StartPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("first StartOnlinePayment: %v", err)
	}
	second, err := fx.service.StartOnlinePayment(context.Background(), StartPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("second StartOnlinePayment: %v", err)
	}

	if first.IntentID != second.IntentID {
		t.Fatalf("intent ids differ: %q vs %q", first.IntentID, second.IntentID)
	}
	if fx.gateway.createCalls != 1 {
		t.Fatalf("gateway calls = %d, want 1", fx.gateway.createCalls)
	}
}

func TestStartOnlinePaymentAfterExpiryFailsOrder(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	fx.advance(20 * time.Minute)

	if _, err := fx.service.StartOnlinePayment(context.Background(), StartPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderPaymentExpired) {
		t.Fatalf("StartOnlinePayment = %v, want %v", err, ErrOrderPaymentExpired)
	}

	stored, err := fx.orders.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("status = %s, want %s", stored.Status, domain.OrderStatusPaymentFailed)
	}
	if fx.gateway.createCalls != 0 {
		t.Fatalf("gateway calls = %d, want 0", fx.gateway.createCalls)
	}
}

func TestStartOnlinePaymentRejectsCashOrder(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID:        "user_1",
		Lines:         []OrderLine{{ProductID: "prod_a", Quantity: 1}},
		Shipping:      testShipping(),
		PaymentMethod: domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	if _, err := fx.service.StartOnlinePayment(context.Background(), StartPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("StartOnlinePayment = %v, want %v", err, ErrOrderInvalidState)
	}
}

func TestHandlePaymentSucceededAdvancesOrder(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)

	notice := GatewayNotice{
		Provider: "razorpay",
		EventID:  "evt_1",
		Kind:     payments.NoticePaymentSucceeded,
		OrderID:  order.ID,
		IntentID: txn.IntentID,
		ChargeID: "pay_gw_1",
	}
	if err := fx.service.HandlePaymentSucceeded(context.Background(), notice); err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}

	stored, err := fx.orders.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want %s", stored.Status, domain.OrderStatusProcessing)
	}
	if !stored.StockLocked {
		t.Fatal("stock not locked after successful payment")
	}
	if got := fx.products.stock("prod_a"); got != 4 {
		t.Fatalf("prod_a stock = %d, want 4", got)
	}

	settled, err := fx.payments.FindByOrderAndGateway(context.Background(), order.ID, "razorpay", false)
	if err != nil {
		t.Fatalf("FindByOrderAndGateway: %v", err)
	}
	if settled.Status != domain.PaymentStatusSuccess {
		t.Fatalf("payment status = %s, want %s", settled.Status, domain.PaymentStatusSuccess)
	}
	if settled.ChargeID != "pay_gw_1" {
		t.Fatalf("charge id = %q, want pay_gw_1", settled.ChargeID)
	}

	changed := fx.publisher.byType("order.status.changed")
	if len(changed) != 1 {
		t.Fatalf("status changed events = %d, want 1", len(changed))
	}
	if changed[0].ActorID != "gateway:razorpay" {
		t.Fatalf("actor = %q, want gateway:razorpay", changed[0].ActorID)
	}
}

func TestHandlePaymentSucceededRedeliveryIsNoop(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)

	notice := GatewayNotice{
		Provider: "razorpay",
		Kind:     payments.NoticePaymentSucceeded,
		OrderID:  order.ID,
		IntentID: txn.IntentID,
	}
	if err := fx.service.HandlePaymentSucceeded(context.Background(), notice); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := fx.service.HandlePaymentSucceeded(context.Background(), notice); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if got := fx.products.stock("prod_a"); got != 4 {
		t.Fatalf("prod_a stock = %d, want 4 (stock locked twice?)", got)
	}
	stored, _ := fx.orders.FindByID(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want %s", stored.Status, domain.OrderStatusProcessing)
	}
}

func TestHandlePaymentSucceededResolvesOrderByIntent(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)

	notice := GatewayNotice{
		Provider: "razorpay",
		Kind:     payments.NoticePaymentSucceeded,
		IntentID: txn.IntentID,
	}
	if err := fx.service.HandlePaymentSucceeded(context.Background(), notice); err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}

	stored, _ := fx.orders.FindByID(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want %s", stored.Status, domain.OrderStatusProcessing)
	}
}

func TestHandlePaymentFailedMovesOrderBack(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)

	notice := GatewayNotice{
		Provider: "razorpay",
		Kind:     payments.NoticePaymentFailed,
		OrderID:  order.ID,
		IntentID: txn.IntentID,
	}
	if err := fx.service.HandlePaymentFailed(context.Background(), notice); err != nil {
		t.Fatalf("HandlePaymentFailed: %v", err)
	}

	stored, _ := fx.orders.FindByID(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("status = %s, want %s", stored.Status, domain.OrderStatusPaymentFailed)
	}
	failed, err := fx.payments.FindByOrderAndGateway(context.Background(), order.ID, "razorpay", false)
	if err != nil {
		t.Fatalf("FindByOrderAndGateway: %v", err)
	}
	if failed.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want %s", failed.Status, domain.PaymentStatusFailed)
	}

	// A failed order accepts a retry back into the payment flow.
	if err := stored.Transition(domain.OrderStatusPaymentPending); err != nil {
		t.Fatalf("retry transition: %v", err)
	}
}

func TestHandlePaymentFailedAfterSettlementIsNoop(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)

	succeeded := GatewayNotice{Provider: "razorpay", Kind: payments.NoticePaymentSucceeded, OrderID: order.ID, IntentID: txn.IntentID}
	if err := fx.service.HandlePaymentSucceeded(context.Background(), succeeded); err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}

	failed := GatewayNotice{Provider: "razorpay", Kind: payments.NoticePaymentFailed, OrderID: order.ID, IntentID: txn.IntentID}
	if err := fx.service.HandlePaymentFailed(context.Background(), failed); err != nil {
		t.Fatalf("HandlePaymentFailed: %v", err)
	}

	stored, _ := fx.orders.FindByID(context.Background(), order.ID)
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("status = %s, want %s", stored.Status, domain.OrderStatusProcessing)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	cancelled, err := fx.service.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, UserID: "user_1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, domain.OrderStatusCancelled)
	}
	if got := fx.products.stock("prod_a"); got != 5 {
		t.Fatalf("prod_a stock = %d, want 5", got)
	}
}

func TestCancelPaidOrderParksForRefund(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)
	mustSettlePayment(t, fx, order.ID, txn.IntentID)

	cancelled, err := fx.service.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, UserID: "user_1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelRequested {
		t.Fatalf("status = %s, want %s", cancelled.Status, domain.OrderStatusCancelRequested)
	}
	if !cancelled.StockRestored {
		t.Fatal("stock not restored on cancellation")
	}
	if got := fx.products.stock("prod_a"); got != 5 {
		t.Fatalf("prod_a stock = %d, want 5", got)
	}
}

func TestCancelCashOrderCompletesOutright(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID:        "user_1",
		Lines:         []OrderLine{{ProductID: "prod_a", Quantity: 2}},
		Shipping:      testShipping(),
		PaymentMethod: domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	cancelled, err := fx.service.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, domain.OrderStatusCancelled)
	}
	if got := fx.products.stock("prod_a"); got != 5 {
		t.Fatalf("prod_a stock = %d, want 5", got)
	}
}

func TestCancelRejectedPastFulfilment(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)
	mustSettlePayment(t, fx, order.ID, txn.IntentID)

	if _, err := fx.service.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusShipped,
		ActorID: "admin_1",
	}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	if _, err := fx.service.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderIllegalCancellation) {
		t.Fatalf("Cancel = %v, want %v", err, ErrOrderIllegalCancellation)
	}
}

func TestMarkRefundedFinalisesCancellation(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)
	mustSettlePayment(t, fx, order.ID, txn.IntentID)

	if _, err := fx.service.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, UserID: "user_1"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	refunded, err := fx.service.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if refunded.Status != domain.OrderStatusRefunded {
		t.Fatalf("status = %s, want %s", refunded.Status, domain.OrderStatusRefunded)
	}
	if !refunded.RefundProcessed {
		t.Fatal("refund flag not set")
	}

	settled, err := fx.payments.FindByOrderAndGateway(context.Background(), order.ID, "razorpay", false)
	if err != nil {
		t.Fatalf("FindByOrderAndGateway: %v", err)
	}
	if settled.Status != domain.PaymentStatusRefunded {
		t.Fatalf("payment status = %s, want %s", settled.Status, domain.PaymentStatusRefunded)
	}

	// Replays keep the final state without touching stock again.
	again, err := fx.service.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("second MarkRefunded: %v", err)
	}
	if again.Status != domain.OrderStatusRefunded {
		t.Fatalf("replay status = %s, want %s", again.Status, domain.OrderStatusRefunded)
	}
	if got := fx.products.stock("prod_a"); got != 5 {
		t.Fatalf("prod_a stock = %d, want 5", got)
	}
}

func TestMarkRefundedRejectsUnpaidOrder(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	if _, err := fx.service.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("MarkRefunded = %v, want %v", err, ErrOrderInvalidState)
	}
}

func TestTransitionStatusFulfilmentPath(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)
	txn := mustStartPayment(t, fx, order.ID)
	mustSettlePayment(t, fx, order.ID, txn.IntentID)

	shipped, err := fx.service.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusShipped,
		ActorID: "admin_1",
	})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.Status != domain.OrderStatusShipped {
		t.Fatalf("status = %s, want %s", shipped.Status, domain.OrderStatusShipped)
	}

	delivered, err := fx.service.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusDelivered,
		ActorID: "admin_1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered {
		t.Fatalf("status = %s, want %s", delivered.Status, domain.OrderStatusDelivered)
	}

	// Delivered is terminal.
	if _, err := fx.service.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusShipped,
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("re-ship = %v, want %v", err, ErrOrderInvalidState)
	}
}

func TestTransitionStatusRejectsUnknownTarget(t *testing.T) {
	fx := newOrderFixture(t, testProduct("prod_a", 100, 5))
	order := mustCreateOnlineOrder(t, fx)

	if _, err := fx.service.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatus("TELEPORTED"),
	}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("TransitionStatus = %v, want %v", err, ErrOrderInvalidInput)
	}
}

func mustCreateOnlineOrder(t *testing.T, fx *orderFixture) Order {
	t.Helper()
	order, err := fx.service.CreateFromCart(context.Background(), CreateOrderCommand{
		UserID:        "user_1",
		Lines:         []OrderLine{{ProductID: "prod_a", Quantity: 1}},
		Shipping:      testShipping(),
		PaymentMethod: domain.PaymentMethodOnline,
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}
	return order
}

func mustStartPayment(t *testing.T, fx *orderFixture, orderID string) PaymentTransaction {
	t.Helper()
	txn, err := fx.service.StartOnlinePayment(context.Background(), StartPaymentCommand{OrderID: orderID})
	if err != nil {
		t.Fatalf("StartOnlinePayment: %v", err)
	}
	return txn
}

func mustSettlePayment(t *testing.T, fx *orderFixture, orderID, intentID string) {
	t.Helper()
	err := fx.service.HandlePaymentSucceeded(context.Background(), GatewayNotice{
		Provider: "razorpay",
		Kind:     payments.NoticePaymentSucceeded,
		OrderID:  orderID,
		IntentID: intentID,
	})
	if err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}
}
