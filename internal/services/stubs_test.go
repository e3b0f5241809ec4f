package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/repositories"
)

// memOrderRepo is an in-memory OrderRepository used across service tests.
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[string]domain.Order{}}
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewError("orders.insert", repositories.ErrorKindConflict, fmt.Errorf("order %s exists", order.ID))
	}
	for _, existing := range r.orders {
		if existing.Number == order.Number {
			return repositories.NewError("orders.insert", repositories.ErrorKindConflict, fmt.Errorf("number %s exists", order.Number))
		}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, exists := r.orders[order.ID]
	if !exists {
		return repositories.NewError("orders.update", repositories.ErrorKindNotFound, fmt.Errorf("order %s", order.ID))
	}
	order.Items = stored.Items
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, exists := r.orders[orderID]
	if !exists {
		return domain.Order{}, repositories.NewError("orders.find_by_id", repositories.ErrorKindNotFound, fmt.Errorf("order %s", orderID))
	}
	return order, nil
}

func (r *memOrderRepo) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.FindByID(ctx, orderID)
}

func (r *memOrderRepo) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.Number == number {
			return order, nil
		}
	}
	return domain.Order{}, repositories.NewError("orders.find_by_number", repositories.ErrorKindNotFound, fmt.Errorf("number %s", number))
}

func (r *memOrderRepo) ListByUser(_ context.Context, userID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (r *memOrderRepo) ListItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, exists := r.orders[orderID]
	if !exists {
		return nil, repositories.NewError("orders.list_items", repositories.ErrorKindNotFound, fmt.Errorf("order %s", orderID))
	}
	return order.Items, nil
}

// memProductRepo is an in-memory ProductRepository with guarded stock counters.
type memProductRepo struct {
	mu       sync.Mutex
	products map[string]domain.Product
}

func newMemProductRepo(products ...domain.Product) *memProductRepo {
	repo := &memProductRepo{products: map[string]domain.Product{}}
	for _, p := range products {
		repo.products[p.ID] = p
	}
	return repo
}

func (r *memProductRepo) Insert(_ context.Context, product domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[product.ID] = product
	return nil
}

func (r *memProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, exists := r.products[productID]
	if !exists {
		return domain.Product{}, repositories.NewError("products.find_by_id", repositories.ErrorKindNotFound, fmt.Errorf("product %s", productID))
	}
	return product, nil
}

func (r *memProductRepo) FindByIDForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	return r.FindByID(ctx, productID)
}

func (r *memProductRepo) AdjustStock(_ context.Context, productID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, exists := r.products[productID]
	if !exists {
		return repositories.NewError("products.adjust_stock", repositories.ErrorKindNotFound, fmt.Errorf("product %s", productID))
	}
	next := product.Stock + delta
	if next < 0 {
		return repositories.NewError("products.adjust_stock", repositories.ErrorKindConflict, fmt.Errorf("product %s: insufficient stock", productID))
	}
	product.Stock = next
	r.products[productID] = product
	return nil
}

func (r *memProductRepo) stock(productID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[productID].Stock
}

// memPaymentRepo is an in-memory PaymentRepository.
type memPaymentRepo struct {
	mu   sync.Mutex
	txns map[string]domain.PaymentTransaction
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{txns: map[string]domain.PaymentTransaction{}}
}

func (r *memPaymentRepo) Insert(_ context.Context, txn domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.txns {
		if existing.OrderID == txn.OrderID && existing.Gateway == txn.Gateway {
			return repositories.NewError("payments.insert", repositories.ErrorKindConflict, fmt.Errorf("payment for %s/%s exists", txn.OrderID, txn.Gateway))
		}
	}
	r.txns[txn.ID] = txn
	return nil
}

func (r *memPaymentRepo) Update(_ context.Context, txn domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.txns[txn.ID]; !exists {
		return repositories.NewError("payments.update", repositories.ErrorKindNotFound, fmt.Errorf("payment %s", txn.ID))
	}
	r.txns[txn.ID] = txn
	return nil
}

func (r *memPaymentRepo) FindByOrderAndGateway(_ context.Context, orderID, gateway string, _ bool) (domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.txns {
		if txn.OrderID == orderID && txn.Gateway == gateway {
			return txn, nil
		}
	}
	return domain.PaymentTransaction{}, repositories.NewError("payments.find", repositories.ErrorKindNotFound, fmt.Errorf("payment for %s/%s", orderID, gateway))
}

func (r *memPaymentRepo) FindByIntentID(_ context.Context, gateway, intentID string) (domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.txns {
		if txn.Gateway == gateway && txn.IntentID == intentID {
			return txn, nil
		}
	}
	return domain.PaymentTransaction{}, repositories.NewError("payments.find_by_intent", repositories.ErrorKindNotFound, fmt.Errorf("intent %s", intentID))
}

func (r *memPaymentRepo) ListByOrder(_ context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, txn := range r.txns {
		if txn.OrderID == orderID {
			out = append(out, txn)
		}
	}
	return out, nil
}

// memWebhookRepo is an in-memory WebhookEventRepository with first-write-wins dedup.
type memWebhookRepo struct {
	mu     sync.Mutex
	events map[string]domain.WebhookEvent
}

func newMemWebhookRepo() *memWebhookRepo {
	return &memWebhookRepo{events: map[string]domain.WebhookEvent{}}
}

func webhookKey(gateway, eventID string) string { return gateway + "|" + eventID }

func (r *memWebhookRepo) Insert(_ context.Context, event domain.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := webhookKey(event.Gateway, event.EventID)
	if _, exists := r.events[key]; exists {
		return false, nil
	}
	r.events[key] = event
	return true, nil
}

func (r *memWebhookRepo) FindByEventID(_ context.Context, gateway, eventID string) (domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, exists := r.events[webhookKey(gateway, eventID)]
	if !exists {
		return domain.WebhookEvent{}, repositories.NewError("webhook_events.find", repositories.ErrorKindNotFound, fmt.Errorf("event %s", eventID))
	}
	return event, nil
}

func (r *memWebhookRepo) MarkProcessed(_ context.Context, gateway, eventID string, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := webhookKey(gateway, eventID)
	event, exists := r.events[key]
	if !exists {
		return repositories.NewError("webhook_events.mark_processed", repositories.ErrorKindNotFound, fmt.Errorf("event %s", eventID))
	}
	if event.Processed {
		return nil
	}
	event.Processed = true
	event.ProcessedAt = &processedAt
	r.events[key] = event
	return nil
}

// fakeGateway implements payments.Provider for orchestration tests.
type fakeGateway struct {
	name        string
	createCalls int
	createErr   error
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreatePayment(_ context.Context, req payments.CreatePaymentRequest) (payments.Intent, error) {
	g.createCalls++
	if g.createErr != nil {
		return payments.Intent{}, g.createErr
	}
	return payments.Intent{
		Provider:     g.name,
		IntentID:     fmt.Sprintf("intent_%s_%d", req.OrderID, g.createCalls),
		ClientSecret: fmt.Sprintf("secret_%s_%d", req.OrderID, g.createCalls),
	}, nil
}

func (g *fakeGateway) VerifyWebhook(context.Context, payments.WebhookRequest) (payments.GatewayNotice, error) {
	return payments.GatewayNotice{}, errors.New("not implemented")
}

func (g *fakeGateway) VerifyCallbackSignature(context.Context, payments.CallbackVerification) error {
	return nil
}

// recordingPublisher captures emitted order events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) byType(eventType string) []OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderEvent
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
