package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrInvalidSignature is returned when a webhook or callback signature fails
// verification. Callers must reject the request without side effects.
var ErrInvalidSignature = errors.New("payments: invalid signature")

// ErrGateway is returned when the gateway itself fails (transport, auth,
// upstream outage). The attempt is retryable and never mutated order state.
var ErrGateway = errors.New("payments: gateway request failed")

// NoticeKind classifies a verified gateway notification.
type NoticeKind string

const (
	// NoticePaymentSucceeded reports a captured payment.
	NoticePaymentSucceeded NoticeKind = "payment_succeeded"
	// NoticePaymentFailed reports a failed payment attempt.
	NoticePaymentFailed NoticeKind = "payment_failed"
	// NoticeIgnored reports an authentic event the lifecycle does not act on.
	NoticeIgnored NoticeKind = "ignored"
)

// GatewayNotice is the provider-neutral projection of a verified webhook event.
type GatewayNotice struct {
	Provider  string
	EventID   string
	EventType string
	Kind      NoticeKind
	OrderID   string
	IntentID  string
	ChargeID  string
	Payload   map[string]any
}

// CreatePaymentRequest carries the inputs to open a gateway payment intent.
type CreatePaymentRequest struct {
	OrderID        string
	OrderNumber    string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the normalised gateway payment handle returned to clients. For
// Stripe ClientSecret is the intent client secret; for Razorpay it is the
// gateway order identifier the checkout widget consumes.
type Intent struct {
	Provider     string
	IntentID     string
	ClientSecret string
	Raw          map[string]any
}

// WebhookRequest is the raw inbound notification prior to verification.
type WebhookRequest struct {
	Payload []byte
	Headers http.Header
}

// CallbackVerification carries the client-side redirect parameters a gateway
// signs after checkout completes.
type CallbackVerification struct {
	IntentID  string
	PaymentID string
	Signature string
}

// Provider defines the contract payment gateway adapters implement.
type Provider interface {
	// Name is the stable lowercase registry key for the gateway.
	Name() string
	// CreatePayment opens (or idempotently re-opens) a payment intent.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (Intent, error)
	// VerifyWebhook authenticates a notification and projects it into a
	// GatewayNotice. Verification failures return ErrInvalidSignature.
	VerifyWebhook(ctx context.Context, req WebhookRequest) (GatewayNotice, error)
	// VerifyCallbackSignature checks a client redirect signature. Providers
	// without signed callbacks return nil; webhooks stay authoritative.
	VerifyCallbackSignature(ctx context.Context, ver CallbackVerification) error
}

// Manager coordinates provider selection across registered gateways.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when callers express no preference.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.TrimSpace(strings.ToLower(provider))
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registry := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registration")
		}
		key := strings.TrimSpace(strings.ToLower(p.Name()))
		if key == "" {
			return nil, errors.New("payments: provider with empty name")
		}
		if _, exists := registry[key]; exists {
			return nil, fmt.Errorf("payments: duplicate provider registration %q", key)
		}
		registry[key] = p
	}

	m := &Manager{providers: registry}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaultProvider == "" && len(registry) == 1 {
		for key := range registry {
			m.defaultProvider = key
		}
	}
	if m.defaultProvider != "" {
		if _, ok := registry[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("payments: default provider %q is not registered: %w", m.defaultProvider, ErrUnsupportedProvider)
		}
	}
	return m, nil
}

// Provider resolves a registered provider by name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := strings.TrimSpace(strings.ToLower(name))
	if key == "" {
		return m.Default()
	}
	p, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("payments: provider %q: %w", key, ErrUnsupportedProvider)
	}
	return p, nil
}

// Default returns the configured default provider.
func (m *Manager) Default() (Provider, error) {
	if m == nil || m.defaultProvider == "" {
		return nil, fmt.Errorf("payments: no default provider configured: %w", ErrUnsupportedProvider)
	}
	return m.providers[m.defaultProvider], nil
}

// DefaultName returns the registry key for the default provider.
func (m *Manager) DefaultName() string {
	if m == nil {
		return ""
	}
	return m.defaultProvider
}
