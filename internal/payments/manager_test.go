package payments

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreatePayment(context.Context, CreatePaymentRequest) (Intent, error) {
	return Intent{Provider: p.name, IntentID: "intent_" + p.name}, nil
}

func (p *stubProvider) VerifyWebhook(context.Context, WebhookRequest) (GatewayNotice, error) {
	return GatewayNotice{Provider: p.name}, nil
}

func (p *stubProvider) VerifyCallbackSignature(context.Context, CallbackVerification) error {
	return nil
}

func TestNewManagerRequiresProviders(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for empty provider set")
	}
}

func TestManagerResolvesByName(t *testing.T) {
	manager, err := NewManager([]Provider{
		&stubProvider{name: "stripe"},
		&stubProvider{name: "razorpay"},
	}, WithDefaultProvider("razorpay"))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	p, err := manager.Provider("Stripe")
	if err != nil {
		t.Fatalf("Provider returned error: %v", err)
	}
	if p.Name() != "stripe" {
		t.Fatalf("expected stripe provider, got %s", p.Name())
	}

	if _, err := manager.Provider("paypal"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerDefaultProvider(t *testing.T) {
	manager, err := NewManager([]Provider{
		&stubProvider{name: "stripe"},
		&stubProvider{name: "razorpay"},
	}, WithDefaultProvider("razorpay"))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	def, err := manager.Default()
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	if def.Name() != "razorpay" {
		t.Fatalf("expected razorpay default, got %s", def.Name())
	}

	// empty name resolves through the default
	p, err := manager.Provider("")
	if err != nil {
		t.Fatalf("Provider returned error: %v", err)
	}
	if p.Name() != "razorpay" {
		t.Fatalf("expected razorpay for empty name, got %s", p.Name())
	}
}

func TestManagerSingleProviderBecomesDefault(t *testing.T) {
	manager, err := NewManager([]Provider{&stubProvider{name: "stripe"}})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	if manager.DefaultName() != "stripe" {
		t.Fatalf("expected implicit default stripe, got %q", manager.DefaultName())
	}
}

func TestManagerRejectsUnknownDefault(t *testing.T) {
	_, err := NewManager([]Provider{&stubProvider{name: "stripe"}}, WithDefaultProvider("razorpay"))
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerRejectsDuplicateRegistration(t *testing.T) {
	_, err := NewManager([]Provider{
		&stubProvider{name: "stripe"},
		&stubProvider{name: "STRIPE"},
	})
	if err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
