package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/platform/textutil"
)

const stripeSignatureHeader = "Stripe-Signature"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
}

type stripeEventVerifier func(payload []byte, header, secret string) (stripe.Event, error)

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends

	// test seams
	clients  *stripeClients
	verifier stripeEventVerifier
}

// StripeProvider implements Provider using Stripe payment intents.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	verify        stripeEventVerifier
}

// NewStripeProvider constructs a Stripe gateway adapter.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents}
	}
	if clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	verify := cfg.verifier
	if verify == nil {
		verify = func(payload []byte, header, secret string) (stripe.Event, error) {
			return webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
				IgnoreAPIVersionMismatch: true,
			})
		}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		verify:        verify,
	}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return "stripe" }

// CreatePayment opens a payment intent for the order amount. The idempotency
// key makes gateway-side retries reuse the same intent.
func (p *StripeProvider) CreatePayment(ctx context.Context, req CreatePaymentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount.Sign() <= 0 {
		return Intent{}, fmt.Errorf("stripe: non-positive amount %s", req.Amount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(domain.MinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("order_number", req.OrderNumber)
	params.AddMetadata("user_id", req.UserID)
	for k, v := range textutil.NormalizeStringMap(req.Metadata) {
		params.AddMetadata(k, v)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w: %v", ErrGateway, err)
	}

	return Intent{
		Provider:     p.Name(),
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Raw: map[string]any{
			"intent_id": intent.ID,
			"status":    string(intent.Status),
		},
	}, nil
}

// VerifyWebhook authenticates the Stripe-Signature header and projects the
// event into a GatewayNotice.
func (p *StripeProvider) VerifyWebhook(_ context.Context, req WebhookRequest) (GatewayNotice, error) {
	if p == nil {
		return GatewayNotice{}, errors.New("stripe: provider is nil")
	}
	header := ""
	if req.Headers != nil {
		header = req.Headers.Get(stripeSignatureHeader)
	}

	event, err := p.verify(req.Payload, header, p.webhookSecret)
	if err != nil {
		return GatewayNotice{}, fmt.Errorf("stripe: %w: %v", ErrInvalidSignature, err)
	}

	notice := GatewayNotice{
		Provider:  p.Name(),
		EventID:   event.ID,
		EventType: string(event.Type),
		Kind:      NoticeIgnored,
	}
	if event.Data != nil {
		var payload map[string]any
		if err := json.Unmarshal(event.Data.Raw, &payload); err == nil {
			notice.Payload = payload
		}
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if event.Data == nil {
			return GatewayNotice{}, fmt.Errorf("stripe: event %s has no data object", event.ID)
		}
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return GatewayNotice{}, fmt.Errorf("stripe: decode event %s: %w", event.ID, err)
		}
		notice.IntentID = intent.ID
		notice.OrderID = intent.Metadata["order_id"]
		if intent.LatestCharge != nil {
			notice.ChargeID = intent.LatestCharge.ID
		}
		if string(event.Type) == "payment_intent.succeeded" {
			notice.Kind = NoticePaymentSucceeded
		} else {
			notice.Kind = NoticePaymentFailed
		}
	}

	return notice, nil
}

// VerifyCallbackSignature is a no-op for Stripe: the client redirect carries
// no signature and webhooks stay the source of truth.
func (p *StripeProvider) VerifyCallbackSignature(context.Context, CallbackVerification) error {
	return nil
}
