package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/platform/textutil"
)

const (
	razorpaySignatureHeader = "X-Razorpay-Signature"
	razorpayEventIDHeader   = "X-Razorpay-Event-Id"
)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string

	// test seams
	orders        razorpayOrderAPI
	verifyWebhook func(body, signature, secret string) bool
	verifyPayment func(params map[string]interface{}, signature, secret string) bool
}

// RazorpayProvider implements Provider using Razorpay orders.
type RazorpayProvider struct {
	orders        razorpayOrderAPI
	keySecret     string
	webhookSecret string
	verifyWebhook func(body, signature, secret string) bool
	verifyPayment func(params map[string]interface{}, signature, secret string) bool
}

// NewRazorpayProvider constructs a Razorpay gateway adapter.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if (keyID == "" || keySecret == "") && cfg.orders == nil {
		return nil, errors.New("razorpay: key id and secret are required")
	}

	orders := cfg.orders
	if orders == nil {
		orders = razorpay.NewClient(keyID, keySecret).Order
	}

	verifyWebhook := cfg.verifyWebhook
	if verifyWebhook == nil {
		verifyWebhook = utils.VerifyWebhookSignature
	}
	verifyPayment := cfg.verifyPayment
	if verifyPayment == nil {
		verifyPayment = utils.VerifyPaymentSignature
	}

	return &RazorpayProvider{
		orders:        orders,
		keySecret:     keySecret,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		verifyWebhook: verifyWebhook,
		verifyPayment: verifyPayment,
	}, nil
}

// Name implements Provider.
func (p *RazorpayProvider) Name() string { return "razorpay" }

// CreatePayment opens a Razorpay order for the amount. Razorpay has no
// client secret; the gateway order id is what the checkout widget consumes.
func (p *RazorpayProvider) CreatePayment(_ context.Context, req CreatePaymentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("razorpay: provider is nil")
	}
	if req.Amount.Sign() <= 0 {
		return Intent{}, fmt.Errorf("razorpay: non-positive amount %s", req.Amount)
	}

	notes := map[string]interface{}{
		"order_id":     req.OrderID,
		"order_number": req.OrderNumber,
		"user_id":      req.UserID,
	}
	for k, v := range textutil.NormalizeStringMap(req.Metadata) {
		notes[k] = v
	}

	data := map[string]interface{}{
		"amount":          domain.MinorUnits(req.Amount),
		"currency":        strings.ToUpper(req.Currency),
		"receipt":         req.OrderID,
		"payment_capture": 1,
		"notes":           notes,
	}

	created, err := p.orders.Create(data, nil)
	if err != nil {
		return Intent{}, fmt.Errorf("razorpay: create order: %w: %v", ErrGateway, err)
	}

	gatewayOrderID, _ := created["id"].(string)
	if gatewayOrderID == "" {
		return Intent{}, fmt.Errorf("razorpay: create order response missing id: %w", ErrGateway)
	}

	return Intent{
		Provider:     p.Name(),
		IntentID:     gatewayOrderID,
		ClientSecret: gatewayOrderID,
		Raw: map[string]any{
			"gateway_order_id": gatewayOrderID,
			"status":           created["status"],
		},
	}, nil
}

// VerifyWebhook authenticates the webhook HMAC and projects the event into a
// GatewayNotice. Razorpay carries the event id in a request header, not the body.
func (p *RazorpayProvider) VerifyWebhook(_ context.Context, req WebhookRequest) (GatewayNotice, error) {
	if p == nil {
		return GatewayNotice{}, errors.New("razorpay: provider is nil")
	}

	signature := ""
	eventID := ""
	if req.Headers != nil {
		signature = req.Headers.Get(razorpaySignatureHeader)
		eventID = req.Headers.Get(razorpayEventIDHeader)
	}
	if !p.verifyWebhook(string(req.Payload), signature, p.webhookSecret) {
		return GatewayNotice{}, fmt.Errorf("razorpay: %w", ErrInvalidSignature)
	}

	var body struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity struct {
					ID      string            `json:"id"`
					OrderID string            `json:"order_id"`
					Notes   map[string]string `json:"notes"`
				} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return GatewayNotice{}, fmt.Errorf("razorpay: decode webhook: %w", err)
	}

	var payload map[string]any
	_ = json.Unmarshal(req.Payload, &payload)

	notice := GatewayNotice{
		Provider:  p.Name(),
		EventID:   eventID,
		EventType: body.Event,
		Kind:      NoticeIgnored,
		OrderID:   body.Payload.Payment.Entity.Notes["order_id"],
		IntentID:  body.Payload.Payment.Entity.OrderID,
		ChargeID:  body.Payload.Payment.Entity.ID,
		Payload:   payload,
	}
	if notice.EventID == "" {
		// Older webhook configurations omit the header; fall back to the
		// payment id so dedup still has a stable key.
		notice.EventID = body.Event + ":" + body.Payload.Payment.Entity.ID
	}

	switch body.Event {
	case "payment.captured":
		notice.Kind = NoticePaymentSucceeded
	case "payment.failed":
		notice.Kind = NoticePaymentFailed
	}
	return notice, nil
}

// VerifyCallbackSignature checks the checkout redirect HMAC
// (order id + payment id signed with the key secret).
func (p *RazorpayProvider) VerifyCallbackSignature(_ context.Context, ver CallbackVerification) error {
	if p == nil {
		return errors.New("razorpay: provider is nil")
	}
	params := map[string]interface{}{
		"razorpay_order_id":   ver.IntentID,
		"razorpay_payment_id": ver.PaymentID,
	}
	if !p.verifyPayment(params, ver.Signature, p.keySecret) {
		return fmt.Errorf("razorpay: %w", ErrInvalidSignature)
	}
	return nil
}
