package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/platform/httpx"
	"github.com/clawsite/api/internal/platform/requestctx"
	"github.com/clawsite/api/internal/services"
	"go.uber.org/zap"
)

const maxWebhookBody = 256 * 1024

// WebhookHandlers terminates gateway webhook deliveries. The body is verified
// against the provider's signature before any processing happens; processing
// failures after the event is recorded are acknowledged so the gateway does
// not redeliver.
type WebhookHandlers struct {
	gateways *payments.Manager
	webhooks services.WebhookService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(gateways *payments.Manager, webhooks services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{gateways: gateways, webhooks: webhooks}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{provider}", h.handleDelivery)
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func (h *WebhookHandlers) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gateways == nil || h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_service_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}

	providerName := strings.TrimSpace(chi.URLParam(r, "provider"))
	provider, err := h.gateways.Provider(providerName)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusBadRequest))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}

	notice, err := provider.VerifyWebhook(ctx, payments.WebhookRequest{
		Payload: body,
		Headers: r.Header,
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload could not be parsed", http.StatusBadRequest))
		return
	}

	result, err := h.webhooks.Process(ctx, notice)
	if err != nil {
		if errors.Is(err, services.ErrWebhookInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		// Recording failed: surface a 5xx so the gateway retries the delivery.
		httpx.WriteError(ctx, w, httpx.NewError("webhook_record_failed", "failed to record webhook delivery", http.StatusInternalServerError))
		return
	}

	if result.ProcessingError != nil {
		requestctx.Logger(ctx).Warn("webhook processing failed after recording",
			zap.String("provider", providerName),
			zap.String("event_id", notice.EventID),
			zap.Error(result.ProcessingError),
		)
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received:  true,
		Duplicate: result.Duplicate,
	})
}
