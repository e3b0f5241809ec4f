package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/platform/httpx"
	"github.com/clawsite/api/internal/services"
)

const maxPaymentRequestBody = 8 * 1024

// PaymentHandlers exposes the checkout payment endpoints.
type PaymentHandlers struct {
	orders services.OrderService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(orders services.OrderService) *PaymentHandlers {
	return &PaymentHandlers{orders: orders}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}", h.startPayment)
	r.Post("/orders/{orderID}:verify", h.verifyCallback)
}

type startPaymentRequest struct {
	Gateway string `json:"gateway"`
}

type startPaymentResponse struct {
	PaymentID    string `json:"paymentId"`
	Gateway      string `json:"gateway"`
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

type verifyCallbackRequest struct {
	Gateway   string `json:"gateway"`
	IntentID  string `json:"intentId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

func (h *PaymentHandlers) startPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req startPaymentRequest
	if body, err := readLimitedBody(r, maxPaymentRequestBody); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	txn, err := h.orders.StartOnlinePayment(ctx, services.StartPaymentCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		UserID:  userID,
		Gateway: strings.TrimSpace(req.Gateway),
	})
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, startPaymentResponse{
		PaymentID:    txn.ID,
		Gateway:      txn.Gateway,
		IntentID:     txn.IntentID,
		ClientSecret: txn.ClientSecret,
		Amount:       txn.Amount.String(),
		Currency:     txn.Currency,
		Status:       string(txn.Status),
	})
}

func (h *PaymentHandlers) verifyCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxPaymentRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req verifyCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	err = h.orders.VerifyPaymentCallback(ctx, services.PaymentCallbackCommand{
		OrderID:   strings.TrimSpace(chi.URLParam(r, "orderID")),
		UserID:    userID,
		Gateway:   strings.TrimSpace(req.Gateway),
		IntentID:  strings.TrimSpace(req.IntentID),
		PaymentID: strings.TrimSpace(req.PaymentID),
		Signature: strings.TrimSpace(req.Signature),
	})
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"verified": true})
}

func (h *PaymentHandlers) writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "callback signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderPaymentExpired):
		httpx.WriteError(ctx, w, httpx.NewError("payment_expired", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, payments.ErrGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway request failed, retry later", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}
