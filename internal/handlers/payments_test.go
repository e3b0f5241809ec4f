package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/services"
)

func newPaymentRouter(service services.OrderService) chi.Router {
	router := chi.NewRouter()
	NewPaymentHandlers(service).Routes(router)
	return router
}

func TestStartPayment(t *testing.T) {
	var captured services.StartPaymentCommand
	service := &stubOrderService{
		startFn: func(_ context.Context, cmd services.StartPaymentCommand) (services.PaymentTransaction, error) {
			captured = cmd
			return services.PaymentTransaction{
				ID:           "pay_1",
				OrderID:      cmd.OrderID,
				Gateway:      "razorpay",
				IntentID:     "order_rzp_1",
				ClientSecret: "order_rzp_1",
				Amount:       decimal.NewFromInt(739),
				Currency:     "INR",
				Status:       domain.PaymentStatusCreated,
			}, nil
		},
	}
	router := newPaymentRouter(service)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123", []byte(`{"gateway":"razorpay"}`), "user_1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.UserID != "user_1" || captured.Gateway != "razorpay" {
		t.Fatalf("captured = %+v", captured)
	}

	var resp startPaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PaymentID != "pay_1" || resp.Amount != "739" || resp.Status != string(domain.PaymentStatusCreated) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStartPaymentWithoutBodyUsesDefaultGateway(t *testing.T) {
	service := &stubOrderService{
		startFn: func(_ context.Context, cmd services.StartPaymentCommand) (services.PaymentTransaction, error) {
			if cmd.Gateway != "" {
				t.Fatalf("gateway = %q, want empty", cmd.Gateway)
			}
			return services.PaymentTransaction{ID: "pay_1", Amount: decimal.NewFromInt(100)}, nil
		},
	}
	router := newPaymentRouter(service)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123", nil, "user_1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestStartPaymentExpired(t *testing.T) {
	service := &stubOrderService{
		startFn: func(context.Context, services.StartPaymentCommand) (services.PaymentTransaction, error) {
			return services.PaymentTransaction{}, fmt.Errorf("%w: ord_123", services.ErrOrderPaymentExpired)
		},
	}
	router := newPaymentRouter(service)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123", nil, "user_1"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestStartPaymentGatewayOutage(t *testing.T) {
	service := &stubOrderService{
		startFn: func(context.Context, services.StartPaymentCommand) (services.PaymentTransaction, error) {
			return services.PaymentTransaction{}, fmt.Errorf("stripe: create payment intent: %w: connection reset", payments.ErrGateway)
		},
	}
	router := newPaymentRouter(service)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123", nil, "user_1"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "gateway_unavailable" {
		t.Fatalf("error code = %q, want gateway_unavailable", resp.Error)
	}
}

func TestStartPaymentRequiresUser(t *testing.T) {
	router := newPaymentRouter(&stubOrderService{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123", nil, ""))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestVerifyCallback(t *testing.T) {
	var captured services.PaymentCallbackCommand
	service := &stubOrderService{
		verifyFn: func(_ context.Context, cmd services.PaymentCallbackCommand) error {
			captured = cmd
			return nil
		},
	}
	router := newPaymentRouter(service)

	payload := []byte(`{"gateway":"razorpay","intentId":"order_rzp_1","paymentId":"pay_gw_1","signature":"deadbeef"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123:verify", payload, "user_1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.PaymentID != "pay_gw_1" || captured.Signature != "deadbeef" {
		t.Fatalf("captured = %+v", captured)
	}
}

func TestVerifyCallbackBadSignature(t *testing.T) {
	service := &stubOrderService{
		verifyFn: func(context.Context, services.PaymentCallbackCommand) error {
			return fmt.Errorf("%w: digest mismatch", payments.ErrInvalidSignature)
		},
	}
	router := newPaymentRouter(service)

	payload := []byte(`{"gateway":"razorpay","signature":"bad"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/orders/ord_123:verify", payload, "user_1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
