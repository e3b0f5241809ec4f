package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/platform/httpx"
	"github.com/clawsite/api/internal/platform/pagination"
	"github.com/clawsite/api/internal/services"
)

const maxOrderRequestBody = 16 * 1024

// OrderHandlers exposes the order lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:refund", h.refundOrder)
}

type createOrderRequest struct {
	Lines         []orderLineRequest     `json:"lines"`
	Shipping      shippingRequest        `json:"shipping"`
	PaymentMethod string                 `json:"paymentMethod"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type orderLineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type shippingRequest struct {
	FullName    string `json:"fullName"`
	Phone       string `json:"phone"`
	AddressLine string `json:"addressLine"`
	City        string `json:"city"`
	State       string `json:"state"`
	Pincode     string `json:"pincode"`
	Country     string `json:"country"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type transitionOrderRequest struct {
	Target string `json:"target"`
}

type orderItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	LineTotal string `json:"lineTotal"`
}

type orderResponse struct {
	ID               string              `json:"id"`
	Number           string              `json:"number"`
	Status           string              `json:"status"`
	PaymentMethod    string              `json:"paymentMethod"`
	Currency         string              `json:"currency"`
	Subtotal         string              `json:"subtotal"`
	ShippingFee      string              `json:"shippingFee"`
	Total            string              `json:"total"`
	Items            []orderItemResponse `json:"items"`
	Shipping         shippingRequest     `json:"shipping"`
	PaymentAttempts  int                 `json:"paymentAttempts"`
	PaymentExpiresAt string              `json:"paymentExpiresAt,omitempty"`
	CreatedAt        string              `json:"createdAt"`
	UpdatedAt        string              `json:"updatedAt"`
}

type orderListResponse struct {
	Orders        []orderResponse `json:"orders"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	lines := make([]services.OrderLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, services.OrderLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
		})
	}

	cmd := services.CreateOrderCommand{
		UserID: userID,
		Lines:  lines,
		Shipping: domain.ShippingDetails{
			FullName:    strings.TrimSpace(req.Shipping.FullName),
			Phone:       strings.TrimSpace(req.Shipping.Phone),
			AddressLine: strings.TrimSpace(req.Shipping.AddressLine),
			City:        strings.TrimSpace(req.Shipping.City),
			State:       strings.TrimSpace(req.Shipping.State),
			Pincode:     strings.TrimSpace(req.Shipping.Pincode),
			Country:     strings.TrimSpace(req.Shipping.Country),
		},
		PaymentMethod: domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod))),
	}

	order, err := h.orders.CreateFromCart(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toOrderResponse(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: 20})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListOrders(ctx, userID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	page, next := paginateOrders(orders, params)
	payload := orderListResponse{Orders: make([]orderResponse, 0, len(page))}
	for _, order := range page {
		payload.Orders = append(payload.Orders, toOrderResponse(order))
	}
	if !next.IsZero() {
		token, err := pagination.EncodeToken(next)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
			return
		}
		payload.NextPageToken = token
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// paginateOrders slices the newest-first listing at the cursor position and
// returns the cursor for the following page, zero when the listing is done.
func paginateOrders(orders []services.Order, params pagination.Params) ([]services.Order, pagination.Cursor) {
	start := 0
	if !params.Cursor.IsZero() {
		for i, order := range orders {
			if order.ID == params.Cursor.ID {
				start = i + 1
				break
			}
			// The cursor row may have left the listing; resume at the first
			// order older than the recorded position.
			if order.CreatedAt.Before(params.Cursor.CreatedAt) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(orders) {
		return nil, pagination.Cursor{}
	}

	end := start + params.PageSize
	if end >= len(orders) {
		return orders[start:], pagination.Cursor{}
	}
	last := orders[end-1]
	return orders[start:end], pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{UserID: userID})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if body, err := readLimitedBody(r, maxOrderRequestBody); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		UserID:  userID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Target:  domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Target))),
		ActorID: userID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.MarkRefunded(ctx, services.MarkRefundedCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		ActorID: userID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderIllegalCancellation):
		httpx.WriteError(ctx, w, httpx.NewError("cancellation_not_allowed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentExpired):
		httpx.WriteError(ctx, w, httpx.NewError("payment_expired", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func toOrderResponse(order services.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice.String(),
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal.String(),
		})
	}
	return orderResponse{
		ID:            order.ID,
		Number:        order.Number,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		Currency:      order.Currency,
		Subtotal:      order.Subtotal.String(),
		ShippingFee:   order.ShippingFee.String(),
		Total:         order.Total.String(),
		Items:         items,
		Shipping: shippingRequest{
			FullName:    order.Shipping.FullName,
			Phone:       order.Shipping.Phone,
			AddressLine: order.Shipping.AddressLine,
			City:        order.Shipping.City,
			State:       order.Shipping.State,
			Pincode:     order.Shipping.Pincode,
			Country:     order.Shipping.Country,
		},
		PaymentAttempts:  order.PaymentAttempts,
		PaymentExpiresAt: formatTimePtr(order.PaymentExpiresAt),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
	}
}
