package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/threadcart/api/internal/platform/httpx"
	"github.com/threadcart/api/internal/services"
)

const paymentNotVerifiedMessage = "payment could not be verified"

// CheckoutHandlers exposes the storefront checkout endpoints under /orders.
type CheckoutHandlers struct {
	checkout     services.CheckoutService
	createGuards []func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCreateOrderMiddleware wraps only POST /orders/create, e.g. with idempotent replay.
func WithCreateOrderMiddleware(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		for _, m := range mw {
			if m != nil {
				h.createGuards = append(h.createGuards, m)
			}
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{checkout: checkout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/calculate", h.calculate)
	r.With(h.createGuards...).Post("/create", h.createOrder)
	r.Post("/verify", h.verifyPayment)
}

type calculateRequest struct {
	Items          []lineItemPayload `json:"items"`
	DeliveryCharge int64             `json:"deliveryCharge"`
}

type createOrderRequest struct {
	Items           []lineItemPayload `json:"items"`
	DeliveryCharge  int64             `json:"deliveryCharge"`
	Customer        customerPayload   `json:"customer"`
	ShippingAddress addressPayload    `json:"shippingAddress"`
	Gateway         string            `json:"gateway"`
}

type createOrderResponse struct {
	DraftID        string           `json:"draftId"`
	OrderID        string           `json:"orderId"`
	GatewayOrderID string           `json:"gatewayOrderId"`
	Gateway        string           `json:"gateway"`
	Amount         int64            `json:"amount"`
	Currency       string           `json:"currency"`
	KeyID          string           `json:"keyId,omitempty"`
	ClientSecret   string           `json:"clientSecret,omitempty"`
	Breakdown      breakdownPayload `json:"breakdown"`
	ExpiresAt      string           `json:"expiresAt,omitempty"`
}

type verifyPaymentRequest struct {
	GatewayPaymentID string `json:"gatewayPaymentId"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	Signature        string `json:"signature"`
	DraftID          string `json:"draftId"`
}

type verifyPaymentResponse struct {
	Status   string       `json:"status"`
	Replayed bool         `json:"replayed,omitempty"`
	Order    orderPayload `json:"order"`
}

type pendingResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *CheckoutHandlers) calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req calculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	financials, err := h.checkout.Calculate(ctx, services.CalculateCommand{
		Items:          lineItemsToDomain(req.Items),
		DeliveryCharge: req.DeliveryCharge,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newBreakdownPayload(financials))
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.checkout.CreateOrder(ctx, services.CreateOrderCommand{
		Items:           lineItemsToDomain(req.Items),
		DeliveryCharge:  req.DeliveryCharge,
		Customer:        req.Customer.toDomain(),
		ShippingAddress: req.ShippingAddress.toDomain(),
		Gateway:         strings.TrimSpace(req.Gateway),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, createOrderResponse{
		DraftID:        order.DraftID,
		OrderID:        order.OrderID,
		GatewayOrderID: order.GatewayOrderID,
		Gateway:        order.Gateway,
		Amount:         order.Amount,
		Currency:       order.Currency,
		KeyID:          order.KeyID,
		ClientSecret:   order.ClientSecret,
		Breakdown:      newBreakdownPayload(order.Financials),
		ExpiresAt:      formatTime(order.ExpiresAt),
	})
}

func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req verifyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	result, err := h.checkout.VerifyPayment(ctx, services.VerifyPaymentCommand{
		GatewayPaymentID: strings.TrimSpace(req.GatewayPaymentID),
		GatewayOrderID:   strings.TrimSpace(req.GatewayOrderID),
		Signature:        strings.TrimSpace(req.Signature),
		DraftID:          strings.TrimSpace(req.DraftID),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	if result.Order == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", paymentNotVerifiedMessage, http.StatusBadRequest))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, verifyPaymentResponse{
		Status:   string(result.State),
		Replayed: result.Replayed,
		Order:    newOrderPayload(*result.Order),
	})
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	message := "request body must be a valid JSON object"
	if errors.Is(err, httpx.ErrEmptyBody) {
		message = "request body is required"
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

// writeCheckoutError maps checkout and reconciliation failures. Verification failures share
// one generic message; only a gateway decline is echoed back verbatim.
func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var declined *services.PaymentDeclinedError
	switch {
	case errors.As(err, &declined):
		message := strings.TrimSpace(declined.Reason)
		if message == "" {
			message = "payment was not captured"
		}
		httpx.WriteError(ctx, w, httpx.NewError("payment_declined", message, http.StatusPaymentRequired))
	case errors.Is(err, services.ErrPaymentNotCaptured):
		httpx.WriteError(ctx, w, httpx.NewError("payment_declined", "payment was not captured", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart must contain at least one item", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidLineItem):
		message := "invalid line item"
		var itemErr *services.InvalidLineItemError
		if errors.As(err, &itemErr) {
			message = strings.TrimPrefix(itemErr.Error(), services.ErrInvalidLineItem.Error()+": ")
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_line_item", message, http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrCallbackUnsupported):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", inputMessage(err), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidSignature),
		errors.Is(err, services.ErrAmountMismatch),
		errors.Is(err, services.ErrDuplicatePayment):
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", paymentNotVerifiedMessage, http.StatusBadRequest))
	case errors.Is(err, services.ErrDraftNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("draft_not_found", "checkout session expired or not found", http.StatusNotFound))
	case errors.Is(err, services.ErrGatewayAmountMismatch),
		errors.Is(err, services.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway rejected the order", http.StatusBadGateway))
	case errors.Is(err, services.ErrGatewayUnavailable),
		errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment service temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrReconciliationPending):
		httpx.WriteJSON(w, http.StatusAccepted, pendingResponse{Status: "pending", Message: "payment verified, order confirmation in progress"})
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

// inputMessage strips the sentinel prefix so only the validation detail reaches the client.
func inputMessage(err error) string {
	if errors.Is(err, services.ErrCallbackUnsupported) {
		return "gateway does not support callback verification"
	}
	if rest, ok := strings.CutPrefix(err.Error(), services.ErrCheckoutInvalidInput.Error()+": "); ok && rest != "" {
		return rest
	}
	return "invalid checkout request"
}
