package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/threadcart/api/internal/platform/httpx"
	"github.com/threadcart/api/internal/platform/requestctx"
	"github.com/threadcart/api/internal/services"
)

const (
	maxWebhookBodySize = 512 * 1024

	webhookProviderRazorpay = "razorpay"
	webhookProviderStripe   = "stripe"
)

// WebhookHandlers receives gateway webhook deliveries. Bodies are passed through untouched
// because signatures are computed over the raw bytes.
type WebhookHandlers struct {
	webhooks services.WebhookService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(webhooks services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{webhooks: webhooks}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/gateway", h.receive(webhookProviderRazorpay))
	r.Post("/stripe", h.receive(webhookProviderStripe))
}

type webhookAckResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Action    string `json:"action"`
}

func (h *WebhookHandlers) receive(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.webhooks == nil {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook body", status))
			return
		}
		if len(payload) == 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook body is required", http.StatusBadRequest))
			return
		}

		outcome, err := h.webhooks.HandleGatewayWebhook(ctx, services.GatewayWebhookCommand{
			Provider: provider,
			Payload:  payload,
			Header:   r.Header.Clone(),
		})
		logger := requestctx.Logger(ctx).With(zap.String("provider", provider))
		switch {
		case err == nil:
		case errors.Is(err, services.ErrWebhookUnauthorized):
			logger.Warn("webhook signature rejected")
			httpx.WriteError(ctx, w, httpx.NewError("webhook_unauthorized", "webhook signature invalid", http.StatusUnauthorized))
			return
		case errors.Is(err, services.ErrWebhookInvalid):
			logger.Warn("webhook payload rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", "webhook payload invalid", http.StatusBadRequest))
			return
		default:
			// A non-2xx answer makes the gateway redeliver.
			logger.Error("webhook processing failed", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("webhook_retry", "webhook could not be processed, retry later", http.StatusServiceUnavailable))
			return
		}

		logger.Info("webhook processed",
			zap.String("event_id", outcome.EventID),
			zap.String("event_type", outcome.EventType),
			zap.String("action", string(outcome.Action)),
			zap.String("order_id", outcome.OrderID),
			zap.String("reason", outcome.Reason),
		)
		httpx.WriteJSON(w, http.StatusOK, webhookAckResponse{
			Received:  true,
			EventID:   outcome.EventID,
			EventType: outcome.EventType,
			Action:    string(outcome.Action),
		})
	}
}
