package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/payments"
	"github.com/threadcart/api/internal/repositories"
)

// WebhookServiceDeps wires the dependencies required by the webhook service.
type WebhookServiceDeps struct {
	Gateways   paymentGateways
	Drafts     repositories.DraftRepository
	Store      repositories.OrderStore
	Reconciler ReconciliationEngine
	Orders     OrderService
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	gateways   paymentGateways
	drafts     repositories.DraftRepository
	store      repositories.OrderStore
	reconciler ReconciliationEngine
	orders     OrderService
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ WebhookService = (*webhookService)(nil)

// NewWebhookService constructs a WebhookService validating required dependencies.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	switch {
	case deps.Gateways == nil:
		return nil, errors.New("webhook service: payment gateways are required")
	case deps.Drafts == nil:
		return nil, errors.New("webhook service: draft repository is required")
	case deps.Store == nil:
		return nil, errors.New("webhook service: order store is required")
	case deps.Reconciler == nil:
		return nil, errors.New("webhook service: reconciliation engine is required")
	case deps.Orders == nil:
		return nil, errors.New("webhook service: order service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookService{
		gateways:   deps.Gateways,
		drafts:     deps.Drafts,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		orders:     deps.Orders,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandleGatewayWebhook verifies the delivery and routes it. A nil error means the gateway should
// not redeliver; errors are returned only for conditions a redelivery can fix.
func (s *webhookService) HandleGatewayWebhook(ctx context.Context, cmd GatewayWebhookCommand) (WebhookOutcome, error) {
	providerName := strings.ToLower(strings.TrimSpace(cmd.Provider))
	provider, err := s.gateways.Provider(providerName)
	if err != nil {
		return WebhookOutcome{}, fmt.Errorf("%w: %v", ErrWebhookInvalid, err)
	}

	event, err := provider.ParseWebhook(cmd.Payload, cmd.Header)
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrWebhookSignature):
		s.logger(ctx, "webhook.signature_invalid", map[string]any{"provider": providerName})
		return WebhookOutcome{}, ErrWebhookUnauthorized
	default:
		s.logger(ctx, "webhook.payload_invalid", map[string]any{
			"provider": providerName,
			"error":    err.Error(),
		})
		return WebhookOutcome{}, fmt.Errorf("%w: %v", ErrWebhookInvalid, err)
	}
	if event.Provider == "" {
		event.Provider = providerName
	}

	outcome := WebhookOutcome{EventID: event.ID, EventType: event.RawType}
	switch event.Type {
	case payments.WebhookPaymentCaptured:
		return s.handleCaptured(ctx, event, outcome)
	case payments.WebhookPaymentFailed:
		return s.handleFailed(ctx, event, outcome)
	case payments.WebhookRefundProcessed:
		return s.handleRefund(ctx, event, outcome)
	default:
		outcome.Action = WebhookActionIgnored
		s.logger(ctx, "webhook.ignored", map[string]any{
			"provider": event.Provider,
			"eventId":  event.ID,
			"type":     event.RawType,
		})
		return outcome, nil
	}
}

func (s *webhookService) handleCaptured(ctx context.Context, event payments.WebhookEvent, outcome WebhookOutcome) (WebhookOutcome, error) {
	draft, err := s.drafts.FindByGatewayOrderID(ctx, event.OrderID)
	switch {
	case err == nil:
	case repositories.IsNotFound(err):
		draft = domain.OrderDraft{}
	default:
		return WebhookOutcome{}, fmt.Errorf("%w: %v", ErrReconciliationPending, err)
	}
	if draft.Gateway == "" {
		draft.Gateway = event.Provider
	}

	result, err := s.reconciler.Reconcile(ctx, ReconcileCommand{
		GatewayPaymentID: event.PaymentID,
		GatewayOrderID:   event.OrderID,
		Draft:            draft,
		Source:           ReconcileSourceWebhook,
	})
	if result.Order != nil {
		outcome.OrderID = result.Order.OrderID
	}
	outcome.Reason = result.Reason

	switch {
	case err == nil && result.Replayed:
		outcome.Action = WebhookActionReplayed
		return outcome, nil
	case err == nil:
		outcome.Action = WebhookActionReconciled
		return outcome, nil
	case errors.Is(err, ErrOrphanCapture):
		// recorded as verified and reported; redelivery cannot bring the draft back
		outcome.Action = WebhookActionOrphaned
		s.logger(ctx, "webhook.orphan_capture", map[string]any{
			"gatewayOrderId":   event.OrderID,
			"gatewayPaymentId": event.PaymentID,
		})
		return outcome, nil
	case errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrPaymentNotCaptured),
		errors.Is(err, ErrDuplicatePayment),
		errors.Is(err, ErrInvalidSignature):
		outcome.Action = WebhookActionRejected
		if outcome.Reason == "" {
			outcome.Reason = err.Error()
		}
		s.logger(ctx, "webhook.capture_rejected", map[string]any{
			"gatewayPaymentId": event.PaymentID,
			"error":            err.Error(),
		})
		return outcome, nil
	default:
		return WebhookOutcome{}, err
	}
}

func (s *webhookService) handleFailed(ctx context.Context, event payments.WebhookEvent, outcome WebhookOutcome) (WebhookOutcome, error) {
	record := domain.PaymentRecord{
		GatewayPaymentID: event.PaymentID,
		GatewayOrderID:   event.OrderID,
		Gateway:          event.Provider,
		Status:           domain.PaymentRecordFailed,
		FailureReason:    strings.TrimSpace(event.FailureReason),
		AmountMinorUnits: event.Amount,
		Currency:         strings.ToUpper(event.Currency),
		Method:           event.Method,
		UpdatedAt:        s.now(),
	}
	if record.FailureReason == "" {
		record.FailureReason = domain.FailureReasonNotCaptured
	}
	if event.OrderID != "" {
		if draft, err := s.drafts.FindByGatewayOrderID(ctx, event.OrderID); err == nil {
			record.OrderID = draft.OrderID
		}
	}
	if err := s.store.RecordPaymentFailure(ctx, record); err != nil {
		return WebhookOutcome{}, fmt.Errorf("webhook: record payment failure: %w", err)
	}
	s.logger(ctx, "webhook.payment_failed", map[string]any{
		"gatewayPaymentId": record.GatewayPaymentID,
		"reason":           record.FailureReason,
	})
	outcome.Action = WebhookActionFailureRecord
	outcome.OrderID = record.OrderID
	outcome.Reason = record.FailureReason
	return outcome, nil
}

func (s *webhookService) handleRefund(ctx context.Context, event payments.WebhookEvent, outcome WebhookOutcome) (WebhookOutcome, error) {
	order, err := s.orders.ApplyRefund(ctx, ApplyRefundCommand{
		GatewayPaymentID: event.PaymentID,
		RefundID:         event.RefundID,
		Amount:           event.RefundAmount,
		ProcessedAt:      event.OccurredAt,
	})
	switch {
	case err == nil:
		outcome.Action = WebhookActionRefundApplied
		outcome.OrderID = order.OrderID
		return outcome, nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderInvalidState), errors.Is(err, ErrOrderInvalidInput):
		outcome.Action = WebhookActionIgnored
		outcome.Reason = err.Error()
		s.logger(ctx, "webhook.refund_skipped", map[string]any{
			"gatewayPaymentId": event.PaymentID,
			"refundId":         event.RefundID,
			"error":            err.Error(),
		})
		return outcome, nil
	default:
		return WebhookOutcome{}, err
	}
}
