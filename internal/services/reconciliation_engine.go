package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/payments"
	"github.com/threadcart/api/internal/repositories"
)

const (
	defaultReconcileMaxAttempts    = 4
	defaultReconcileInitialBackoff = 200 * time.Millisecond
	defaultReconcileFetchTimeout   = 10 * time.Second

	orphanCaptureReason = "no checkout draft for captured payment"
)

// paymentGateways abstracts payments.Manager provider lookup for easier testing.
type paymentGateways interface {
	Provider(name string) (payments.Provider, error)
}

// ReconciliationEngineDeps wires the dependencies required by the reconciliation engine.
type ReconciliationEngineDeps struct {
	Store          repositories.OrderStore
	Drafts         repositories.DraftRepository
	Gateways       paymentGateways
	Anomalies      AnomalyReporter
	Events         OrderEventPublisher
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	MaxAttempts    int
	InitialBackoff time.Duration
	FetchTimeout   time.Duration
}

type reconciliationEngine struct {
	store          repositories.OrderStore
	drafts         repositories.DraftRepository
	gateways       paymentGateways
	anomalies      AnomalyReporter
	events         OrderEventPublisher
	now            func() time.Time
	logger         func(ctx context.Context, event string, fields map[string]any)
	maxAttempts    int
	initialBackoff time.Duration
	fetchTimeout   time.Duration
}

var _ ReconciliationEngine = (*reconciliationEngine)(nil)

// NewReconciliationEngine constructs a ReconciliationEngine validating required dependencies.
// Drafts, Anomalies and Events are optional; their side effects are skipped when absent.
func NewReconciliationEngine(deps ReconciliationEngineDeps) (ReconciliationEngine, error) {
	if deps.Store == nil {
		return nil, errors.New("reconciliation engine: order store is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("reconciliation engine: payment gateways are required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultReconcileMaxAttempts
	}
	initial := deps.InitialBackoff
	if initial <= 0 {
		initial = defaultReconcileInitialBackoff
	}
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = defaultReconcileFetchTimeout
	}

	return &reconciliationEngine{
		store:     deps.Store,
		drafts:    deps.Drafts,
		gateways:  deps.Gateways,
		anomalies: deps.Anomalies,
		events:    deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		maxAttempts:    attempts,
		initialBackoff: initial,
		fetchTimeout:   timeout,
	}, nil
}

// Reconcile verifies a completed payment against the gateway and atomically records the captured
// payment together with its confirmed order. Re-running it for the same payment is safe.
func (e *reconciliationEngine) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconciliationResult, error) {
	paymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	if paymentID == "" || gatewayOrderID == "" {
		return ReconciliationResult{}, ErrCheckoutInvalidInput
	}
	source := cmd.Source
	if source == "" {
		source = ReconcileSourceCallback
	}
	if source != ReconcileSourceCallback && source != ReconcileSourceWebhook {
		return ReconciliationResult{}, fmt.Errorf("%w: unknown source %q", ErrCheckoutInvalidInput, source)
	}

	ctx, span := tracer.Start(ctx, "reconcile.payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("payment.gateway_order_id", gatewayOrderID),
		attribute.String("reconcile.source", string(source)),
	)

	stored, err := e.loadPayment(ctx, paymentID)
	if err != nil {
		markSpanError(span, err)
		return ReconciliationResult{}, err
	}
	if result, ok, err := e.replayFrom(ctx, stored); err != nil {
		markSpanError(span, err)
		return ReconciliationResult{}, err
	} else if ok {
		span.SetAttributes(attribute.Bool("reconcile.replayed", true))
		return result, nil
	}

	draft := cmd.Draft
	if strings.TrimSpace(draft.OrderID) == "" {
		switch {
		case stored != nil && stored.Status == domain.PaymentRecordVerified && stored.OrderSnapshot != nil:
			draft = *stored.OrderSnapshot
			span.SetAttributes(attribute.Bool("reconcile.from_snapshot", true))
			e.logger(ctx, "reconcile.resume_from_snapshot", map[string]any{
				"gatewayPaymentId": paymentID,
				"orderId":          draft.OrderID,
			})
		case source == ReconcileSourceWebhook:
			return e.orphanCapture(ctx, span, stored, cmd.Draft.Gateway, paymentID, gatewayOrderID)
		default:
			return ReconciliationResult{}, ErrDraftNotFound
		}
	}
	span.SetAttributes(attribute.String("order.id", draft.OrderID))

	provider, err := e.gateways.Provider(draft.Gateway)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	record := domain.PaymentRecord{
		GatewayPaymentID: paymentID,
		GatewayOrderID:   gatewayOrderID,
		Gateway:          draft.Gateway,
		OrderID:          draft.OrderID,
		Signature:        strings.TrimSpace(cmd.Signature),
		Currency:         draft.Financials.Currency,
		UpdatedAt:        e.now(),
	}

	if draft.GatewayOrderID != "" && draft.GatewayOrderID != gatewayOrderID {
		return e.rejectSignature(ctx, span, record, domain.FailureReasonOrderMismatch)
	}

	if source == ReconcileSourceCallback {
		if !provider.SupportsCallbackVerification() {
			return ReconciliationResult{}, ErrCallbackUnsupported
		}
		if !provider.VerifyPaymentSignature(gatewayOrderID, paymentID, record.Signature) {
			return e.rejectSignature(ctx, span, record, domain.FailureReasonInvalidSignature)
		}
	}

	details, err := e.fetchPayment(ctx, span, provider, paymentID)
	if err != nil {
		return ReconciliationResult{}, err
	}

	record.AmountMinorUnits = details.Amount
	record.Method = details.Method
	if currency := strings.ToUpper(strings.TrimSpace(details.Currency)); currency != "" {
		record.Currency = currency
	}

	if details.OrderID != "" && details.OrderID != gatewayOrderID {
		return e.rejectSignature(ctx, span, record, domain.FailureReasonOrderMismatch)
	}
	if details.Status != payments.StatusCaptured {
		return e.declined(ctx, span, record, details)
	}
	if details.Amount != draft.Financials.GrandTotal || !strings.EqualFold(details.Currency, draft.Financials.Currency) {
		return e.amountMismatch(ctx, span, record, draft, details)
	}

	capturedAt := e.capturedAt(details)
	record.CapturedAt = &capturedAt
	e.recordVerified(ctx, record, draft)

	record.Status = domain.PaymentRecordCaptured

	order, replayed, err := e.persist(ctx, record, orderPatchFromDraft(draft, record, source, e.now()))
	if err != nil {
		markSpanError(span, err)
		return ReconciliationResult{}, err
	}
	if replayed != nil {
		return *replayed, nil
	}

	e.deleteDraft(ctx, draft.DraftID)
	e.publishEvent(ctx, OrderEvent{
		Type:             OrderEventConfirmed,
		OrderID:          order.OrderID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		GatewayPaymentID: paymentID,
		Amount:           order.Financials.GrandTotal,
		Currency:         order.Financials.Currency,
		OccurredAt:       e.now(),
	})
	e.logger(ctx, "reconcile.confirmed", map[string]any{
		"orderId":          order.OrderID,
		"orderNumber":      order.OrderNumber,
		"gatewayPaymentId": paymentID,
		"source":           string(source),
	})

	return ReconciliationResult{
		State:   ReconciliationReconciled,
		Order:   &order,
		Payment: record,
	}, nil
}

// loadPayment returns the stored payment record, or nil when there is none.
func (e *reconciliationEngine) loadPayment(ctx context.Context, paymentID string) (*domain.PaymentRecord, error) {
	payment, err := e.store.FindPaymentByGatewayID(ctx, paymentID)
	switch {
	case err == nil:
		return &payment, nil
	case repositories.IsNotFound(err):
		return nil, nil
	default:
		return nil, e.storageError(ctx, "reconcile.lookup_failed", paymentID, err)
	}
}

// replay returns the stored result when the payment has already been captured.
func (e *reconciliationEngine) replay(ctx context.Context, paymentID string) (ReconciliationResult, bool, error) {
	payment, err := e.loadPayment(ctx, paymentID)
	if err != nil {
		return ReconciliationResult{}, false, err
	}
	return e.replayFrom(ctx, payment)
}

func (e *reconciliationEngine) replayFrom(ctx context.Context, payment *domain.PaymentRecord) (ReconciliationResult, bool, error) {
	if payment == nil || (payment.Status != domain.PaymentRecordCaptured && payment.Status != domain.PaymentRecordRefunded) {
		return ReconciliationResult{}, false, nil
	}

	order, err := e.store.FindOrder(ctx, payment.OrderID)
	if err != nil {
		return ReconciliationResult{}, false, e.storageError(ctx, "reconcile.replay_order_failed", payment.GatewayPaymentID, err)
	}
	return ReconciliationResult{
		State:    ReconciliationReconciled,
		Order:    &order,
		Payment:  *payment,
		Replayed: true,
	}, true, nil
}

func (e *reconciliationEngine) fetchPayment(ctx context.Context, span trace.Span, provider payments.Provider, paymentID string) (payments.PaymentDetails, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	details, err := provider.FetchPayment(fetchCtx, paymentID)
	if err != nil {
		markSpanError(span, err)
		e.logger(ctx, "reconcile.fetch_failed", map[string]any{
			"gatewayPaymentId": paymentID,
			"error":            err.Error(),
		})
		return payments.PaymentDetails{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return details, nil
}

func (e *reconciliationEngine) capturedAt(details payments.PaymentDetails) time.Time {
	if details.CapturedAt != nil && !details.CapturedAt.IsZero() {
		return details.CapturedAt.UTC()
	}
	return e.now()
}

// recordVerified stores the gateway-confirmed payment with its draft before the order write, so a
// pending reconcile can resume from the payment id after the draft expires.
func (e *reconciliationEngine) recordVerified(ctx context.Context, record domain.PaymentRecord, draft domain.OrderDraft) {
	snapshot := draft
	snapshot.Items = append([]domain.LineItem(nil), draft.Items...)
	record.Status = domain.PaymentRecordVerified
	record.OrderSnapshot = &snapshot
	if err := e.store.RecordVerifiedPayment(ctx, record); err != nil {
		e.logger(ctx, "reconcile.record_verified_failed", map[string]any{
			"gatewayPaymentId": record.GatewayPaymentID,
			"orderId":          record.OrderID,
			"error":            err.Error(),
		})
	}
}

// orphanCapture handles a webhook capture with no draft and no resumable record: the payment is
// kept as verified and handed to manual review.
func (e *reconciliationEngine) orphanCapture(ctx context.Context, span trace.Span, stored *domain.PaymentRecord, gateway, paymentID, gatewayOrderID string) (ReconciliationResult, error) {
	if stored != nil && stored.Status == domain.PaymentRecordVerified {
		return ReconciliationResult{
			State:   ReconciliationOrphaned,
			Payment: *stored,
			Reason:  orphanCaptureReason,
		}, ErrOrphanCapture
	}

	provider, err := e.gateways.Provider(gateway)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	details, err := e.fetchPayment(ctx, span, provider, paymentID)
	if err != nil {
		return ReconciliationResult{}, err
	}

	record := domain.PaymentRecord{
		GatewayPaymentID: paymentID,
		GatewayOrderID:   gatewayOrderID,
		Gateway:          gateway,
		AmountMinorUnits: details.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(details.Currency)),
		Method:           details.Method,
		UpdatedAt:        e.now(),
	}
	if details.OrderID != "" && details.OrderID != gatewayOrderID {
		return e.rejectSignature(ctx, span, record, domain.FailureReasonOrderMismatch)
	}
	if details.Status != payments.StatusCaptured {
		return e.declined(ctx, span, record, details)
	}

	capturedAt := e.capturedAt(details)
	record.Status = domain.PaymentRecordVerified
	record.CapturedAt = &capturedAt
	if err := e.store.RecordVerifiedPayment(ctx, record); err != nil {
		markSpanError(span, err)
		return ReconciliationResult{}, e.storageError(ctx, "reconcile.orphan_record_failed", paymentID, err)
	}
	e.reportAnomaly(ctx, Anomaly{
		Kind:             AnomalyOrphanCapture,
		GatewayPaymentID: paymentID,
		GatewayOrderID:   gatewayOrderID,
		Gateway:          gateway,
		Actual:           details.Amount,
		ActualCurrency:   record.Currency,
		Reason:           orphanCaptureReason,
		DetectedAt:       e.now(),
	})
	span.SetStatus(codes.Error, orphanCaptureReason)
	return ReconciliationResult{
		State:   ReconciliationOrphaned,
		Payment: record,
		Reason:  orphanCaptureReason,
	}, ErrOrphanCapture
}

// persist writes the captured payment and order, retrying transient storage failures. A non-nil
// replay result means a concurrent caller won and its order is returned instead.
func (e *reconciliationEngine) persist(ctx context.Context, payment domain.PaymentRecord, patch repositories.OrderPatch) (domain.Order, *ReconciliationResult, error) {
	attempt := 0
	operation := func() (domain.Order, error) {
		attempt++
		order, err := e.store.UpsertPaymentAndOrder(ctx, payment, patch)
		if err == nil {
			return order, nil
		}
		if repositories.IsUnavailable(err) {
			return domain.Order{}, err
		}
		return domain.Order{}, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		e.logger(ctx, "reconcile.persist_retry", map[string]any{
			"attempt":          attempt,
			"gatewayPaymentId": payment.GatewayPaymentID,
			"wait":             wait.String(),
			"error":            err.Error(),
		})
	}

	order, err := backoff.RetryNotifyWithData(operation, newRetryPolicy(ctx, e.initialBackoff, e.maxAttempts), notify)
	switch {
	case err == nil:
		return order, nil, nil
	case repositories.IsConflict(err):
		result, ok, rerr := e.replay(ctx, payment.GatewayPaymentID)
		if rerr != nil {
			return domain.Order{}, nil, rerr
		}
		if ok {
			e.logger(ctx, "reconcile.concurrent_capture", map[string]any{
				"gatewayPaymentId": payment.GatewayPaymentID,
				"orderId":          result.Order.OrderID,
			})
			return domain.Order{}, &result, nil
		}
		if errors.Is(err, repositories.ErrPaymentTransition) {
			return domain.Order{}, nil, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}
		if errors.Is(err, repositories.ErrOrderAlreadyPaid) || errors.Is(err, repositories.ErrGatewayOrderTaken) {
			e.reportAnomaly(ctx, Anomaly{
				Kind:             AnomalyDuplicatePayment,
				OrderID:          payment.OrderID,
				GatewayPaymentID: payment.GatewayPaymentID,
				GatewayOrderID:   payment.GatewayOrderID,
				Gateway:          payment.Gateway,
				Expected:         patch.Order.Financials.GrandTotal,
				Actual:           payment.AmountMinorUnits,
				Currency:         patch.Order.Financials.Currency,
				ActualCurrency:   payment.Currency,
				Reason:           err.Error(),
				DetectedAt:       e.now(),
			})
			return domain.Order{}, nil, fmt.Errorf("%w: %v", ErrDuplicatePayment, err)
		}
		return domain.Order{}, nil, fmt.Errorf("%w: %v", ErrReconciliationPending, err)
	case repositories.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.logger(ctx, "reconcile.persist_pending", map[string]any{
			"attempts":         attempt,
			"gatewayPaymentId": payment.GatewayPaymentID,
			"orderId":          payment.OrderID,
			"error":            err.Error(),
		})
		return domain.Order{}, nil, fmt.Errorf("%w: %v", ErrReconciliationPending, err)
	default:
		return domain.Order{}, nil, fmt.Errorf("reconcile: persist payment: %w", err)
	}
}

func (e *reconciliationEngine) rejectSignature(ctx context.Context, span trace.Span, record domain.PaymentRecord, reason string) (ReconciliationResult, error) {
	record.Status = domain.PaymentRecordFailed
	record.FailureReason = reason
	e.recordFailure(ctx, record)
	span.SetStatus(codes.Error, reason)
	return ReconciliationResult{
		State:   ReconciliationSignatureRejected,
		Payment: record,
		Reason:  reason,
	}, ErrInvalidSignature
}

func (e *reconciliationEngine) declined(ctx context.Context, span trace.Span, record domain.PaymentRecord, details payments.PaymentDetails) (ReconciliationResult, error) {
	reason := strings.TrimSpace(details.FailureReason)
	record.Status = domain.PaymentRecordFailed
	record.FailureReason = reason
	if record.FailureReason == "" {
		record.FailureReason = domain.FailureReasonNotCaptured
	}
	e.recordFailure(ctx, record)
	span.SetStatus(codes.Error, record.FailureReason)
	return ReconciliationResult{
		State:   ReconciliationPaymentFailed,
		Payment: record,
		Reason:  reason,
	}, &PaymentDeclinedError{Reason: reason}
}

func (e *reconciliationEngine) amountMismatch(ctx context.Context, span trace.Span, record domain.PaymentRecord, draft domain.OrderDraft, details payments.PaymentDetails) (ReconciliationResult, error) {
	record.Status = domain.PaymentRecordFailed
	record.FailureReason = domain.FailureReasonAmountMismatch
	e.recordFailure(ctx, record)
	span.SetStatus(codes.Error, domain.FailureReasonAmountMismatch)

	expectedCurrency := strings.ToUpper(draft.Financials.Currency)
	actualCurrency := strings.ToUpper(details.Currency)
	e.reportAnomaly(ctx, Anomaly{
		Kind:             AnomalyAmountMismatch,
		OrderID:          draft.OrderID,
		DraftID:          draft.DraftID,
		GatewayPaymentID: record.GatewayPaymentID,
		GatewayOrderID:   record.GatewayOrderID,
		Gateway:          record.Gateway,
		Expected:         draft.Financials.GrandTotal,
		Actual:           details.Amount,
		Currency:         expectedCurrency,
		ActualCurrency:   actualCurrency,
		Reason:           domain.FailureReasonAmountMismatch,
		DetectedAt:       e.now(),
	})
	return ReconciliationResult{
			State:   ReconciliationGatewayStatusMismatch,
			Payment: record,
			Reason:  domain.FailureReasonAmountMismatch,
		}, fmt.Errorf("%w: expected %d %s, captured %d %s",
			ErrAmountMismatch, draft.Financials.GrandTotal, expectedCurrency, details.Amount, actualCurrency)
}

func (e *reconciliationEngine) recordFailure(ctx context.Context, record domain.PaymentRecord) {
	if err := e.store.RecordPaymentFailure(ctx, record); err != nil {
		e.logger(ctx, "reconcile.record_failure_failed", map[string]any{
			"gatewayPaymentId": record.GatewayPaymentID,
			"reason":           record.FailureReason,
			"error":            err.Error(),
		})
		return
	}
	e.logger(ctx, "reconcile.payment_rejected", map[string]any{
		"gatewayPaymentId": record.GatewayPaymentID,
		"orderId":          record.OrderID,
		"reason":           record.FailureReason,
	})
}

func (e *reconciliationEngine) reportAnomaly(ctx context.Context, anomaly Anomaly) {
	e.logger(ctx, "reconcile.anomaly", map[string]any{
		"kind":             anomaly.Kind,
		"orderId":          anomaly.OrderID,
		"gatewayPaymentId": anomaly.GatewayPaymentID,
		"expected":         anomaly.Expected,
		"actual":           anomaly.Actual,
	})
	if e.anomalies == nil {
		return
	}
	if err := e.anomalies.ReportAnomaly(ctx, anomaly); err != nil {
		e.logger(ctx, "reconcile.anomaly_publish_failed", map[string]any{
			"kind":             anomaly.Kind,
			"gatewayPaymentId": anomaly.GatewayPaymentID,
			"error":            err.Error(),
		})
	}
}

func (e *reconciliationEngine) publishEvent(ctx context.Context, event OrderEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishOrderEvent(ctx, event); err != nil {
		e.logger(ctx, "reconcile.event_publish_failed", map[string]any{
			"type":    event.Type,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func (e *reconciliationEngine) deleteDraft(ctx context.Context, draftID string) {
	if e.drafts == nil || strings.TrimSpace(draftID) == "" {
		return
	}
	if err := e.drafts.Delete(ctx, draftID); err != nil && !repositories.IsNotFound(err) {
		e.logger(ctx, "reconcile.draft_delete_failed", map[string]any{
			"draftId": draftID,
			"error":   err.Error(),
		})
	}
}

func (e *reconciliationEngine) storageError(ctx context.Context, event, paymentID string, err error) error {
	e.logger(ctx, event, map[string]any{
		"gatewayPaymentId": paymentID,
		"error":            err.Error(),
	})
	if repositories.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrReconciliationPending, err)
	}
	return fmt.Errorf("reconcile: %w", err)
}

func orderPatchFromDraft(draft domain.OrderDraft, payment domain.PaymentRecord, source ReconcileSource, now time.Time) repositories.OrderPatch {
	placedAt := draft.CreatedAt
	if placedAt.IsZero() {
		placedAt = now
	}
	description := "Payment verified and captured"
	if source == ReconcileSourceWebhook {
		description = "Payment captured via webhook"
	}

	order := domain.Order{
		OrderID:          draft.OrderID,
		GatewayOrderID:   payment.GatewayOrderID,
		GatewayPaymentID: payment.GatewayPaymentID,
		Gateway:          payment.Gateway,
		Financials:       draft.Financials,
		Items:            append([]domain.LineItem(nil), draft.Items...),
		ShippingAddress:  draft.ShippingAddress,
		Customer:         draft.Customer,
		Status:           domain.OrderStatusConfirmed,
		PaymentStatus:    domain.PaymentStatusPaid,
		PaymentMethod:    payment.Method,
		Timeline: []domain.TimelineEntry{{
			Status:      string(domain.OrderStatusPending),
			Description: "Order placed",
			Timestamp:   placedAt,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return repositories.OrderPatch{
		Order: order,
		Timeline: []domain.TimelineEntry{{
			Status:      string(domain.OrderStatusConfirmed),
			Description: description,
			Timestamp:   now,
		}},
	}
}

func markSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
