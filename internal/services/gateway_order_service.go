package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/threadcart/api/internal/payments"
)

const (
	defaultGatewayMaxAttempts    = 3
	defaultGatewayInitialBackoff = 250 * time.Millisecond
	defaultGatewayCallTimeout    = 10 * time.Second
)

var tracer = otel.Tracer("github.com/threadcart/api/internal/services")

// gatewayOrderCreator abstracts payments.Manager for easier testing.
type gatewayOrderCreator interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.OrderDetails, error)
}

// GatewayOrderServiceDeps wires the dependencies required by the gateway order service.
type GatewayOrderServiceDeps struct {
	Payments       gatewayOrderCreator
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	MaxAttempts    int
	InitialBackoff time.Duration
	CallTimeout    time.Duration
}

type gatewayOrderService struct {
	payments       gatewayOrderCreator
	now            func() time.Time
	logger         func(ctx context.Context, event string, fields map[string]any)
	maxAttempts    int
	initialBackoff time.Duration
	callTimeout    time.Duration
}

var _ GatewayOrderService = (*gatewayOrderService)(nil)

// NewGatewayOrderService constructs a GatewayOrderService validating required dependencies.
func NewGatewayOrderService(deps GatewayOrderServiceDeps) (GatewayOrderService, error) {
	if deps.Payments == nil {
		return nil, errors.New("gateway order service: payment manager is required")
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
		attempts = defaultGatewayMaxAttempts
	}
	initial := deps.InitialBackoff
	if initial <= 0 {
		initial = defaultGatewayInitialBackoff
	}
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = defaultGatewayCallTimeout
	}

	return &gatewayOrderService{
		payments: deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		maxAttempts:    attempts,
		initialBackoff: initial,
		callTimeout:    timeout,
	}, nil
}

// CreateGatewayOrder opens a gateway order for the exact amount and verifies what the gateway confirmed.
func (s *gatewayOrderService) CreateGatewayOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Amount <= 0 || currency == "" || key == "" {
		return GatewayOrder{}, ErrCheckoutInvalidInput
	}

	ctx, span := tracer.Start(ctx, "gateway.create_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.preferred", req.Gateway),
		attribute.String("gateway.idempotency_key", key),
		attribute.Int64("gateway.amount", req.Amount),
		attribute.String("gateway.currency", currency),
	)

	metadata := make(map[string]string, len(req.Metadata)+1)
	maps.Copy(metadata, req.Metadata)
	metadata["draftId"] = key

	paymentCtx := payments.PaymentContext{PreferredProvider: req.Gateway, Currency: currency}
	request := payments.CreateOrderRequest{
		Amount:         req.Amount,
		Currency:       currency,
		IdempotencyKey: key,
		Metadata:       metadata,
	}

	attempt := 0
	operation := func() (payments.OrderDetails, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		details, err := s.payments.CreateOrder(callCtx, paymentCtx, request)
		if err == nil {
			return details, nil
		}
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return payments.OrderDetails{}, err
		}
		return payments.OrderDetails{}, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.logger(ctx, "gateway.create_order_retry", map[string]any{
			"attempt":        attempt,
			"idempotencyKey": key,
			"wait":           wait.String(),
			"error":          err.Error(),
		})
	}

	details, err := backoff.RetryNotifyWithData(operation, newRetryPolicy(ctx, s.initialBackoff, s.maxAttempts), notify)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order failed")
		s.logger(ctx, "gateway.create_order_failed", map[string]any{
			"attempts":       attempt,
			"idempotencyKey": key,
			"error":          err.Error(),
		})
		return GatewayOrder{}, classifyGatewayError(err)
	}

	if details.Amount != req.Amount || !strings.EqualFold(details.Currency, currency) {
		span.SetStatus(codes.Error, "amount mismatch")
		s.logger(ctx, "gateway.create_order_amount_mismatch", map[string]any{
			"gatewayOrderId":    details.ID,
			"idempotencyKey":    key,
			"expectedAmount":    req.Amount,
			"confirmedAmount":   details.Amount,
			"expectedCurrency":  currency,
			"confirmedCurrency": strings.ToUpper(details.Currency),
		})
		return GatewayOrder{}, fmt.Errorf("%w: requested %d %s, gateway confirmed %d %s",
			ErrGatewayAmountMismatch, req.Amount, currency, details.Amount, strings.ToUpper(details.Currency))
	}

	createdAt := details.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	span.SetAttributes(
		attribute.String("gateway.provider", details.Provider),
		attribute.String("gateway.order_id", details.ID),
	)

	return GatewayOrder{
		GatewayOrderID:   details.ID,
		Gateway:          details.Provider,
		AmountMinorUnits: details.Amount,
		Currency:         currency,
		DraftID:          key,
		Receipt:          details.Receipt,
		ClientSecret:     details.ClientSecret,
		CreatedAt:        createdAt.UTC(),
	}, nil
}

func classifyGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	case errors.Is(err, payments.ErrGatewayUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
}

// newRetryPolicy bounds an exponential backoff to attempts total calls and the caller's context.
func newRetryPolicy(ctx context.Context, initial time.Duration, attempts int) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 16 * initial
	policy.MaxElapsedTime = 0
	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)
}
