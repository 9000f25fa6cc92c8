package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/threadcart/api/internal/payments"
)

type stubGatewayOrderCreator struct {
	createFunc func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.OrderDetails, error)
	calls      int
}

func (s *stubGatewayOrderCreator) CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.OrderDetails, error) {
	s.calls++
	return s.createFunc(ctx, paymentCtx, req)
}

func newGatewayOrderServiceForTest(t *testing.T, creator *stubGatewayOrderCreator) GatewayOrderService {
	t.Helper()
	svc, err := NewGatewayOrderService(GatewayOrderServiceDeps{
		Payments:       creator,
		Clock:          func() time.Time { return testNow },
		InitialBackoff: time.Millisecond,
		CallTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewGatewayOrderService: %v", err)
	}
	return svc
}

func TestGatewayOrderServicePassesIdempotencyKey(t *testing.T) {
	var gotCtx payments.PaymentContext
	var gotReq payments.CreateOrderRequest
	creator := &stubGatewayOrderCreator{
		createFunc: func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.OrderDetails, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Fatalf("expected per-call deadline")
			}
			gotCtx = paymentCtx
			gotReq = req
			return payments.OrderDetails{ID: "order_1", Provider: "razorpay", Amount: req.Amount, Currency: "inr", Receipt: req.IdempotencyKey}, nil
		},
	}
	svc := newGatewayOrderServiceForTest(t, creator)

	order, err := svc.CreateGatewayOrder(context.Background(), GatewayOrderRequest{
		Amount:         4253,
		Currency:       "inr",
		IdempotencyKey: "drf_1",
		Metadata:       map[string]string{"orderId": "ord_1"},
		Gateway:        "razorpay",
	})
	if err != nil {
		t.Fatalf("CreateGatewayOrder: %v", err)
	}
	if gotReq.IdempotencyKey != "drf_1" || gotReq.Currency != "INR" || gotReq.Amount != 4253 {
		t.Fatalf("unexpected request %#v", gotReq)
	}
	if gotReq.Metadata["draftId"] != "drf_1" || gotReq.Metadata["orderId"] != "ord_1" {
		t.Fatalf("unexpected metadata %#v", gotReq.Metadata)
	}
	if gotCtx.PreferredProvider != "razorpay" || gotCtx.Currency != "INR" {
		t.Fatalf("unexpected payment context %#v", gotCtx)
	}
	if order.GatewayOrderID != "order_1" || order.Gateway != "razorpay" || order.DraftID != "drf_1" || order.Receipt != "drf_1" {
		t.Fatalf("unexpected gateway order %#v", order)
	}
	if !order.CreatedAt.Equal(testNow) {
		t.Fatalf("expected createdAt from clock, got %s", order.CreatedAt)
	}
}

func TestGatewayOrderServiceRetriesUnavailable(t *testing.T) {
	creator := &stubGatewayOrderCreator{}
	creator.createFunc = func(_ context.Context, _ payments.PaymentContext, req payments.CreateOrderRequest) (payments.OrderDetails, error) {
		if creator.calls < 3 {
			return payments.OrderDetails{}, fmt.Errorf("%w: 503", payments.ErrGatewayUnavailable)
		}
		return payments.OrderDetails{ID: "order_1", Provider: "razorpay", Amount: req.Amount, Currency: req.Currency}, nil
	}
	svc := newGatewayOrderServiceForTest(t, creator)

	if _, err := svc.CreateGatewayOrder(context.Background(), GatewayOrderRequest{Amount: 100, Currency: "INR", IdempotencyKey: "drf_1"}); err != nil {
		t.Fatalf("CreateGatewayOrder: %v", err)
	}
	if creator.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", creator.calls)
	}
}

func TestGatewayOrderServiceGivesUpAfterMaxAttempts(t *testing.T) {
	creator := &stubGatewayOrderCreator{
		createFunc: func(context.Context, payments.PaymentContext, payments.CreateOrderRequest) (payments.OrderDetails, error) {
			return payments.OrderDetails{}, fmt.Errorf("%w: connection reset", payments.ErrGatewayUnavailable)
		},
	}
	svc := newGatewayOrderServiceForTest(t, creator)

	_, err := svc.CreateGatewayOrder(context.Background(), GatewayOrderRequest{Amount: 100, Currency: "INR", IdempotencyKey: "drf_1"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if creator.calls != defaultGatewayMaxAttempts {
		t.Fatalf("expected %d calls, got %d", defaultGatewayMaxAttempts, creator.calls)
	}
}

func TestGatewayOrderServiceDoesNotRetryRejections(t *testing.T) {
	creator := &stubGatewayOrderCreator{
		createFunc: func(context.Context, payments.PaymentContext, payments.CreateOrderRequest) (payments.OrderDetails, error) {
			return payments.OrderDetails{}, fmt.Errorf("%w: amount too small", payments.ErrGatewayRejected)
		},
	}
	svc := newGatewayOrderServiceForTest(t, creator)

	_, err := svc.CreateGatewayOrder(context.Background(), GatewayOrderRequest{Amount: 100, Currency: "INR", IdempotencyKey: "drf_1"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if creator.calls != 1 {
		t.Fatalf("expected a single call, got %d", creator.calls)
	}
}

func TestGatewayOrderServiceDetectsAmountMismatch(t *testing.T) {
	cases := []struct {
		name     string
		amount   int64
		currency string
	}{
		{name: "amount", amount: 4252, currency: "INR"},
		{name: "currency", amount: 4253, currency: "USD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			creator := &stubGatewayOrderCreator{
				createFunc: func(context.Context, payments.PaymentContext, payments.CreateOrderRequest) (payments.OrderDetails, error) {
					return payments.OrderDetails{ID: "order_1", Provider: "razorpay", Amount: tc.amount, Currency: tc.currency}, nil
				},
			}
			svc := newGatewayOrderServiceForTest(t, creator)

			_, err := svc.CreateGatewayOrder(context.Background(), GatewayOrderRequest{Amount: 4253, Currency: "INR", IdempotencyKey: "drf_1"})
			if !errors.Is(err, ErrGatewayAmountMismatch) {
				t.Fatalf("expected ErrGatewayAmountMismatch, got %v", err)
			}
			if creator.calls != 1 {
				t.Fatalf("mismatch must not be retried, got %d calls", creator.calls)
			}
		})
	}
}

func TestGatewayOrderServiceValidatesRequest(t *testing.T) {
	creator := &stubGatewayOrderCreator{}
	svc := newGatewayOrderServiceForTest(t, creator)

	for _, req := range []GatewayOrderRequest{
		{Amount: 0, Currency: "INR", IdempotencyKey: "drf_1"},
		{Amount: 100, Currency: "", IdempotencyKey: "drf_1"},
		{Amount: 100, Currency: "INR"},
	} {
		if _, err := svc.CreateGatewayOrder(context.Background(), req); !errors.Is(err, ErrCheckoutInvalidInput) {
			t.Fatalf("expected ErrCheckoutInvalidInput for %#v, got %v", req, err)
		}
	}
	if creator.calls != 0 {
		t.Fatalf("expected no gateway calls, got %d", creator.calls)
	}
}

func TestGatewayOrderServiceUnknownProvider(t *testing.T) {
	creator := &stubGatewayOrderCreator{
		createFunc: func(context.Context, payments.PaymentContext, payments.CreateOrderRequest) (payments.OrderDetails, error) {
			return payments.OrderDetails{}, fmt.Errorf("%w: paypal", payments.ErrUnsupportedProvider)
		},
	}
	svc := newGatewayOrderServiceForTest(t, creator)

	_, err := svc.CreateGatewayOrder(context.Background(), GatewayOrderRequest{Amount: 100, Currency: "INR", IdempotencyKey: "drf_1", Gateway: "paypal"})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
}
