package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/payments"
	"github.com/threadcart/api/internal/repositories"
)

func newOrderServiceForTest(t *testing.T, store repositories.OrderStore, events OrderEventPublisher) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Store:  store,
		Events: events,
		Clock:  func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

// seedConfirmedOrder reconciles the test draft into store and returns the confirmed order.
func seedConfirmedOrder(t *testing.T, store repositories.OrderStore) domain.Order {
	t.Helper()
	fx := newEngineFixture(t, store, func(context.Context, string) (payments.PaymentDetails, error) {
		return capturedPayment("pay_1", "order_1", 4253), nil
	})
	result, err := fx.engine.Reconcile(context.Background(), callbackCommand("pay_1"))
	if err != nil {
		t.Fatalf("seed reconcile: %v", err)
	}
	return *result.Order
}

func TestOrderServiceGetOrder(t *testing.T) {
	store := openBoltStore(t)
	seeded := seedConfirmedOrder(t, store)
	svc := newOrderServiceForTest(t, store, nil)

	order, err := svc.GetOrder(context.Background(), seeded.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.OrderNumber != seeded.OrderNumber {
		t.Fatalf("expected %s, got %s", seeded.OrderNumber, order.OrderNumber)
	}
	if _, err := svc.GetOrder(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), " "); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceUpdateStatusFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openBoltStore(t)
	seeded := seedConfirmedOrder(t, store)
	events := &recordingEvents{}
	svc := newOrderServiceForTest(t, store, events)

	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: seeded.OrderID, Status: "processing"}); err != nil {
		t.Fatalf("UpdateStatus processing: %v", err)
	}
	tracking := " AWB123 "
	shipped, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID:        seeded.OrderID,
		Status:         "Shipped",
		TrackingNumber: &tracking,
		Note:           "Handed to courier",
	})
	if err != nil {
		t.Fatalf("UpdateStatus shipped: %v", err)
	}
	if shipped.Status != domain.OrderStatusShipped || shipped.TrackingNumber != "AWB123" {
		t.Fatalf("unexpected order %s tracking %q", shipped.Status, shipped.TrackingNumber)
	}
	last := shipped.Timeline[len(shipped.Timeline)-1]
	if last.Status != "shipped" || last.Description != "Handed to courier" || !last.Timestamp.Equal(testNow) {
		t.Fatalf("unexpected timeline entry %#v", last)
	}
	if events.count() != 2 || events.events[1].Type != OrderEventStatusChanged || events.events[1].Status != "shipped" {
		t.Fatalf("unexpected events %#v", events.events)
	}

	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: seeded.OrderID, Status: "cancelled"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState for shipped->cancelled, got %v", err)
	}
}

func TestOrderServiceUpdateStatusRejectsUnknownStatus(t *testing.T) {
	svc := newOrderServiceForTest(t, &stubOrderStore{}, nil)
	if _, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceUpdateStatusLosesRace(t *testing.T) {
	store := &stubOrderStore{
		findOrderFunc: func(context.Context, string) (domain.Order, error) {
			return domain.Order{OrderID: "ord_1", Status: domain.OrderStatusConfirmed}, nil
		},
		updateStatusFunc: func(_ context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
			if update.ExpectedStatus != domain.OrderStatusConfirmed {
				t.Fatalf("expected guard on confirmed, got %s", update.ExpectedStatus)
			}
			return domain.Order{}, repositories.NewStoreError("update", repositories.StoreErrorConflict, repositories.ErrOrderStatusChanged)
		},
	}
	svc := newOrderServiceForTest(t, store, nil)

	if _, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: "processing"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestOrderServiceApplyRefundIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openBoltStore(t)
	seedConfirmedOrder(t, store)
	events := &recordingEvents{}
	svc := newOrderServiceForTest(t, store, events)

	cmd := ApplyRefundCommand{GatewayPaymentID: "pay_1", RefundID: "rfnd_1", Amount: 4253, ProcessedAt: testNow}
	first, err := svc.ApplyRefund(ctx, cmd)
	if err != nil {
		t.Fatalf("ApplyRefund: %v", err)
	}
	if first.PaymentStatus != domain.PaymentStatusRefunded || first.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected statuses %s/%s", first.Status, first.PaymentStatus)
	}
	second, err := svc.ApplyRefund(ctx, cmd)
	if err != nil {
		t.Fatalf("second ApplyRefund: %v", err)
	}
	if len(second.Refunds) != 1 || len(second.Timeline) != len(first.Timeline) {
		t.Fatalf("refund applied twice: refunds=%d timeline %d vs %d", len(second.Refunds), len(second.Timeline), len(first.Timeline))
	}
	if events.events[0].Type != OrderEventRefunded || events.events[0].RefundID != "rfnd_1" {
		t.Fatalf("unexpected event %#v", events.events[0])
	}
}

func TestOrderServiceApplyRefundUnknownPayment(t *testing.T) {
	svc := newOrderServiceForTest(t, openBoltStore(t), nil)
	_, err := svc.ApplyRefund(context.Background(), ApplyRefundCommand{GatewayPaymentID: "pay_x", RefundID: "rfnd_1", Amount: 1})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceListOrdersNormalisesFilter(t *testing.T) {
	var got repositories.OrderListFilter
	store := &stubOrderStore{
		listFunc: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			got = filter
			return domain.CursorPage[domain.Order]{Items: []domain.Order{{OrderID: "ord_1"}}}, nil
		},
	}
	svc := newOrderServiceForTest(t, store, nil)

	page, err := svc.ListOrders(context.Background(), OrderListFilter{
		CustomerEmail: " Asha@Example.com ",
		Status:        "Confirmed",
		Pagination:    domain.Pagination{PageSize: 500},
	})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("unexpected page %#v", page)
	}
	if got.CustomerEmail != "asha@example.com" || got.Status == nil || *got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected filter %#v", got)
	}
	if got.Pagination.PageSize != 100 {
		t.Fatalf("expected clamped page size, got %d", got.Pagination.PageSize)
	}
}

func TestOrderServiceListOrdersRejectsBadInput(t *testing.T) {
	svc := newOrderServiceForTest(t, &stubOrderStore{}, nil)
	if _, err := svc.ListOrders(context.Background(), OrderListFilter{Status: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for status, got %v", err)
	}
	if _, err := svc.ListOrders(context.Background(), OrderListFilter{Pagination: domain.Pagination{PageToken: "%%%"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for token, got %v", err)
	}
}
