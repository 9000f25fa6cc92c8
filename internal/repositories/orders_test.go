package repositories

import (
	"errors"
	"testing"
	"time"

	domain "github.com/threadcart/api/internal/domain"
)

func TestFormatOrderNumber(t *testing.T) {
	if got := FormatOrderNumber(2025, 42); got != "ORD-2025-000042" {
		t.Fatalf("unexpected order number %q", got)
	}
	if got := OrderNumberCounterID(2025); got != "orders-2025" {
		t.Fatalf("unexpected counter id %q", got)
	}
}

func TestCheckCapture(t *testing.T) {
	payment := domain.PaymentRecord{GatewayPaymentID: "pay_1"}

	if err := CheckCapture(nil, nil, payment); err != nil {
		t.Fatalf("expected fresh capture to pass, got %v", err)
	}
	failed := &domain.PaymentRecord{GatewayPaymentID: "pay_1", Status: domain.PaymentRecordFailed}
	if err := CheckCapture(failed, nil, payment); err != nil {
		t.Fatalf("expected failed record to be overwritable, got %v", err)
	}
	captured := &domain.PaymentRecord{GatewayPaymentID: "pay_1", Status: domain.PaymentRecordCaptured}
	if err := CheckCapture(captured, nil, payment); !errors.Is(err, ErrPaymentAlreadyCaptured) {
		t.Fatalf("expected ErrPaymentAlreadyCaptured, got %v", err)
	}
	paidElsewhere := &domain.Order{GatewayPaymentID: "pay_0", PaymentStatus: domain.PaymentStatusPaid}
	if err := CheckCapture(nil, paidElsewhere, payment); !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected ErrOrderAlreadyPaid, got %v", err)
	}
}

func TestApplyCaptureNewOrder(t *testing.T) {
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	payment := domain.PaymentRecord{GatewayPaymentID: "pay_1", GatewayOrderID: "order_1", Gateway: "razorpay"}
	patch := OrderPatch{
		Order:    domain.Order{OrderID: "ord_1", Status: domain.OrderStatusConfirmed, PaymentStatus: domain.PaymentStatusPaid},
		Timeline: []domain.TimelineEntry{{Status: "confirmed", Description: "Payment captured", Timestamp: now}},
	}

	order, err := ApplyCapture(nil, payment, patch, now)
	if err != nil {
		t.Fatalf("ApplyCapture: %v", err)
	}
	if order.GatewayPaymentID != "pay_1" || order.GatewayOrderID != "order_1" || order.Gateway != "razorpay" {
		t.Fatalf("payment identifiers not applied: %#v", order)
	}
	if len(order.Timeline) != 1 || !order.CreatedAt.Equal(now) {
		t.Fatalf("unexpected order %#v", order)
	}
}

func TestApplyCaptureExistingOrderAppendsTimeline(t *testing.T) {
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	existing := &domain.Order{
		OrderID:       "ord_1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Timeline:      []domain.TimelineEntry{{Status: "pending", Description: "Order placed"}},
	}
	patch := OrderPatch{
		Order:    domain.Order{Status: domain.OrderStatusConfirmed, PaymentStatus: domain.PaymentStatusPaid},
		Timeline: []domain.TimelineEntry{{Status: "confirmed", Description: "Payment captured"}},
	}

	order, err := ApplyCapture(existing, domain.PaymentRecord{GatewayPaymentID: "pay_2"}, patch, now)
	if err != nil {
		t.Fatalf("ApplyCapture: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected statuses %s/%s", order.Status, order.PaymentStatus)
	}
	if len(order.Timeline) != 2 || order.Timeline[0].Description != "Order placed" {
		t.Fatalf("timeline not appended: %#v", order.Timeline)
	}
	if len(existing.Timeline) != 1 {
		t.Fatalf("existing order mutated")
	}
}

func TestApplyCaptureRejectsTerminalPaymentStatus(t *testing.T) {
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	patch := OrderPatch{Order: domain.Order{Status: domain.OrderStatusConfirmed, PaymentStatus: domain.PaymentStatusPaid}}

	for _, current := range []domain.PaymentStatus{domain.PaymentStatusFailed, domain.PaymentStatusRefunded, domain.PaymentStatusPaid} {
		existing := &domain.Order{OrderID: "ord_1", Status: domain.OrderStatusConfirmed, PaymentStatus: current}
		if _, err := ApplyCapture(existing, domain.PaymentRecord{GatewayPaymentID: "pay_2"}, patch, now); !errors.Is(err, ErrPaymentTransition) {
			t.Fatalf("%s→paid: expected ErrPaymentTransition, got %v", current, err)
		}
	}
}

func TestApplyStatusUpdate(t *testing.T) {
	tracking := " AWB123 "
	update := OrderStatusUpdate{
		OrderID:        "ord_1",
		ExpectedStatus: domain.OrderStatusProcessing,
		Status:         domain.OrderStatusShipped,
		TrackingNumber: &tracking,
		Timeline:       domain.TimelineEntry{Status: "shipped", Description: "Order shipped"},
	}

	order, err := ApplyStatusUpdate(domain.Order{Status: domain.OrderStatusProcessing}, update)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.OrderStatusShipped || order.TrackingNumber != "AWB123" || len(order.Timeline) != 1 {
		t.Fatalf("unexpected order %#v", order)
	}

	if _, err := ApplyStatusUpdate(domain.Order{Status: domain.OrderStatusConfirmed}, update); !errors.Is(err, ErrOrderStatusChanged) {
		t.Fatalf("expected ErrOrderStatusChanged, got %v", err)
	}
}

func TestApplyRefundIsIdempotent(t *testing.T) {
	processed := time.Date(2025, 2, 11, 10, 0, 0, 0, time.UTC)
	payment := domain.PaymentRecord{GatewayPaymentID: "pay_1", Status: domain.PaymentRecordCaptured}
	order := domain.Order{OrderID: "ord_1", Status: domain.OrderStatusConfirmed, PaymentStatus: domain.PaymentStatusPaid}
	refund := domain.RefundRecord{RefundID: "rfnd_1", AmountMinorUnits: 4253, ProcessedAt: processed}

	payment, order, changed, err := ApplyRefund(payment, order, refund)
	if err != nil || !changed {
		t.Fatalf("expected refund to apply, changed=%v err=%v", changed, err)
	}
	if payment.Status != domain.PaymentRecordRefunded || order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("unexpected statuses %s/%s", payment.Status, order.PaymentStatus)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("refund must not change fulfilment status, got %s", order.Status)
	}
	if len(order.Timeline) != 1 || order.Timeline[0].Description != "Refund processed" {
		t.Fatalf("unexpected timeline %#v", order.Timeline)
	}

	_, _, changed, err = ApplyRefund(payment, order, refund)
	if err != nil || changed {
		t.Fatalf("expected duplicate refund to be a no-op, changed=%v err=%v", changed, err)
	}

	pending := domain.PaymentRecord{GatewayPaymentID: "pay_2", Status: domain.PaymentRecordFailed}
	if _, _, _, err := ApplyRefund(pending, order, refund); !errors.Is(err, ErrPaymentNotRefundable) {
		t.Fatalf("expected ErrPaymentNotRefundable, got %v", err)
	}
}

func TestApplyRefundRequiresPaidOrder(t *testing.T) {
	payment := domain.PaymentRecord{GatewayPaymentID: "pay_1", Status: domain.PaymentRecordCaptured}
	refund := domain.RefundRecord{RefundID: "rfnd_1", AmountMinorUnits: 100}

	for _, current := range []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusFailed} {
		order := domain.Order{OrderID: "ord_1", PaymentStatus: current}
		if _, _, _, err := ApplyRefund(payment, order, refund); !errors.Is(err, ErrPaymentTransition) {
			t.Fatalf("%s→refunded: expected ErrPaymentTransition, got %v", current, err)
		}
	}

	refunded := domain.Order{OrderID: "ord_1", PaymentStatus: domain.PaymentStatusRefunded}
	partial := domain.PaymentRecord{GatewayPaymentID: "pay_1", Status: domain.PaymentRecordRefunded,
		Refunds: []domain.RefundRecord{{RefundID: "rfnd_0", AmountMinorUnits: 50}}}
	if _, _, changed, err := ApplyRefund(partial, refunded, refund); err != nil || !changed {
		t.Fatalf("expected second partial refund to apply, changed=%v err=%v", changed, err)
	}
}

func TestMergeVerifiedPayment(t *testing.T) {
	snapshot := &domain.OrderDraft{DraftID: "drf_1", OrderID: "ord_1"}
	stored := &domain.PaymentRecord{GatewayPaymentID: "pay_1", OrderID: "ord_1", Status: domain.PaymentRecordVerified, OrderSnapshot: snapshot}

	merged, write := MergeVerifiedPayment(stored, domain.PaymentRecord{GatewayPaymentID: "pay_1", AmountMinorUnits: 4253})
	if !write || merged.Status != domain.PaymentRecordVerified {
		t.Fatalf("expected verified write, got %#v write=%v", merged, write)
	}
	if merged.OrderSnapshot != snapshot || merged.OrderID != "ord_1" {
		t.Fatalf("stored snapshot must survive, got %#v", merged)
	}

	if _, write := MergeVerifiedPayment(&domain.PaymentRecord{Status: domain.PaymentRecordCaptured}, domain.PaymentRecord{GatewayPaymentID: "pay_1"}); write {
		t.Fatal("captured payment must not be downgraded to verified")
	}
}

func TestKeepSettledPayment(t *testing.T) {
	if KeepSettledPayment(nil) {
		t.Fatal("nil payment should not be kept")
	}
	if !KeepSettledPayment(&domain.PaymentRecord{Status: domain.PaymentRecordCaptured}) {
		t.Fatal("captured payment must be kept")
	}
	if !KeepSettledPayment(&domain.PaymentRecord{Status: domain.PaymentRecordVerified}) {
		t.Fatal("verified payment must not be downgraded to failed")
	}
	if KeepSettledPayment(&domain.PaymentRecord{Status: domain.PaymentRecordFailed}) {
		t.Fatal("failed payment may be overwritten")
	}
}
