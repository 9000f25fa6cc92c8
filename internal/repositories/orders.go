package repositories

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/threadcart/api/internal/domain"
)

var (
	// ErrPaymentAlreadyCaptured reports a capture for a payment that is already captured or refunded.
	ErrPaymentAlreadyCaptured = errors.New("payment already captured")
	// ErrOrderAlreadyPaid reports a capture for an order already paid by a different payment.
	ErrOrderAlreadyPaid = errors.New("order already paid by another payment")
	// ErrGatewayOrderTaken reports a gateway order id already bound to a different order.
	ErrGatewayOrderTaken = errors.New("gateway order already bound to another order")
	// ErrOrderStatusChanged reports an optimistic status update that lost a race.
	ErrOrderStatusChanged = errors.New("order status changed concurrently")
	// ErrPaymentNotRefundable reports a refund against a payment that was never captured.
	ErrPaymentNotRefundable = errors.New("payment is not refundable")
	// ErrPaymentTransition reports an order payment status change outside pending→paid→refunded
	// or pending→failed.
	ErrPaymentTransition = errors.New("order payment status transition not allowed")
)

const orderNumberPrefix = "ORD"

// FormatOrderNumber renders the human readable order number, e.g. ORD-2025-000042.
func FormatOrderNumber(year int, sequence int64) string {
	return fmt.Sprintf("%s-%04d-%06d", orderNumberPrefix, year, sequence)
}

// OrderNumberCounterID names the per-year sequence used for order numbers.
func OrderNumberCounterID(year int) string {
	return fmt.Sprintf("orders-%04d", year)
}

// OrderNumberYear picks the year an order number is issued for.
func OrderNumberYear(order domain.Order, fallback time.Time) int {
	if !order.CreatedAt.IsZero() {
		return order.CreatedAt.UTC().Year()
	}
	return fallback.UTC().Year()
}

// NormalizeEmail is the lookup key stored alongside orders for customer listings.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CheckCapture rejects a capture when the stored state already reflects a different capture.
// existingPayment and existingOrder are nil when the records do not exist yet.
func CheckCapture(existingPayment *domain.PaymentRecord, existingOrder *domain.Order, payment domain.PaymentRecord) error {
	if existingPayment != nil && paymentSettled(existingPayment.Status) {
		return ErrPaymentAlreadyCaptured
	}
	if existingOrder != nil {
		paid := existingOrder.PaymentStatus == domain.PaymentStatusPaid || existingOrder.PaymentStatus == domain.PaymentStatusRefunded
		if paid && existingOrder.GatewayPaymentID != "" && existingOrder.GatewayPaymentID != payment.GatewayPaymentID {
			return ErrOrderAlreadyPaid
		}
	}
	return nil
}

// ApplyCapture returns the order to persist for a captured payment. A nil existing order means
// patch.Order is stored as-is; otherwise the payment fields are merged into the stored order.
// Timeline entries are always appended. It fails with ErrPaymentTransition when the stored order
// cannot move to the patched payment status.
func ApplyCapture(existing *domain.Order, payment domain.PaymentRecord, patch OrderPatch, now time.Time) (domain.Order, error) {
	var current domain.PaymentStatus
	if existing != nil {
		current = existing.PaymentStatus
	}
	if !domain.CanTransitionPayment(current, patch.Order.PaymentStatus) {
		if current == "" {
			current = domain.PaymentStatusPending
		}
		return domain.Order{}, fmt.Errorf("%w: %s to %s", ErrPaymentTransition, current, patch.Order.PaymentStatus)
	}

	var order domain.Order
	if existing == nil {
		order = patch.Order
		order.Timeline = append([]domain.TimelineEntry(nil), patch.Order.Timeline...)
		if order.CreatedAt.IsZero() {
			order.CreatedAt = now
		}
	} else {
		order = *existing
		order.Timeline = append([]domain.TimelineEntry(nil), existing.Timeline...)
		order.PaymentStatus = patch.Order.PaymentStatus
		if order.Status == domain.OrderStatusPending && patch.Order.Status != "" {
			order.Status = patch.Order.Status
		}
		if patch.Order.PaymentMethod != "" {
			order.PaymentMethod = patch.Order.PaymentMethod
		}
	}
	order.GatewayPaymentID = payment.GatewayPaymentID
	if order.GatewayOrderID == "" {
		order.GatewayOrderID = payment.GatewayOrderID
	}
	if order.Gateway == "" {
		order.Gateway = payment.Gateway
	}
	order.Timeline = append(order.Timeline, patch.Timeline...)
	order.UpdatedAt = now
	return order, nil
}

// ApplyStatusUpdate moves the order to update.Status, failing with ErrOrderStatusChanged when the
// stored status is not the expected one.
func ApplyStatusUpdate(order domain.Order, update OrderStatusUpdate) (domain.Order, error) {
	if order.Status != update.ExpectedStatus {
		return domain.Order{}, fmt.Errorf("%w: expected %s, found %s", ErrOrderStatusChanged, update.ExpectedStatus, order.Status)
	}
	order.Status = update.Status
	if update.TrackingNumber != nil {
		order.TrackingNumber = strings.TrimSpace(*update.TrackingNumber)
	}
	order.Timeline = append(append([]domain.TimelineEntry(nil), order.Timeline...), update.Timeline)
	order.UpdatedAt = update.UpdatedAt
	return order, nil
}

// ApplyRefund records refund on both the payment and its order. It reports false when the
// refund id was already applied, in which case nothing should be written.
func ApplyRefund(payment domain.PaymentRecord, order domain.Order, refund domain.RefundRecord) (domain.PaymentRecord, domain.Order, bool, error) {
	if !paymentSettled(payment.Status) {
		return payment, order, false, fmt.Errorf("%w: payment %s is %s", ErrPaymentNotRefundable, payment.GatewayPaymentID, payment.Status)
	}
	for _, existing := range payment.Refunds {
		if existing.RefundID == refund.RefundID {
			return payment, order, false, nil
		}
	}
	// further partial refunds keep an already refunded order refunded
	if order.PaymentStatus != domain.PaymentStatusRefunded && !domain.CanTransitionPayment(order.PaymentStatus, domain.PaymentStatusRefunded) {
		return payment, order, false, fmt.Errorf("%w: order %s is %s", ErrPaymentTransition, order.OrderID, order.PaymentStatus)
	}

	payment.Refunds = append(append([]domain.RefundRecord(nil), payment.Refunds...), refund)
	payment.Status = domain.PaymentRecordRefunded
	payment.UpdatedAt = refund.ProcessedAt

	order.Refunds = append(append([]domain.RefundRecord(nil), order.Refunds...), refund)
	order.PaymentStatus = domain.PaymentStatusRefunded
	order.Timeline = append(append([]domain.TimelineEntry(nil), order.Timeline...), domain.TimelineEntry{
		Status:      string(domain.PaymentStatusRefunded),
		Description: "Refund processed",
		Timestamp:   refund.ProcessedAt,
	})
	order.UpdatedAt = refund.ProcessedAt
	return payment, order, true, nil
}

// MergeVerifiedPayment returns the verified record to store for payment. It reports false when the
// stored payment is already captured or refunded. A stored order snapshot survives a write
// that carries none.
func MergeVerifiedPayment(existing *domain.PaymentRecord, payment domain.PaymentRecord) (domain.PaymentRecord, bool) {
	if existing != nil && paymentSettled(existing.Status) {
		return payment, false
	}
	payment.Status = domain.PaymentRecordVerified
	payment.FailureReason = ""
	if existing != nil && payment.OrderSnapshot == nil && existing.OrderSnapshot != nil {
		payment.OrderSnapshot = existing.OrderSnapshot
		if payment.OrderID == "" {
			payment.OrderID = existing.OrderID
		}
	}
	return payment, true
}

// KeepSettledPayment reports whether a failure write must be skipped because the gateway already
// confirmed the stored payment: it is verified, captured or refunded.
func KeepSettledPayment(existing *domain.PaymentRecord) bool {
	return existing != nil && (paymentSettled(existing.Status) || existing.Status == domain.PaymentRecordVerified)
}

func paymentSettled(status domain.PaymentRecordStatus) bool {
	return status == domain.PaymentRecordCaptured || status == domain.PaymentRecordRefunded
}
