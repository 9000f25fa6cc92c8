package repositories

import (
	"context"
	"time"

	domain "github.com/threadcart/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderStore persists payment records and orders. UpsertPaymentAndOrder is the single
// atomic write that turns a captured payment into a confirmed order; a conflict from it
// means another caller already captured the same payment. RecordVerifiedPayment keeps a
// gateway-confirmed payment that has no order yet; it never overwrites a settled payment.
type OrderStore interface {
	FindPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (domain.PaymentRecord, error)
	UpsertPaymentAndOrder(ctx context.Context, payment domain.PaymentRecord, patch OrderPatch) (domain.Order, error)
	FindOrder(ctx context.Context, orderID string) (domain.Order, error)
	RecordPaymentFailure(ctx context.Context, payment domain.PaymentRecord) error
	RecordVerifiedPayment(ctx context.Context, payment domain.PaymentRecord) error
	FindOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	UpdateOrderStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
	ApplyRefund(ctx context.Context, gatewayPaymentID string, refund domain.RefundRecord) (domain.Order, error)
}

// OrderPatch carries the order snapshot written together with a captured payment.
// When the order does not exist yet Order is stored as-is and the store assigns the
// order number. Timeline entries are appended to whatever the stored order holds.
type OrderPatch struct {
	Order    domain.Order
	Timeline []domain.TimelineEntry
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	CustomerEmail string
	Status        *domain.OrderStatus
	Pagination    domain.Pagination
}

// OrderStatusUpdate moves an order to a new fulfilment status. ExpectedStatus guards
// against concurrent updates: the store reports a conflict when the persisted status differs.
type OrderStatusUpdate struct {
	OrderID        string
	ExpectedStatus domain.OrderStatus
	Status         domain.OrderStatus
	TrackingNumber *string
	Timeline       domain.TimelineEntry
	UpdatedAt      time.Time
}

// DraftRepository stores checkout drafts until they reconcile or expire.
type DraftRepository interface {
	Save(ctx context.Context, draft domain.OrderDraft) error
	Get(ctx context.Context, draftID string) (domain.OrderDraft, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.OrderDraft, error)
	Delete(ctx context.Context, draftID string) error
}

// HealthRepository exposes dependency health checks for readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
