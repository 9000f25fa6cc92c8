package services

import (
	"context"
	"net/http"
	"time"

	domain "github.com/threadcart/api/internal/domain"
)

type (
	Order         = domain.Order
	OrderDraft    = domain.OrderDraft
	PaymentRecord = domain.PaymentRecord
	Financials    = domain.Financials
	LineItem      = domain.LineItem
	Customer      = domain.Customer
	Address       = domain.Address
	GatewayOrder  = domain.GatewayOrder
)

// GatewayOrderService registers payment intents with the configured gateways.
type GatewayOrderService interface {
	CreateGatewayOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error)
}

// ReconciliationEngine turns a gateway-confirmed payment into exactly one confirmed order.
type ReconciliationEngine interface {
	Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconciliationResult, error)
}

// CheckoutService drives the storefront checkout: totals, draft creation and payment verification.
type CheckoutService interface {
	Calculate(ctx context.Context, cmd CalculateCommand) (Financials, error)
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CheckoutOrder, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (ReconciliationResult, error)
}

// WebhookService verifies and dispatches gateway webhook deliveries.
type WebhookService interface {
	HandleGatewayWebhook(ctx context.Context, cmd GatewayWebhookCommand) (WebhookOutcome, error)
}

// OrderService exposes admin order reads and mutations.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	ApplyRefund(ctx context.Context, cmd ApplyRefundCommand) (Order, error)
}

// SystemService provides health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// AnomalyReporter hands reconciliation anomalies to manual review.
type AnomalyReporter interface {
	ReportAnomaly(ctx context.Context, anomaly Anomaly) error
}

// OrderEventPublisher emits order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

type SystemHealthReport = domain.SystemHealthReport

// GatewayOrderRequest describes the payment intent to open with a gateway.
// IdempotencyKey is the draft id; Gateway is optional and falls back to currency routing.
type GatewayOrderRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
	Gateway        string
}

// ReconcileSource identifies which channel delivered the payment identifiers.
type ReconcileSource string

const (
	// ReconcileSourceCallback is the client-side completion callback; it carries a signature.
	ReconcileSourceCallback ReconcileSource = "callback"
	// ReconcileSourceWebhook is a gateway webhook already authenticated at the body level.
	ReconcileSourceWebhook ReconcileSource = "webhook"
)

// ReconcileCommand carries the identifiers of a completed payment and the draft it settles.
type ReconcileCommand struct {
	GatewayPaymentID string
	GatewayOrderID   string
	Signature        string
	Draft            OrderDraft
	Source           ReconcileSource
}

// ReconciliationState is the terminal state of one reconcile attempt.
type ReconciliationState string

const (
	ReconciliationReconciled            ReconciliationState = "reconciled"
	ReconciliationSignatureRejected     ReconciliationState = "signature_rejected"
	ReconciliationGatewayStatusMismatch ReconciliationState = "gateway_status_mismatch"
	ReconciliationPaymentFailed         ReconciliationState = "payment_failed"
	ReconciliationOrphaned              ReconciliationState = "orphaned"
)

// ReconciliationResult reports what a reconcile attempt did. Order is set only when reconciled.
type ReconciliationResult struct {
	State    ReconciliationState
	Order    *Order
	Payment  PaymentRecord
	Replayed bool
	Reason   string
}

// CalculateCommand asks for the financial breakdown of a cart.
type CalculateCommand struct {
	Items          []LineItem
	DeliveryCharge int64
}

// CreateOrderCommand opens a checkout draft and its gateway order.
type CreateOrderCommand struct {
	Items           []LineItem
	DeliveryCharge  int64
	Customer        Customer
	ShippingAddress Address
	Gateway         string
}

// CheckoutOrder is what the client needs to launch the gateway widget.
type CheckoutOrder struct {
	DraftID        string
	OrderID        string
	GatewayOrderID string
	Gateway        string
	Amount         int64
	Currency       string
	KeyID          string
	ClientSecret   string
	Financials     Financials
	ExpiresAt      time.Time
}

// VerifyPaymentCommand is the client callback after the gateway widget completes.
type VerifyPaymentCommand struct {
	GatewayPaymentID string
	GatewayOrderID   string
	Signature        string
	DraftID          string
}

// GatewayWebhookCommand is a raw webhook delivery.
type GatewayWebhookCommand struct {
	Provider string
	Payload  []byte
	Header   http.Header
}

// WebhookAction describes how a webhook delivery was handled.
type WebhookAction string

const (
	WebhookActionReconciled    WebhookAction = "reconciled"
	WebhookActionReplayed      WebhookAction = "replayed"
	WebhookActionRejected      WebhookAction = "rejected"
	WebhookActionFailureRecord WebhookAction = "failure_recorded"
	WebhookActionRefundApplied WebhookAction = "refund_applied"
	WebhookActionOrphaned      WebhookAction = "orphan_recorded"
	WebhookActionIgnored       WebhookAction = "ignored"
)

// WebhookOutcome is returned for acknowledged deliveries.
type WebhookOutcome struct {
	EventID   string
	EventType string
	Action    WebhookAction
	OrderID   string
	Reason    string
}

// OrderListFilter narrows admin listings.
type OrderListFilter struct {
	CustomerEmail string
	Status        string
	Pagination    domain.Pagination
}

// UpdateOrderStatusCommand moves an order along its fulfilment lifecycle.
type UpdateOrderStatusCommand struct {
	OrderID        string
	Status         string
	TrackingNumber *string
	Note           string
	ActorID        string
}

// ApplyRefundCommand records a refund reported by the gateway.
type ApplyRefundCommand struct {
	GatewayPaymentID string
	RefundID         string
	Amount           int64
	ProcessedAt      time.Time
}

// Anomaly kinds published for manual review.
const (
	AnomalyAmountMismatch   = "amount_mismatch"
	AnomalyDuplicatePayment = "duplicate_payment"
	AnomalyOrphanCapture    = "orphan_capture"
)

// Anomaly describes a payment that needs manual review.
type Anomaly struct {
	Kind             string
	OrderID          string
	DraftID          string
	GatewayPaymentID string
	GatewayOrderID   string
	Gateway          string
	Expected         int64
	Actual           int64
	Currency         string
	ActualCurrency   string
	Reason           string
	DetectedAt       time.Time
}

// Order event types.
const (
	OrderEventConfirmed     = "order.confirmed"
	OrderEventStatusChanged = "order.status_changed"
	OrderEventRefunded      = "order.refunded"
)

// OrderEvent is a lifecycle notification for a persisted order.
type OrderEvent struct {
	Type             string
	OrderID          string
	OrderNumber      string
	Status           string
	PaymentStatus    string
	GatewayPaymentID string
	Amount           int64
	Currency         string
	RefundID         string
	OccurredAt       time.Time
}
