package domain

import (
	"math"
	"time"
)

// OrderStatus enumerates the fulfilment lifecycle of a persisted order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// PaymentStatus tracks the financial state of an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentRecordStatus describes the lifecycle of a single gateway payment.
type PaymentRecordStatus string

const (
	PaymentRecordPending  PaymentRecordStatus = "pending"
	PaymentRecordVerified PaymentRecordStatus = "verified"
	PaymentRecordCaptured PaymentRecordStatus = "captured"
	PaymentRecordFailed   PaymentRecordStatus = "failed"
	PaymentRecordRefunded PaymentRecordStatus = "refunded"
)

// Failure reasons persisted on payment records.
const (
	FailureReasonInvalidSignature = "INVALID_SIGNATURE"
	FailureReasonAmountMismatch   = "AMOUNT_MISMATCH"
	FailureReasonOrderMismatch    = "ORDER_MISMATCH"
	FailureReasonNotCaptured      = "NOT_CAPTURED"
)

// LineItemAttributes carries opaque presentation attributes of a line item.
type LineItemAttributes struct {
	Size     string
	Color    string
	Image    string
	Category string
}

// LineItem is a single cart entry. Prices are integer minor currency units.
type LineItem struct {
	ProductID  string
	Name       string
	UnitPrice  int64
	Quantity   int64
	Attributes LineItemAttributes
}

// LineTotal returns unit price multiplied by quantity.
func (i LineItem) LineTotal() int64 {
	return i.UnitPrice * i.Quantity
}

// CheckedLineTotal is LineTotal for non-negative prices and positive quantities. It reports
// false when the product does not fit in int64.
func (i LineItem) CheckedLineTotal() (int64, bool) {
	if i.Quantity <= 0 || i.UnitPrice < 0 {
		return 0, false
	}
	if i.UnitPrice > math.MaxInt64/i.Quantity {
		return 0, false
	}
	return i.UnitPrice * i.Quantity, true
}

// AddMinorUnits adds two non-negative amounts, reporting false on int64 overflow.
func AddMinorUnits(a, b int64) (int64, bool) {
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// TaxComponent is the tax computed for one rate tier.
type TaxComponent struct {
	Tier         string
	RateBps      int64
	TaxableValue string
	TaxAmount    int64
}

// TaxBreakdown is the derived tax snapshot for a cart.
// TaxRateBps is zero when more than one rate applies; Components then carry the detail.
type TaxBreakdown struct {
	TaxableValue int64
	TaxRateBps   int64
	TaxAmount    int64
	Components   []TaxComponent
}

// Financials captures the totals computed at draft creation.
type Financials struct {
	Subtotal       int64
	DeliveryCharge int64
	Tax            TaxBreakdown
	GrandTotal     int64
	Currency       string
}

// Customer identifies the purchaser.
type Customer struct {
	UserID string
	Name   string
	Email  string
	Phone  string
}

// Address is a shipping destination.
type Address struct {
	Name     string
	Line1    string
	Line2    string
	City     string
	State    string
	Pincode  string
	Country  string
	Landmark string
	Phone    string
}

// OrderDraft is the ephemeral checkout state created before payment.
type OrderDraft struct {
	DraftID         string
	OrderID         string
	Items           []LineItem
	Financials      Financials
	Customer        Customer
	ShippingAddress Address
	Gateway         string
	GatewayOrderID  string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// GatewayOrder is the payment intent registered with the external gateway.
type GatewayOrder struct {
	GatewayOrderID   string
	Gateway          string
	AmountMinorUnits int64
	Currency         string
	DraftID          string
	Receipt          string
	// ClientSecret is handed to client widgets of gateways that need one.
	ClientSecret string
	CreatedAt    time.Time
}

// RefundRecord tracks a refund reported by the gateway.
type RefundRecord struct {
	RefundID         string
	AmountMinorUnits int64
	Status           string
	ProcessedAt      time.Time
}

// PaymentRecord is the local record of a gateway payment, unique per GatewayPaymentID.
type PaymentRecord struct {
	GatewayPaymentID string
	GatewayOrderID   string
	Gateway          string
	OrderID          string
	Signature        string
	Status           PaymentRecordStatus
	FailureReason    string
	AmountMinorUnits int64
	Currency         string
	Method           string
	CapturedAt       *time.Time
	UpdatedAt        time.Time
	Refunds          []RefundRecord
	// OrderSnapshot is the checkout draft a verified payment settles. It outlives the draft so
	// reconciliation can resume from the payment id alone; nil once captured and for orphan captures.
	OrderSnapshot *OrderDraft
}

// TimelineEntry is one append-only audit entry on an order.
type TimelineEntry struct {
	Status      string
	Description string
	Timestamp   time.Time
}

// Order is the persisted result of a reconciled payment.
type Order struct {
	OrderID          string
	OrderNumber      string
	GatewayOrderID   string
	GatewayPaymentID string
	Gateway          string
	Financials       Financials
	Items            []LineItem
	ShippingAddress  Address
	Customer         Customer
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentMethod    string
	TrackingNumber   string
	Timeline         []TimelineEntry
	Refunds          []RefundRecord
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but the service keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Pagination carries cursor-based list parameters.
type Pagination struct {
	PageSize  int
	PageToken string
}
