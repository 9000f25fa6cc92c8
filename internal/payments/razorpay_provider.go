package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

const (
	// ProviderRazorpay is the registry key of the Razorpay adapter.
	ProviderRazorpay = "razorpay"

	razorpaySignatureHeader = "X-Razorpay-Signature"
	razorpayEventIDHeader   = "X-Razorpay-Event-Id"
	razorpayMaxNotes        = 15
)

// ProviderLogger defines the logging contract for gateway adapters.
type ProviderLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayClients struct {
	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Logger        ProviderLogger
	Clock         func() time.Time
	Clients       *razorpayClients
}

// RazorpayProvider implements Provider using the Razorpay Orders and Payments APIs.
type RazorpayProvider struct {
	api           razorpayClients
	keyID         string
	verifier      *SignatureVerifier
	webhookSecret string
	clock         func() time.Time
	logger        ProviderLogger
}

// NewRazorpayProvider constructs the adapter. The key secret doubles as the payment
// signature secret, so it is mandatory.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, errors.New("razorpay: key id is required")
	}
	verifier, err := NewSignatureVerifier(cfg.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("razorpay: %w", err)
	}

	var clients razorpayClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		rc := razorpay.NewClient(keyID, cfg.KeySecret)
		clients = razorpayClients{
			orders:   rc.Order,
			payments: rc.Payment,
		}
	}
	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("razorpay: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		api:           clients,
		keyID:         keyID,
		verifier:      verifier,
		webhookSecret: cfg.WebhookSecret,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// PublicKey returns the key id used by the client checkout widget.
func (p *RazorpayProvider) PublicKey() string {
	return p.keyID
}

// CreateOrder registers an order with auto-capture. The idempotency key is sent as the receipt.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderDetails, error) {
	if p == nil {
		return OrderDetails{}, errors.New("razorpay: provider is nil")
	}
	receipt := strings.TrimSpace(req.IdempotencyKey)
	if receipt == "" {
		return OrderDetails{}, errors.New("razorpay: idempotency key is required")
	}

	notes := make(map[string]interface{}, len(req.Metadata)+1)
	notes["idempotencyKey"] = receipt
	for k, v := range req.Metadata {
		if len(notes) >= razorpayMaxNotes {
			break
		}
		notes[k] = v
	}

	data := map[string]interface{}{
		"amount":          req.Amount,
		"currency":        strings.ToUpper(req.Currency),
		"receipt":         receipt,
		"notes":           notes,
		"payment_capture": 1,
	}

	body, err := runWithContext(ctx, func() (map[string]interface{}, error) {
		return p.api.orders.Create(data, nil)
	})
	if err != nil {
		p.logger(ctx, "payments.razorpay.order.failed", map[string]any{
			"receipt": receipt,
			"error":   err.Error(),
		})
		if errors.Is(err, ErrGatewayUnavailable) {
			return OrderDetails{}, err
		}
		return OrderDetails{}, fmt.Errorf("%w: razorpay create order: %v", ErrGatewayUnavailable, err)
	}

	id := stringValue(body["id"])
	amount, ok := int64Value(body["amount"])
	if id == "" || !ok {
		return OrderDetails{}, fmt.Errorf("%w: razorpay order missing id or amount", ErrInvalidResponse)
	}

	order := OrderDetails{
		ID:        id,
		Provider:  ProviderRazorpay,
		Amount:    amount,
		Currency:  strings.ToUpper(stringValue(body["currency"])),
		Receipt:   stringValue(body["receipt"]),
		CreatedAt: unixTime(body["created_at"], p.clock),
		Raw:       body,
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"orderId":  order.ID,
		"amount":   order.Amount,
		"currency": order.Currency,
		"receipt":  order.Receipt,
	})
	return order, nil
}

// FetchPayment loads the authoritative payment record.
func (p *RazorpayProvider) FetchPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: payment id is required")
	}

	body, err := runWithContext(ctx, func() (map[string]interface{}, error) {
		return p.api.payments.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			return PaymentDetails{}, err
		}
		return PaymentDetails{}, fmt.Errorf("%w: razorpay fetch payment: %v", ErrGatewayUnavailable, err)
	}
	if stringValue(body["id"]) == "" {
		return PaymentDetails{}, fmt.Errorf("%w: razorpay payment missing id", ErrInvalidResponse)
	}
	return razorpayPaymentDetails(body, p.clock), nil
}

// VerifyPaymentSignature checks razorpay_signature against order_id|payment_id.
func (p *RazorpayProvider) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if p == nil {
		return false
	}
	return p.verifier.Verify(orderID, paymentID, signature)
}

type razorpayWebhook struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity map[string]any `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity map[string]any `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// SupportsCallbackVerification is true: checkout handlers post razorpay_signature back.
func (p *RazorpayProvider) SupportsCallbackVerification() bool { return true }

// ParseWebhook verifies X-Razorpay-Signature over the raw body and normalises the event.
func (p *RazorpayProvider) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("razorpay: provider is nil")
	}
	if p.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrWebhookSignature)
	}
	if !VerifyPayload(payload, header.Get(razorpaySignatureHeader), p.webhookSecret) {
		return WebhookEvent{}, ErrWebhookSignature
	}

	var envelope razorpayWebhook
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}

	event := WebhookEvent{
		ID:         strings.TrimSpace(header.Get(razorpayEventIDHeader)),
		Provider:   ProviderRazorpay,
		RawType:    envelope.Event,
		OccurredAt: p.clock(),
	}
	if envelope.CreatedAt > 0 {
		event.OccurredAt = time.Unix(envelope.CreatedAt, 0).UTC()
	}

	if envelope.Payload.Payment != nil {
		details := razorpayPaymentDetails(envelope.Payload.Payment.Entity, p.clock)
		event.PaymentID = details.PaymentID
		event.OrderID = details.OrderID
		event.Amount = details.Amount
		event.Currency = details.Currency
		event.Method = details.Method
		event.FailureReason = details.FailureReason
	}

	switch envelope.Event {
	case "payment.captured", "order.paid":
		event.Type = WebhookPaymentCaptured
	case "payment.failed":
		event.Type = WebhookPaymentFailed
	case "refund.processed":
		event.Type = WebhookRefundProcessed
		if envelope.Payload.Refund == nil {
			return WebhookEvent{}, fmt.Errorf("%w: refund entity missing", ErrWebhookPayload)
		}
		refund := envelope.Payload.Refund.Entity
		event.RefundID = stringValue(refund["id"])
		event.RefundAmount, _ = int64Value(refund["amount"])
		if event.PaymentID == "" {
			event.PaymentID = stringValue(refund["payment_id"])
		}
	default:
		event.Type = WebhookIgnored
		return event, nil
	}

	if event.PaymentID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: payment id missing", ErrWebhookPayload)
	}
	return event, nil
}

func razorpayPaymentDetails(entity map[string]any, clock func() time.Time) PaymentDetails {
	details := PaymentDetails{
		Provider:  ProviderRazorpay,
		PaymentID: stringValue(entity["id"]),
		OrderID:   stringValue(entity["order_id"]),
		Currency:  strings.ToUpper(stringValue(entity["currency"])),
		Method:    stringValue(entity["method"]),
		Raw:       entity,
	}
	details.Amount, _ = int64Value(entity["amount"])

	switch strings.ToLower(stringValue(entity["status"])) {
	case "captured":
		details.Status = StatusCaptured
		captured := unixTime(entity["created_at"], clock)
		details.CapturedAt = &captured
	case "failed":
		details.Status = StatusFailed
	case "refunded":
		details.Status = StatusRefunded
	default:
		details.Status = StatusPending
	}

	details.FailureReason = stringValue(entity["error_description"])
	if details.FailureReason == "" && details.Status == StatusFailed {
		details.FailureReason = stringValue(entity["error_code"])
	}
	return details
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func int64Value(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		if value != math.Trunc(value) {
			return 0, false
		}
		return int64(value), true
	case int:
		return int64(value), true
	case int64:
		return value, true
	case json.Number:
		n, err := value.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func unixTime(v any, clock func() time.Time) time.Time {
	if seconds, ok := int64Value(v); ok && seconds > 0 {
		return time.Unix(seconds, 0).UTC()
	}
	return clock()
}
