package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is created or authorized but not captured.
	StatusPending Status = "pending"
	// StatusCaptured indicates the gateway reports the funds as captured.
	StatusCaptured Status = "captured"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable marks transport, timeout, 5xx and authentication failures.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected marks requests the gateway refused for reasons a retry cannot fix.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrInvalidResponse indicates the gateway answered with a payload we cannot interpret.
	ErrInvalidResponse = errors.New("payments: invalid gateway response")
	// ErrWebhookSignature indicates a webhook body failed signature verification.
	ErrWebhookSignature = errors.New("payments: webhook signature invalid")
	// ErrWebhookPayload indicates a webhook body could not be parsed.
	ErrWebhookPayload = errors.New("payments: webhook payload invalid")
)

// CreateOrderRequest captures the payload required to register a gateway order.
type CreateOrderRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// OrderDetails is the gateway-confirmed view of a created order.
type OrderDetails struct {
	ID       string
	Provider string
	Amount   int64
	Currency string
	Receipt  string
	// ClientSecret is set by gateways whose client widget needs a per-order secret.
	ClientSecret string
	CreatedAt    time.Time
	Raw          map[string]any
}

// PaymentDetails normalises gateway specific payment fields.
type PaymentDetails struct {
	Provider      string
	PaymentID     string
	OrderID       string
	Status        Status
	Amount        int64
	Currency      string
	Method        string
	FailureReason string
	CapturedAt    *time.Time
	Raw           map[string]any
}

// WebhookEventType is the normalised kind of a gateway webhook.
type WebhookEventType string

const (
	WebhookPaymentCaptured WebhookEventType = "payment.captured"
	WebhookPaymentFailed   WebhookEventType = "payment.failed"
	WebhookRefundProcessed WebhookEventType = "refund.processed"
	WebhookIgnored         WebhookEventType = "ignored"
)

// WebhookEvent is a verified, normalised webhook delivery.
type WebhookEvent struct {
	ID            string
	Provider      string
	Type          WebhookEventType
	RawType       string
	PaymentID     string
	OrderID       string
	Amount        int64
	Currency      string
	Method        string
	FailureReason string
	RefundID      string
	RefundAmount  int64
	OccurredAt    time.Time
}

// Provider defines the contract for gateway adapters to implement.
type Provider interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderDetails, error)
	FetchPayment(ctx context.Context, paymentID string) (PaymentDetails, error)
	// VerifyPaymentSignature authenticates a client-side payment callback.
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
	// SupportsCallbackVerification reports whether client callbacks carry a verifiable signature.
	SupportsCallbackVerification() bool
	// ParseWebhook verifies the webhook-level signature and normalises the event.
	ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error)
	// PublicKey is the identifier handed to client checkout widgets.
	PublicKey() string
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseProviderKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		registered[key] = v
	}
	m := &Manager{providers: registered}
	if _, ok := registered[ProviderRazorpay]; ok {
		m.defaultProvider = ProviderRazorpay
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Resolve returns the provider key and adapter for the supplied hints.
func (m *Manager) Resolve(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := normaliseProviderKey(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normaliseProviderKey(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normaliseProviderKey(m.defaultProvider); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Provider returns the adapter registered under name.
func (m *Manager) Provider(name string) (Provider, error) {
	_, p, err := m.Resolve(PaymentContext{PreferredProvider: name})
	return p, err
}

// CreateOrder delegates to the resolved provider and stamps the provider key.
func (m *Manager) CreateOrder(ctx context.Context, paymentCtx PaymentContext, req CreateOrderRequest) (OrderDetails, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return OrderDetails{}, err
	}
	order, err := provider.CreateOrder(ctx, req)
	if err != nil {
		return OrderDetails{}, err
	}
	order.Provider = key
	return order, nil
}

// FetchPayment delegates to the resolved provider.
func (m *Manager) FetchPayment(ctx context.Context, paymentCtx PaymentContext, paymentID string) (PaymentDetails, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	payment, err := provider.FetchPayment(ctx, paymentID)
	if err != nil {
		return PaymentDetails{}, err
	}
	payment.Provider = key
	return payment, nil
}

func normaliseProviderKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// runWithContext bounds SDK calls that do not accept a context.
func runWithContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := call()
		done <- result{value: value, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
	case res := <-done:
		return res.value, res.err
	}
}
