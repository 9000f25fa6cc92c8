package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	// ProviderStripe is the registry key of the Stripe adapter.
	ProviderStripe = "stripe"

	stripeSignatureHeader = "Stripe-Signature"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeChargeAPI interface {
	Get(id string, params *stripe.ChargeParams) (*stripe.Charge, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	charges stripeChargeAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        ProviderLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements Provider with PaymentIntents as gateway orders and
// Charges as gateway payments.
type StripeProvider struct {
	api           stripeClients
	account       string
	webhookSecret string
	clock         func() time.Time
	logger        ProviderLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			charges: sc.Charges,
		}
	}
	if clients.intents == nil || clients.charges == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: cfg.WebhookSecret,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// PublicKey is empty: Stripe.js is initialised with a publishable key held by the client.
func (p *StripeProvider) PublicKey() string {
	return ""
}

// SupportsCallbackVerification is false; Stripe payments reconcile through signed webhooks.
func (p *StripeProvider) SupportsCallbackVerification() bool { return false }

// VerifyPaymentSignature always rejects; Stripe has no client callback signature.
func (p *StripeProvider) VerifyPaymentSignature(string, string, string) bool {
	return false
}

// CreateOrder creates a PaymentIntent using the idempotency key as the Stripe Idempotency-Key.
func (p *StripeProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderDetails, error) {
	if p == nil {
		return OrderDetails{}, errors.New("stripe: provider is nil")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return OrderDetails{}, errors.New("stripe: idempotency key is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(key)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.Metadata = map[string]string{"idempotencyKey": key}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.intent.failed", map[string]any{
			"idempotencyKey": key,
			"error":          err.Error(),
		})
		return OrderDetails{}, classifyStripeError("create payment intent", err)
	}

	createdAt := p.clock()
	if intent.Created > 0 {
		createdAt = time.Unix(intent.Created, 0).UTC()
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return OrderDetails{
		ID:           intent.ID,
		Provider:     ProviderStripe,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Receipt:      key,
		ClientSecret: intent.ClientSecret,
		CreatedAt:    createdAt,
		Raw:          toRaw(intent),
	}, nil
}

// FetchPayment retrieves a Charge by id.
func (p *StripeProvider) FetchPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("stripe: payment id is required")
	}
	params := &stripe.ChargeParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	charge, err := p.api.charges.Get(paymentID, params)
	if err != nil {
		return PaymentDetails{}, classifyStripeError("get charge", err)
	}
	return stripeChargeDetails(charge), nil
}

// ParseWebhook verifies Stripe-Signature and normalises charge events.
func (p *StripeProvider) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrWebhookSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, header.Get(stripeSignatureHeader), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	event := WebhookEvent{
		ID:         evt.ID,
		Provider:   ProviderStripe,
		RawType:    string(evt.Type),
		OccurredAt: p.clock(),
	}
	if evt.Created > 0 {
		event.OccurredAt = time.Unix(evt.Created, 0).UTC()
	}

	switch evt.Type {
	case "charge.succeeded":
		event.Type = WebhookPaymentCaptured
	case "charge.failed":
		event.Type = WebhookPaymentFailed
	case "charge.refunded":
		event.Type = WebhookRefundProcessed
	default:
		event.Type = WebhookIgnored
		return event, nil
	}

	if evt.Data == nil {
		return WebhookEvent{}, fmt.Errorf("%w: event data missing", ErrWebhookPayload)
	}
	var charge stripe.Charge
	if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	details := stripeChargeDetails(&charge)
	event.PaymentID = details.PaymentID
	event.OrderID = details.OrderID
	event.Amount = details.Amount
	event.Currency = details.Currency
	event.Method = details.Method
	event.FailureReason = details.FailureReason

	if event.Type == WebhookRefundProcessed {
		event.RefundAmount = charge.AmountRefunded
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 && charge.Refunds.Data[0] != nil {
			event.RefundID = charge.Refunds.Data[0].ID
		} else {
			event.RefundID = fmt.Sprintf("%s:%d", charge.ID, charge.AmountRefunded)
		}
	}

	if event.PaymentID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: charge id missing", ErrWebhookPayload)
	}
	return event, nil
}

func stripeChargeDetails(charge *stripe.Charge) PaymentDetails {
	if charge == nil {
		return PaymentDetails{}
	}

	details := PaymentDetails{
		Provider:      ProviderStripe,
		PaymentID:     charge.ID,
		Amount:        charge.Amount,
		Currency:      strings.ToUpper(string(charge.Currency)),
		FailureReason: charge.FailureMessage,
		Raw:           toRaw(charge),
	}
	if charge.PaymentIntent != nil {
		details.OrderID = charge.PaymentIntent.ID
	}
	if charge.PaymentMethodDetails != nil {
		details.Method = string(charge.PaymentMethodDetails.Type)
	}

	switch {
	case charge.Refunded:
		details.Status = StatusRefunded
	case charge.Status == stripe.ChargeStatusSucceeded && charge.Captured:
		details.Status = StatusCaptured
		captured := time.Unix(charge.Created, 0).UTC()
		details.CapturedAt = &captured
	case charge.Status == stripe.ChargeStatusFailed:
		details.Status = StatusFailed
		if details.FailureReason == "" {
			details.FailureReason = charge.FailureCode
		}
	default:
		details.Status = StatusPending
	}
	return details
}

// classifyStripeError separates retryable outages from permanent rejections.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized,
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnavailable, op, err)
		case stripeErr.HTTPStatusCode >= http.StatusBadRequest:
			return fmt.Errorf("%w: stripe %s: %v", ErrGatewayRejected, op, err)
		}
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnavailable, op, err)
}

func toRaw(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}
