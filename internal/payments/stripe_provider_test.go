package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubStripeIntents struct {
	newFunc func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s *stubStripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.newFunc(params)
}

type stubStripeCharges struct {
	getFunc func(id string, params *stripe.ChargeParams) (*stripe.Charge, error)
}

func (s *stubStripeCharges) Get(id string, params *stripe.ChargeParams) (*stripe.Charge, error) {
	return s.getFunc(id, params)
}

func newTestStripeProvider(t *testing.T, intents stripePaymentIntentAPI, charges stripeChargeAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: "whsec_test",
		Clients:       &stripeClients{intents: intents, charges: charges},
	})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestStripeProviderCreateOrderUsesIdempotencyKey(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	intents := &stubStripeIntents{newFunc: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		captured = params
		return &stripe.PaymentIntent{
			ID:           "pi_123",
			Amount:       *params.Amount,
			Currency:     stripe.Currency(*params.Currency),
			ClientSecret: "pi_123_secret",
			Created:      1739178000,
		}, nil
	}}
	provider := newTestStripeProvider(t, intents, &stubStripeCharges{})

	order, err := provider.CreateOrder(context.Background(), CreateOrderRequest{
		Amount:         5640,
		Currency:       "INR",
		IdempotencyKey: "dft_9",
		Metadata:       map[string]string{"orderId": "ord_9"},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if captured.IdempotencyKey == nil || *captured.IdempotencyKey != "dft_9" {
		t.Fatalf("expected idempotency key dft_9, got %v", captured.IdempotencyKey)
	}
	if captured.Metadata["orderId"] != "ord_9" || captured.Metadata["idempotencyKey"] != "dft_9" {
		t.Fatalf("unexpected metadata %#v", captured.Metadata)
	}
	if order.ID != "pi_123" || order.Amount != 5640 || order.Currency != "INR" || order.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected order %#v", order)
	}
}

func TestStripeProviderClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrGatewayRejected},
		{http.StatusUnauthorized, ErrGatewayUnavailable},
		{http.StatusTooManyRequests, ErrGatewayUnavailable},
		{http.StatusBadGateway, ErrGatewayUnavailable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			intents := &stubStripeIntents{newFunc: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, &stripe.Error{HTTPStatusCode: tc.status, Msg: "boom"}
			}}
			provider := newTestStripeProvider(t, intents, &stubStripeCharges{})
			_, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 1, Currency: "INR", IdempotencyKey: "dft"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStripeProviderFetchPaymentMapsCharge(t *testing.T) {
	charges := &stubStripeCharges{getFunc: func(id string, _ *stripe.ChargeParams) (*stripe.Charge, error) {
		return &stripe.Charge{
			ID:            id,
			Amount:        5640,
			Currency:      "inr",
			Status:        stripe.ChargeStatusSucceeded,
			Captured:      true,
			Created:       1739178000,
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_123"},
			PaymentMethodDetails: &stripe.ChargePaymentMethodDetails{
				Type: "card",
			},
		}, nil
	}}
	provider := newTestStripeProvider(t, &stubStripeIntents{}, charges)

	details, err := provider.FetchPayment(context.Background(), "ch_1")
	if err != nil {
		t.Fatalf("FetchPayment: %v", err)
	}
	if details.Status != StatusCaptured || details.OrderID != "pi_123" || details.Method != "card" {
		t.Fatalf("unexpected details %#v", details)
	}
	if details.CapturedAt == nil || !details.CapturedAt.Equal(time.Unix(1739178000, 0)) {
		t.Fatalf("expected captured at from charge creation, got %v", details.CapturedAt)
	}
}

func TestStripeProviderParseWebhook(t *testing.T) {
	provider := newTestStripeProvider(t, &stubStripeIntents{}, &stubStripeCharges{})

	body := []byte(`{"id":"evt_1","object":"event","type":"charge.succeeded","created":1739178000,"data":{"object":{"id":"ch_1","object":"charge","amount":5640,"currency":"inr","status":"succeeded","captured":true,"payment_intent":"pi_123"}}}`)
	header := http.Header{}
	header.Set("Stripe-Signature", stripeTestSignature(body, "whsec_test", time.Now()))

	event, err := provider.ParseWebhook(body, header)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.Type != WebhookPaymentCaptured || event.PaymentID != "ch_1" || event.OrderID != "pi_123" || event.Amount != 5640 {
		t.Fatalf("unexpected event %#v", event)
	}

	header.Set("Stripe-Signature", stripeTestSignature(body, "wrong", time.Now()))
	if _, err := provider.ParseWebhook(body, header); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected ErrWebhookSignature, got %v", err)
	}
}

func TestStripeProviderNeverVerifiesCallbacks(t *testing.T) {
	provider := newTestStripeProvider(t, &stubStripeIntents{}, &stubStripeCharges{})
	if provider.SupportsCallbackVerification() {
		t.Fatalf("stripe must reconcile through webhooks only")
	}
	if provider.VerifyPaymentSignature("pi_1", "ch_1", "anything") {
		t.Fatalf("stripe callback signature must never verify")
	}
}

func stripeTestSignature(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
