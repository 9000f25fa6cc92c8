package services

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrDraftNotFound indicates the checkout draft is missing or expired.
	ErrDraftNotFound = errors.New("checkout: draft not found")

	// ErrGatewayAmountMismatch indicates the gateway confirmed an order for a different amount or currency.
	ErrGatewayAmountMismatch = errors.New("gateway: confirmed amount mismatch")
	// ErrGatewayUnavailable indicates the gateway could not be reached after retries.
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	// ErrGatewayRejected indicates the gateway refused the request permanently.
	ErrGatewayRejected = errors.New("gateway: request rejected")

	// ErrInvalidSignature indicates the payment callback failed authentication.
	ErrInvalidSignature = errors.New("reconcile: invalid payment signature")
	// ErrAmountMismatch indicates the captured amount differs from the draft grand total.
	ErrAmountMismatch = errors.New("reconcile: amount mismatch")
	// ErrPaymentNotCaptured indicates the gateway reports the payment as not captured.
	ErrPaymentNotCaptured = errors.New("reconcile: payment not captured")
	// ErrReconciliationPending indicates the payment was verified but could not be persisted yet.
	ErrReconciliationPending = errors.New("reconcile: verified but not yet reconciled")
	// ErrDuplicatePayment indicates a second payment was captured for an already paid order.
	ErrDuplicatePayment = errors.New("reconcile: order already paid by another payment")
	// ErrOrphanCapture indicates a captured payment with no checkout draft; it was recorded as verified
	// and reported for manual review.
	ErrOrphanCapture = errors.New("reconcile: captured payment has no checkout draft")
	// ErrCallbackUnsupported indicates the gateway does not sign client callbacks.
	ErrCallbackUnsupported = errors.New("reconcile: gateway does not support callback verification")

	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidInput indicates the admin request was malformed.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderInvalidState indicates the requested transition is not allowed from the current state.
	ErrOrderInvalidState = errors.New("order: invalid state transition")

	// ErrWebhookUnauthorized indicates the webhook signature did not verify.
	ErrWebhookUnauthorized = errors.New("webhook: signature invalid")
	// ErrWebhookInvalid indicates the webhook body or provider was not usable.
	ErrWebhookInvalid = errors.New("webhook: invalid payload")
)

// PaymentDeclinedError carries the gateway's own decline reason. It unwraps to ErrPaymentNotCaptured.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	if e.Reason == "" {
		return ErrPaymentNotCaptured.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPaymentNotCaptured, e.Reason)
}

func (e *PaymentDeclinedError) Unwrap() error {
	return ErrPaymentNotCaptured
}
