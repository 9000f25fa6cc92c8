package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// signatureDelimiter joins order and payment ids in the gateway's documented scheme.
const signatureDelimiter = "|"

// ErrSigningSecretMissing is returned when a verifier is built without a secret.
var ErrSigningSecretMissing = errors.New("payments: signing secret is required")

// SignatureVerifier authenticates payment completion callbacks with a shared secret.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier constructs a verifier. An empty secret is a configuration error.
func NewSignatureVerifier(secret string) (*SignatureVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSigningSecretMissing
	}
	return &SignatureVerifier{secret: []byte(secret)}, nil
}

// Verify reports whether signature matches HMAC-SHA256(orderID|paymentID).
func (v *SignatureVerifier) Verify(orderID, paymentID, signature string) bool {
	if v == nil || len(v.secret) == 0 {
		return false
	}
	return verifyHex(v.secret, []byte(orderID+signatureDelimiter+paymentID), signature)
}

// VerifySignature is the stateless form of SignatureVerifier.Verify.
func VerifySignature(orderID, paymentID, signature, secret string) bool {
	if secret == "" {
		return false
	}
	return verifyHex([]byte(secret), []byte(orderID+signatureDelimiter+paymentID), signature)
}

// VerifyPayload reports whether signature is the hex HMAC-SHA256 of body.
func VerifyPayload(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	return verifyHex([]byte(secret), body, signature)
}

// Sign returns the hex HMAC-SHA256 of orderID|paymentID.
func Sign(orderID, paymentID, secret string) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), []byte(orderID+signatureDelimiter+paymentID)))
}

// SignPayload returns the hex HMAC-SHA256 of body.
func SignPayload(body []byte, secret string) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), body))
}

func verifyHex(secret, message []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	return hmac.Equal(provided, computeHMAC(secret, message))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
