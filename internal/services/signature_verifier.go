package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sewago/payment-webhooks/internal/models"
)

// SignatureVerifier authenticates webhook bodies with per-gateway HMAC-SHA256 secrets
type SignatureVerifier struct {
	secrets map[models.Gateway][]byte
}

// NewSignatureVerifier creates a verifier. Gateways with an empty secret are not supported.
func NewSignatureVerifier(secrets map[models.Gateway]string) *SignatureVerifier {
	v := &SignatureVerifier{secrets: make(map[models.Gateway][]byte)}
	for gateway, secret := range secrets {
		if secret != "" {
			v.secrets[gateway] = []byte(secret)
		}
	}
	return v
}

// Supports reports whether a secret is configured for the gateway
func (v *SignatureVerifier) Supports(gateway models.Gateway) bool {
	_, ok := v.secrets[gateway]
	return ok
}

// Sign computes the lowercase hex HMAC-SHA256 of body for gateway
func (v *SignatureVerifier) Sign(gateway models.Gateway, body []byte) (string, error) {
	secret, ok := v.secrets[gateway]
	if !ok {
		return "", fmt.Errorf("no secret configured for gateway %s", gateway)
	}
	return ComputeSignature(secret, body), nil
}

// Verify checks the envelope signature against its raw body.
// The comparison runs in constant time; a wrong-length or non-hex signature is
// simply unequal.
func (v *SignatureVerifier) Verify(envelope *models.WebhookEnvelope) error {
	provided := strings.ToLower(strings.TrimSpace(envelope.Signature))
	if provided == "" {
		return ErrMissingSignature()
	}

	secret, ok := v.secrets[envelope.Gateway]
	if !ok {
		return ErrInvalidSignature().WithDetail("reason", "gateway not configured")
	}

	expected := ComputeSignature(secret, envelope.RawBody)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrInvalidSignature().
			WithDetail("provided_signature", provided).
			WithDetail("computed_signature", expected)
	}

	return nil
}

// ComputeSignature returns hex(HMAC-SHA256(secret, body))
func ComputeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
