package models

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Gateway identifies the payment gateway that sent a webhook
type Gateway string

const (
	GatewayEsewa  Gateway = "esewa"
	GatewayKhalti Gateway = "khalti"
)

// Header names carried by inbound webhooks
const (
	HeaderEsewaSignature  = "X-Esewa-Signature"
	HeaderKhaltiSignature = "X-Khalti-Signature"
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderTimestamp       = "X-Timestamp"
	HeaderRequestID       = "X-Request-ID"
)

// Domain errors returned by collaborator stores
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrStoreFull     = errors.New("reservation store is at capacity")
)

// ParseGateway maps a path segment onto a supported gateway
func ParseGateway(s string) (Gateway, bool) {
	switch Gateway(strings.ToLower(strings.TrimSpace(s))) {
	case GatewayEsewa:
		return GatewayEsewa, true
	case GatewayKhalti:
		return GatewayKhalti, true
	}
	return "", false
}

// SignatureHeader returns the header that carries this gateway's HMAC
func (g Gateway) SignatureHeader() string {
	if g == GatewayKhalti {
		return HeaderKhaltiSignature
	}
	return HeaderEsewaSignature
}

// SupportedGateways lists every gateway the service understands
func SupportedGateways() []Gateway {
	return []Gateway{GatewayEsewa, GatewayKhalti}
}

// successStatuses are the gateway statuses that mean the charge settled
var successStatuses = map[string]bool{
	"SUCCESS":   true,
	"COMPLETE":  true,
	"COMPLETED": true,
}

// PaymentPayload is the normalised body of a gateway notification
type PaymentPayload struct {
	OrderID       string  `json:"orderId"`
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	MerchantCode  string  `json:"merchantCode,omitempty"`
}

// IsSuccessful reports whether the gateway says the payment settled
func (p PaymentPayload) IsSuccessful() bool {
	return successStatuses[strings.ToUpper(strings.TrimSpace(p.Status))]
}

// InboundWebhook is the raw HTTP delivery as seen by the handler
type InboundWebhook struct {
	Gateway       Gateway
	RawBody       []byte
	Header        http.Header
	SourceIP      string
	UserAgent     string
	CorrelationID string
	ReceivedAt    time.Time
}

// WebhookEnvelope is a verified-or-not delivery after header extraction and
// payload normalisation. It is never modified once built.
type WebhookEnvelope struct {
	Gateway        Gateway
	RawBody        []byte
	Signature      string
	IdempotencyKey string
	Timestamp      *time.Time
	Payload        PaymentPayload
	SourceIP       string
	UserAgent      string
	CorrelationID  string
	ReceivedAt     time.Time
}

// EffectRef identifies the downstream effect (ledger entry) of an accepted payment
type EffectRef string
