package models

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord is the stored terminal response for one idempotency key.
// Replays return Body byte for byte.
type IdempotencyRecord struct {
	Key        string    `json:"key" db:"idempotency_key"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Body       []byte    `json:"body" db:"response_body"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// WebhookResponse is the JSON body returned to the gateway
type WebhookResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	EffectRef     string `json:"effect_ref,omitempty"`
}

// Bytes renders the response body
func (r WebhookResponse) Bytes() []byte {
	body, err := json.Marshal(r)
	if err != nil {
		// only strings are marshalled; this cannot fail
		return []byte(`{"code":"INTERNAL_ERROR","message":"response encoding failed"}`)
	}
	return body
}

// PipelineOutcome tags a PipelineResult
type PipelineOutcome string

const (
	OutcomeAccepted     PipelineOutcome = "accepted"
	OutcomeAcknowledged PipelineOutcome = "acknowledged"
	OutcomeCached       PipelineOutcome = "cached"
	OutcomeRejected     PipelineOutcome = "rejected"
)

// PipelineResult is the terminal outcome of processing one delivery
type PipelineResult struct {
	Outcome    PipelineOutcome
	StatusCode int
	Body       []byte
	Code       string
	EffectRef  EffectRef
	RetryAfter time.Duration
	Reason     error
}
