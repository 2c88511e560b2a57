package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventKind represents the type of webhook audit event
type AuditEventKind string

const (
	AuditEventAccepted       AuditEventKind = "payment_accepted"
	AuditEventAcknowledged   AuditEventKind = "payment_not_successful"
	AuditEventCached         AuditEventKind = "idempotent_replay"
	AuditEventRejected       AuditEventKind = "webhook_rejected"
	AuditEventSignatureFail  AuditEventKind = "signature_invalid"
	AuditEventReplayBlocked  AuditEventKind = "replay_blocked"
	AuditEventAmountMismatch AuditEventKind = "amount_mismatch"
	AuditEventFraudFlagged   AuditEventKind = "fraud_flagged"
	AuditEventFraudBlocked   AuditEventKind = "fraud_blocked"
	AuditEventInfraError     AuditEventKind = "infrastructure_error"
)

// AuditEvent represents an immutable audit log entry for one webhook decision
type AuditEvent struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	Kind           AuditEventKind `json:"kind" db:"event_kind"`
	Gateway        Gateway        `json:"gateway" db:"gateway"`
	TransactionID  *string        `json:"transaction_id,omitempty" db:"transaction_id"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty" db:"idempotency_key"`
	OrderID        *string        `json:"order_id,omitempty" db:"order_id"`

	// Outcome
	Code       *string `json:"code,omitempty" db:"error_code"`
	Message    *string `json:"message,omitempty" db:"error_message"`
	HTTPStatus *int    `json:"http_status,omitempty" db:"http_status_code"`

	// Amount tracking
	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	// Fraud screen
	RiskLevel      *RiskLevel  `json:"risk_level,omitempty" db:"risk_level"`
	TriggeredRules StringArray `json:"triggered_rules,omitempty" db:"triggered_rules"`

	// Free-form detail, e.g. computed vs provided signature. Never sent to gateways.
	Detail JSONB `json:"detail,omitempty" db:"detail"`

	// Request metadata
	SourceIP      *string `json:"source_ip,omitempty" db:"ip_address"`
	UserAgent     *string `json:"user_agent,omitempty" db:"user_agent"`
	CorrelationID *string `json:"correlation_id,omitempty" db:"correlation_id"`

	IsDuplicate      bool      `json:"is_duplicate" db:"is_duplicate"`
	ProcessingTimeMs *int      `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp" db:"created_at"`
}

// NewAuditEvent creates a new audit entry with required fields
func NewAuditEvent(kind AuditEventKind, gateway Gateway) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		Kind:      kind,
		Gateway:   gateway,
		Timestamp: time.Now(),
	}
}

// SetTransaction sets the gateway transaction id and order id
func (e *AuditEvent) SetTransaction(transactionID, orderID string) *AuditEvent {
	if transactionID != "" {
		e.TransactionID = &transactionID
	}
	if orderID != "" {
		e.OrderID = &orderID
	}
	return e
}

// SetIdempotencyKey sets the idempotency key
func (e *AuditEvent) SetIdempotencyKey(key string) *AuditEvent {
	if key != "" {
		e.IdempotencyKey = &key
	}
	return e
}

// SetOutcome records the response code, message and HTTP status
func (e *AuditEvent) SetOutcome(code, message string, status int) *AuditEvent {
	e.Code = &code
	if message != "" {
		e.Message = &message
	}
	e.HTTPStatus = &status
	return e
}

// SetAmounts sets and verifies amounts - returns whether they match
func (e *AuditEvent) SetAmounts(expected, received float64) bool {
	e.ExpectedAmount = &expected
	e.ReceivedAmount = &received

	match := AmountsMatch(expected, received)
	e.AmountsMatch = &match
	return match
}

// SetRisk records the fraud assessment
func (e *AuditEvent) SetRisk(assessment FraudAssessment) *AuditEvent {
	risk := assessment.Risk
	e.RiskLevel = &risk
	e.TriggeredRules = StringArray(assessment.TriggeredRules)
	return e
}

// SetDetail merges a key into the detail map
func (e *AuditEvent) SetDetail(key string, value interface{}) *AuditEvent {
	if e.Detail == nil {
		e.Detail = JSONB{}
	}
	e.Detail[key] = value
	return e
}

// SetMetadata sets request metadata
func (e *AuditEvent) SetMetadata(ip, userAgent, correlationID string) *AuditEvent {
	if ip != "" {
		e.SourceIP = &ip
	}
	if userAgent != "" {
		e.UserAgent = &userAgent
	}
	if correlationID != "" {
		e.CorrelationID = &correlationID
	}
	return e
}

// SetProcessingTime calculates and sets processing time
func (e *AuditEvent) SetProcessingTime(startTime time.Time) *AuditEvent {
	durationMs := int(time.Since(startTime).Milliseconds())
	e.ProcessingTimeMs = &durationMs
	return e
}

// MarkAsDuplicate marks this event as an idempotent replay
func (e *AuditEvent) MarkAsDuplicate() *AuditEvent {
	e.IsDuplicate = true
	return e
}

// AmountTolerance is the largest accepted difference between claimed and expected amounts
const AmountTolerance = 0.01

// AmountsMatch compares amounts with tolerance for floating point.
// The epsilon keeps a difference of exactly 0.01 on the accepting side.
func AmountsMatch(expected, received float64) bool {
	return abs(expected-received) <= AmountTolerance+1e-9
}

// abs returns absolute value of float64
func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
