package services

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory groups webhook rejections by the stage that produced them
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryDuplicate      ErrorCategory = "duplicate"
	CategoryReplay         ErrorCategory = "replay"
	CategoryValidation     ErrorCategory = "validation"
	CategoryFraud          ErrorCategory = "fraud"
	CategoryInfrastructure ErrorCategory = "infrastructure"
)

// Response codes returned to gateways
const (
	CodeAccepted              = "PAYMENT_ACCEPTED"
	CodeNotSuccessful         = "PAYMENT_NOT_SUCCESSFUL"
	CodeMissingSignature      = "MISSING_SIGNATURE"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeInvalidPayload        = "INVALID_PAYLOAD"
	CodeInvalidTimestamp      = "INVALID_TIMESTAMP"
	CodeMissingIdempotencyKey = "MISSING_IDEMPOTENCY_KEY"
	CodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	CodeMissingTransactionID  = "MISSING_TRANSACTION_ID"
	CodeDuplicateTransaction  = "DUPLICATE_TRANSACTION"
	CodeExpiredTimestamp      = "EXPIRED_TIMESTAMP"
	CodeMissingPaymentData    = "MISSING_PAYMENT_DATA"
	CodeMerchantMismatch      = "MERCHANT_MISMATCH"
	CodeOrderNotFound         = "ORDER_NOT_FOUND"
	CodeAmountMismatch        = "AMOUNT_MISMATCH"
	CodeFraudBlocked          = "FRAUD_BLOCKED"
	CodeUnavailable           = "TEMPORARILY_UNAVAILABLE"
)

// WebhookError is a rejection raised by one of the pipeline stages.
// Detail is written to the audit trail only and never reaches the HTTP body.
type WebhookError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Status   int
	Detail   map[string]interface{}
	Err      error
}

func (e *WebhookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *WebhookError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the gateway should redeliver. Only infrastructure
// failures qualify, and they are never cached.
func (e *WebhookError) Retryable() bool {
	return e.Category == CategoryInfrastructure
}

// WithDetail attaches audit-only context
func (e *WebhookError) WithDetail(key string, value interface{}) *WebhookError {
	if e.Detail == nil {
		e.Detail = map[string]interface{}{}
	}
	e.Detail[key] = value
	return e
}

// AsWebhookError unwraps err into a WebhookError
func AsWebhookError(err error) (*WebhookError, bool) {
	var webhookErr *WebhookError
	if errors.As(err, &webhookErr) {
		return webhookErr, true
	}
	return nil, false
}

func newWebhookError(category ErrorCategory, status int, code, message string) *WebhookError {
	return &WebhookError{
		Category: category,
		Code:     code,
		Message:  message,
		Status:   status,
	}
}

// ErrMissingSignature is returned when the gateway signature header is absent
func ErrMissingSignature() *WebhookError {
	return newWebhookError(CategoryAuthentication, http.StatusBadRequest, CodeMissingSignature, "Missing payment signature")
}

// ErrInvalidSignature is returned when the signature does not match the body
func ErrInvalidSignature() *WebhookError {
	return newWebhookError(CategoryAuthentication, http.StatusForbidden, CodeInvalidSignature, "Invalid payment signature")
}

// ErrInvalidPayload is returned when the verified body cannot be parsed
func ErrInvalidPayload(err error) *WebhookError {
	e := newWebhookError(CategoryValidation, http.StatusBadRequest, CodeInvalidPayload, "Webhook payload could not be parsed")
	e.Err = err
	return e
}

// ErrInvalidTimestamp is returned when a timestamp is present but malformed
func ErrInvalidTimestamp(raw string) *WebhookError {
	return newWebhookError(CategoryValidation, http.StatusBadRequest, CodeInvalidTimestamp, "Webhook timestamp is malformed").
		WithDetail("timestamp", raw)
}

// ErrMissingIdempotencyKey is returned when neither header nor payload carries a key
func ErrMissingIdempotencyKey() *WebhookError {
	return newWebhookError(CategoryValidation, http.StatusBadRequest, CodeMissingIdempotencyKey, "Missing idempotency key")
}

// ErrIdempotencyInProgress is returned when another delivery holds the key
func ErrIdempotencyInProgress() *WebhookError {
	return newWebhookError(CategoryDuplicate, http.StatusConflict, CodeIdempotencyInProgress, "A delivery with this idempotency key is still being processed")
}

// ErrMissingTransactionID is returned when the payload has no transaction id
func ErrMissingTransactionID() *WebhookError {
	return newWebhookError(CategoryReplay, http.StatusBadRequest, CodeMissingTransactionID, "Missing transaction ID")
}

// ErrDuplicateTransaction is returned when the transaction id was already admitted
func ErrDuplicateTransaction() *WebhookError {
	return newWebhookError(CategoryReplay, http.StatusConflict, CodeDuplicateTransaction, "Transaction already processed")
}

// ErrExpiredTimestamp is returned when the webhook timestamp is outside the freshness window
func ErrExpiredTimestamp() *WebhookError {
	return newWebhookError(CategoryReplay, http.StatusBadRequest, CodeExpiredTimestamp, "Webhook timestamp too old")
}

// ErrMissingPaymentData is returned when order id or amount is absent
func ErrMissingPaymentData() *WebhookError {
	return newWebhookError(CategoryValidation, http.StatusBadRequest, CodeMissingPaymentData, "Missing amount or order ID")
}

// ErrMerchantMismatch is returned when the payload names another merchant
func ErrMerchantMismatch() *WebhookError {
	return newWebhookError(CategoryValidation, http.StatusBadRequest, CodeMerchantMismatch, "Merchant code does not match")
}

// ErrOrderNotFound is returned when the order store has no such order
func ErrOrderNotFound() *WebhookError {
	return newWebhookError(CategoryValidation, http.StatusBadRequest, CodeOrderNotFound, "Order not found")
}

// ErrAmountMismatch is returned when the claimed amount differs from the order total
func ErrAmountMismatch(expected, claimed float64) *WebhookError {
	return newWebhookError(CategoryValidation, http.StatusBadRequest, CodeAmountMismatch, "Payment amount mismatch").
		WithDetail("expected_amount", expected).
		WithDetail("received_amount", claimed)
}

// ErrFraudBlocked is returned when the fraud screen assesses HIGH risk
func ErrFraudBlocked(triggered []string) *WebhookError {
	return newWebhookError(CategoryFraud, http.StatusForbidden, CodeFraudBlocked, "Transaction blocked due to security concerns").
		WithDetail("triggered_rules", triggered)
}

// ErrInfrastructure wraps a dependency failure. The delivery is not cached and
// the gateway is expected to retry.
func ErrInfrastructure(stage string, err error) *WebhookError {
	e := newWebhookError(CategoryInfrastructure, http.StatusServiceUnavailable, CodeUnavailable, "Payment processing temporarily unavailable, please retry")
	e.Err = err
	return e.WithDetail("stage", stage)
}
