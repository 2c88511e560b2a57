package services

import (
	"context"

	"github.com/sewago/payment-webhooks/internal/models"
)

// ReservationStore is an atomic check-and-reserve set of keys with a retention TTL.
// TryReserve must be a single atomic operation: of N concurrent callers for the
// same key exactly one sees alreadyReserved == false.
type ReservationStore interface {
	TryReserve(ctx context.Context, key string) (alreadyReserved bool, err error)
	Release(ctx context.Context, key string) error
}

// IdempotencyStore is a ReservationStore whose reservations complete into a stored response.
// Lookup returns found == false while a reservation is still pending.
type IdempotencyStore interface {
	ReservationStore
	Lookup(ctx context.Context, key string) (record *models.IdempotencyRecord, found bool, err error)
	Complete(ctx context.Context, record models.IdempotencyRecord) error
}

// OrderStore is the source of truth for what an order should cost.
// It returns models.ErrOrderNotFound for unknown orders.
type OrderStore interface {
	GetExpectedAmount(ctx context.Context, orderID string) (float64, error)
}

// EffectSink applies the financial effect of an accepted payment.
// Implementations must be idempotent on transactionID.
type EffectSink interface {
	ApplyPaymentSuccess(ctx context.Context, orderID, transactionID string, amount float64) (models.EffectRef, error)
}

// AuditSink receives audit events. Record must not block the request path.
type AuditSink interface {
	Record(event *models.AuditEvent)
}

// VelocityCounter records one hit for key and reports whether the configured
// rate was exceeded within the current window.
type VelocityCounter interface {
	Hit(ctx context.Context, key string) (exceeded bool, err error)
}
