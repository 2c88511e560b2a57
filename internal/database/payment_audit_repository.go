package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

const auditColumns = `id, event_kind, gateway, transaction_id, idempotency_key, order_id,
	error_code, error_message, http_status_code,
	expected_amount, received_amount, amounts_match,
	risk_level, triggered_rules, detail,
	ip_address, user_agent, correlation_id,
	is_duplicate, processing_time_ms, created_at`

// PaymentAuditRepository handles webhook audit persistence
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Record inserts an audit event. Rows are never updated afterwards.
func (r *PaymentAuditRepository) Record(ctx context.Context, event *models.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO payment_webhook_audits (` + auditColumns + `) VALUES (
			:id, :event_kind, :gateway, :transaction_id, :idempotency_key, :order_id,
			:error_code, :error_message, :http_status_code,
			:expected_amount, :received_amount, :amounts_match,
			:risk_level, :triggered_rules, :detail,
			:ip_address, :user_agent, :correlation_id,
			:is_duplicate, :processing_time_ms, :created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_kind":     event.Kind,
			"transaction_id": event.TransactionID,
		}).Error("CRITICAL: Failed to record webhook audit")
		return fmt.Errorf("failed to record webhook audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   event.ID,
		"event_kind": event.Kind,
	}).Debug("Webhook audit recorded")

	return nil
}

// GetByTransactionID retrieves all audit events for a gateway transaction
func (r *PaymentAuditRepository) GetByTransactionID(ctx context.Context, transactionID string) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	query := `
		SELECT ` + auditColumns + `
		FROM payment_webhook_audits
		WHERE transaction_id = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &events, query, transactionID); err != nil {
		return nil, fmt.Errorf("failed to get audits by transaction ID: %w", err)
	}

	return events, nil
}

// GetAmountMismatches retrieves the most recent events whose amounts disagreed
func (r *PaymentAuditRepository) GetAmountMismatches(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	query := `
		SELECT ` + auditColumns + `
		FROM payment_webhook_audits
		WHERE amounts_match = FALSE
		ORDER BY created_at DESC
		LIMIT $1`

	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get amount mismatches: %w", err)
	}

	return events, nil
}

// GetRecentByKind retrieves recent events of one kind
func (r *PaymentAuditRepository) GetRecentByKind(ctx context.Context, kind models.AuditEventKind, hours int, limit int) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	query := `
		SELECT ` + auditColumns + `
		FROM payment_webhook_audits
		WHERE event_kind = $1
		AND created_at > NOW() - INTERVAL '1 hour' * $2
		ORDER BY created_at DESC
		LIMIT $3`

	if err := r.db.SelectContext(ctx, &events, query, kind, hours, limit); err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}

	return events, nil
}

// DeleteOlderThan removes audit rows created before cutoff
func (r *PaymentAuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM payment_webhook_audits WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup webhook audits: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
