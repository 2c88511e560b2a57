package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

// Ledger accounts for webhook-settled payments
const (
	GatewayClearingAccount = "gateway_clearing"
	bookingAccountPrefix   = "booking:"
)

// WalletLedgerRepository applies accepted payments: one ledger entry per
// gateway transaction and the booking marked paid, in one transaction
type WalletLedgerRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewWalletLedgerRepository creates a new wallet ledger repository
func NewWalletLedgerRepository(db *sqlx.DB, logger *logrus.Logger) *WalletLedgerRepository {
	return &WalletLedgerRepository{db: db, logger: logger}
}

// ApplyPaymentSuccess records the payment. It is idempotent on transactionID:
// a second call returns the first entry's id without touching the booking.
func (r *WalletLedgerRepository) ApplyPaymentSuccess(ctx context.Context, orderID, transactionID string, amount float64) (models.EffectRef, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	entryID := uuid.New()

	insertQuery := `
		INSERT INTO payment_ledger_entries (
			id, reference_id, order_id, amount, debit_account, credit_account, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference_id) DO NOTHING
		RETURNING id`

	var insertedID uuid.UUID
	err = tx.QueryRowxContext(ctx, insertQuery,
		entryID, transactionID, orderID, amount,
		GatewayClearingAccount, bookingAccountPrefix+orderID, now,
	).Scan(&insertedID)

	if errors.Is(err, sql.ErrNoRows) {
		var existingID uuid.UUID
		if err := tx.GetContext(ctx, &existingID,
			`SELECT id FROM payment_ledger_entries WHERE reference_id = $1`, transactionID); err != nil {
			return "", fmt.Errorf("failed to load existing ledger entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("failed to commit ledger transaction: %w", err)
		}
		r.logger.WithFields(logrus.Fields{
			"transaction_id": transactionID,
			"entry_id":       existingID,
		}).Warn("Ledger entry already exists for transaction")
		return models.EffectRef(existingID.String()), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	updateQuery := `
		UPDATE bookings
		SET payment_status = 'paid', payment_reference = $2, paid_at = $3, updated_at = $3
		WHERE id = $1`

	result, err := tx.ExecContext(ctx, updateQuery, orderID, transactionID, now)
	if err != nil {
		return "", fmt.Errorf("failed to mark booking paid: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return "", fmt.Errorf("failed to mark booking paid: %w", models.ErrOrderNotFound)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return models.EffectRef(insertedID.String()), nil
}

// GetByReference returns the ledger entry of a gateway transaction, or nil when
// the transaction was never applied
func (r *WalletLedgerRepository) GetByReference(ctx context.Context, transactionID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	query := `
		SELECT id, reference_id, order_id, amount, debit_account, credit_account, created_at
		FROM payment_ledger_entries
		WHERE reference_id = $1`

	err := r.db.GetContext(ctx, &entry, query, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &entry, nil
}
