package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sewago/payment-webhooks/internal/models"
)

// IdempotencyRepository stores idempotency reservations and their responses.
// A row with completed_at NULL is a pending reservation.
type IdempotencyRepository struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// NewIdempotencyRepository creates a repository whose rows live for ttl
func NewIdempotencyRepository(db *sqlx.DB, ttl time.Duration) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, ttl: ttl, now: time.Now}
}

// TryReserve inserts the key, or takes over an expired row, in one statement.
// RETURNING yields a row only when this caller won the reservation.
func (r *IdempotencyRepository) TryReserve(ctx context.Context, key string) (bool, error) {
	now := r.now()
	query := `
		INSERT INTO webhook_idempotency_keys (idempotency_key, created_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			status_code = NULL,
			response_body = NULL,
			completed_at = NULL
		WHERE webhook_idempotency_keys.expires_at < $2
		RETURNING idempotency_key`

	var reservedKey string
	err := r.db.QueryRowxContext(ctx, query, key, now, now.Add(r.ttl)).Scan(&reservedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return false, nil
}

// Release deletes a pending reservation. Completed rows are kept.
func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	query := `DELETE FROM webhook_idempotency_keys WHERE idempotency_key = $1 AND completed_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Lookup returns the completed response for key, if any
func (r *IdempotencyRepository) Lookup(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	var record models.IdempotencyRecord
	query := `
		SELECT idempotency_key, status_code, response_body, created_at
		FROM webhook_idempotency_keys
		WHERE idempotency_key = $1
		  AND completed_at IS NOT NULL
		  AND expires_at > $2`

	err := r.db.GetContext(ctx, &record, query, key, r.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &record, true, nil
}

// Complete stores the terminal response for a reserved key
func (r *IdempotencyRepository) Complete(ctx context.Context, record models.IdempotencyRecord) error {
	now := r.now()
	query := `
		UPDATE webhook_idempotency_keys
		SET status_code = $2, response_body = $3, completed_at = $4, expires_at = $5
		WHERE idempotency_key = $1`

	result, err := r.db.ExecContext(ctx, query, record.Key, record.StatusCode, record.Body, now, now.Add(r.ttl))
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("idempotency key %s is not reserved", record.Key)
	}
	return nil
}

// DeleteExpired removes rows past their retention
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	return deleteExpired(ctx, r.db, "webhook_idempotency_keys", r.now())
}

// deleteExpired is shared by the retention-bound tables
func deleteExpired(ctx context.Context, db *sqlx.DB, table string, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, table), now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup %s: %w", table, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
