package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ReplayRepository remembers admitted gateway transaction ids for the replay horizon
type ReplayRepository struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// NewReplayRepository creates a repository whose rows live for ttl
func NewReplayRepository(db *sqlx.DB, ttl time.Duration) *ReplayRepository {
	return &ReplayRepository{db: db, ttl: ttl, now: time.Now}
}

// TryReserve records the transaction key unless a live row already exists
func (r *ReplayRepository) TryReserve(ctx context.Context, key string) (bool, error) {
	now := r.now()
	query := `
		INSERT INTO webhook_replay_guard (transaction_key, admitted_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_key) DO UPDATE
		SET admitted_at = EXCLUDED.admitted_at, expires_at = EXCLUDED.expires_at
		WHERE webhook_replay_guard.expires_at < $2
		RETURNING transaction_key`

	var admitted string
	err := r.db.QueryRowxContext(ctx, query, key, now, now.Add(r.ttl)).Scan(&admitted)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve transaction: %w", err)
	}
	return false, nil
}

// Release forgets a transaction key
func (r *ReplayRepository) Release(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM webhook_replay_guard WHERE transaction_key = $1`, key); err != nil {
		return fmt.Errorf("failed to release transaction: %w", err)
	}
	return nil
}

// DeleteExpired removes rows past the replay horizon
func (r *ReplayRepository) DeleteExpired(ctx context.Context) (int64, error) {
	return deleteExpired(ctx, r.db, "webhook_replay_guard", r.now())
}
