package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// VelocityRepository counts deliveries per source in a sliding window
type VelocityRepository struct {
	db     *sqlx.DB
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewVelocityRepository creates a windowed counter backed by webhook_velocity_events
func NewVelocityRepository(db *sqlx.DB, limit int, window time.Duration) *VelocityRepository {
	return &VelocityRepository{db: db, limit: limit, window: window, now: time.Now}
}

// Hit counts earlier deliveries for key inside the window, then records this one
func (r *VelocityRepository) Hit(ctx context.Context, key string) (bool, error) {
	now := r.now()
	windowStart := now.Add(-r.window)

	countQuery := `
		SELECT COUNT(*)
		FROM webhook_velocity_events
		WHERE identifier = $1
		  AND created_at > $2`

	var count int
	err := r.db.GetContext(ctx, &count, countQuery, key, windowStart)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to count velocity events: %w", err)
	}

	insertQuery := `INSERT INTO webhook_velocity_events (identifier, created_at) VALUES ($1, $2)`
	if _, err := r.db.ExecContext(ctx, insertQuery, key, now); err != nil {
		return false, fmt.Errorf("failed to record velocity event: %w", err)
	}

	return count >= r.limit, nil
}

// DeleteExpired removes events older than the window
func (r *VelocityRepository) DeleteExpired(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.window)
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhook_velocity_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup velocity events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
