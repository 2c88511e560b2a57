package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sewago/payment-webhooks/internal/models"
)

// OrderRepository reads expected payment amounts from bookings
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// GetExpectedAmount returns the amount the booking should be paid with
func (r *OrderRepository) GetExpectedAmount(ctx context.Context, orderID string) (float64, error) {
	var amount float64
	query := `SELECT total_amount FROM bookings WHERE id = $1`

	err := r.db.GetContext(ctx, &amount, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrOrderNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get order amount: %w", err)
	}

	return amount, nil
}
