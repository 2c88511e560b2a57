package services

import (
	"context"
	"errors"
	"time"

	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

// AmountValidator compares the claimed amount against the order's expected total
type AmountValidator struct {
	orders  OrderStore
	timeout time.Duration
	logger  *logrus.Logger
}

// NewAmountValidator creates a validator. Lookups slower than timeout fail closed.
func NewAmountValidator(orders OrderStore, timeout time.Duration, logger *logrus.Logger) *AmountValidator {
	return &AmountValidator{
		orders:  orders,
		timeout: timeout,
		logger:  logger,
	}
}

// Validate returns nil when |claimed - expected| <= 0.01. It returns the
// expected amount when the order was found so callers can audit it.
func (v *AmountValidator) Validate(ctx context.Context, orderID string, claimed float64) (float64, error) {
	if orderID == "" || claimed <= 0 {
		return 0, ErrMissingPaymentData()
	}

	lookupCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	expected, err := v.orders.GetExpectedAmount(lookupCtx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			return 0, ErrOrderNotFound().WithDetail("order_id", orderID)
		}
		v.logger.WithError(err).WithField("order_id", orderID).Error("Order lookup failed")
		return 0, ErrInfrastructure("order_lookup", err)
	}

	if !models.AmountsMatch(expected, claimed) {
		v.logger.WithFields(logrus.Fields{
			"order_id":        orderID,
			"expected_amount": expected,
			"received_amount": claimed,
		}).Warn("Payment amount mismatch")
		return expected, ErrAmountMismatch(expected, claimed)
	}

	return expected, nil
}
