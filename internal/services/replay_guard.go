package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ReplayGuard admits each gateway transaction id at most once and refuses
// deliveries whose timestamp is outside the freshness window.
type ReplayGuard struct {
	store           ReservationStore
	freshnessWindow time.Duration
	maxClockSkew    time.Duration
	logger          *logrus.Logger
	now             func() time.Time
}

// NewReplayGuard creates a replay guard over store
func NewReplayGuard(store ReservationStore, freshnessWindow, maxClockSkew time.Duration, logger *logrus.Logger) *ReplayGuard {
	return &ReplayGuard{
		store:           store,
		freshnessWindow: freshnessWindow,
		maxClockSkew:    maxClockSkew,
		logger:          logger,
		now:             time.Now,
	}
}

// Check validates freshness and then records transactionID in one atomic
// test-and-set. Stale deliveries never consume the transaction id.
func (g *ReplayGuard) Check(ctx context.Context, transactionID string, timestamp *time.Time) error {
	if transactionID == "" {
		return ErrMissingTransactionID()
	}

	if timestamp != nil {
		now := g.now()
		age := now.Sub(*timestamp)
		if age > g.freshnessWindow || -age > g.maxClockSkew {
			g.logger.WithFields(logrus.Fields{
				"transaction_id": transactionID,
				"timestamp":      timestamp.Format(time.RFC3339),
				"age_seconds":    int64(age.Seconds()),
			}).Warn("Webhook timestamp outside freshness window")
			return ErrExpiredTimestamp().
				WithDetail("timestamp", timestamp.Format(time.RFC3339)).
				WithDetail("age_seconds", int64(age.Seconds()))
		}
	}

	alreadyAdmitted, err := g.store.TryReserve(ctx, replayKey(transactionID))
	if err != nil {
		return ErrInfrastructure("replay_reserve", err)
	}
	if alreadyAdmitted {
		g.logger.WithField("transaction_id", transactionID).Warn("Replay attempt blocked")
		return ErrDuplicateTransaction()
	}

	return nil
}

// Release forgets transactionID so a retried delivery can be admitted.
// Used only when a later stage fails for infrastructure reasons.
func (g *ReplayGuard) Release(ctx context.Context, transactionID string) {
	if err := g.store.Release(ctx, replayKey(transactionID)); err != nil {
		g.logger.WithError(err).WithField("transaction_id", transactionID).
			Error("Failed to release replay reservation")
	}
}

func replayKey(transactionID string) string {
	return "txn:" + transactionID
}
