package services

import (
	"context"
	"time"

	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

// StoredResponse is a terminal HTTP response eligible for idempotent replay
type StoredResponse struct {
	StatusCode int
	Body       []byte
}

// ComputeFunc produces the terminal response for a freshly reserved key.
// A non-nil error means an infrastructure failure: the reservation is released
// and nothing is stored.
type ComputeFunc func(ctx context.Context) (StoredResponse, error)

// Resolution is the gate's answer for one key
type Resolution struct {
	Cached   bool
	Response StoredResponse
}

// IdempotencyGate turns at-least-once deliveries into one fixed response per key
type IdempotencyGate struct {
	store        IdempotencyStore
	waitTimeout  time.Duration
	pollInterval time.Duration
	logger       *logrus.Logger
	now          func() time.Time
}

// NewIdempotencyGate creates a gate. waitTimeout bounds how long a delivery
// waits for a concurrent holder of the same key before giving up with 409.
func NewIdempotencyGate(store IdempotencyStore, waitTimeout time.Duration, logger *logrus.Logger) *IdempotencyGate {
	poll := 50 * time.Millisecond
	if waitTimeout > 0 && waitTimeout < poll {
		poll = waitTimeout
	}
	return &IdempotencyGate{
		store:        store,
		waitTimeout:  waitTimeout,
		pollInterval: poll,
		logger:       logger,
		now:          time.Now,
	}
}

// Resolve returns the stored response for key, or reserves key, runs compute
// and stores its response.
func (g *IdempotencyGate) Resolve(ctx context.Context, key string, compute ComputeFunc) (Resolution, error) {
	if key == "" {
		return Resolution{}, ErrMissingIdempotencyKey()
	}

	reserved, err := g.store.TryReserve(ctx, key)
	if err != nil {
		return Resolution{}, ErrInfrastructure("idempotency_reserve", err)
	}

	if reserved {
		record, acquired, err := g.awaitCompletion(ctx, key)
		if err != nil {
			return Resolution{}, err
		}
		if !acquired {
			return Resolution{
				Cached:   true,
				Response: StoredResponse{StatusCode: record.StatusCode, Body: record.Body},
			}, nil
		}
	}

	response, err := compute(ctx)
	if err != nil {
		// Release must outlive a cancelled request context
		if releaseErr := g.store.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			g.logger.WithError(releaseErr).WithField("idempotency_key", key).
				Error("Failed to release idempotency reservation")
		}
		return Resolution{}, err
	}

	record := models.IdempotencyRecord{
		Key:        key,
		StatusCode: response.StatusCode,
		Body:       response.Body,
		CreatedAt:  g.now(),
	}
	if err := g.store.Complete(context.WithoutCancel(ctx), record); err != nil {
		// Drop the pending reservation so redeliveries recompute instead of
		// waiting on it until retention; the replay guard keeps that recompute
		// from applying the effect twice.
		g.logger.WithError(err).WithField("idempotency_key", key).
			Error("Failed to store idempotent response")
		if releaseErr := g.store.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			g.logger.WithError(releaseErr).WithField("idempotency_key", key).
				Error("Failed to release idempotency reservation")
		}
	}

	return Resolution{Response: response}, nil
}

// awaitCompletion polls a key held by another delivery. It returns the completed
// record, or acquired == true if the holder released the key and this caller
// reserved it instead.
func (g *IdempotencyGate) awaitCompletion(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	deadline := g.now().Add(g.waitTimeout)

	for {
		record, found, err := g.store.Lookup(ctx, key)
		if err != nil {
			return nil, false, ErrInfrastructure("idempotency_lookup", err)
		}
		if found {
			return record, false, nil
		}

		// Holder may have released after an infrastructure failure
		reserved, err := g.store.TryReserve(ctx, key)
		if err != nil {
			return nil, false, ErrInfrastructure("idempotency_reserve", err)
		}
		if !reserved {
			return nil, true, nil
		}

		if !g.now().Before(deadline) {
			return nil, false, ErrIdempotencyInProgress()
		}

		timer := time.NewTimer(g.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ErrInfrastructure("idempotency_wait", ctx.Err())
		case <-timer.C:
		}
	}
}
