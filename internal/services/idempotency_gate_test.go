package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sewago/payment-webhooks/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(status int, body string) ComputeFunc {
	return func(context.Context) (StoredResponse, error) {
		return StoredResponse{StatusCode: status, Body: []byte(body)}, nil
	}
}

func TestIdempotencyGate_ReplaysStoredResponseByteForByte(t *testing.T) {
	gate := NewIdempotencyGate(cache.NewMemoryStore(0, time.Hour), time.Second, quietLogger())
	ctx := context.Background()

	first, err := gate.Resolve(ctx, "esewa:k1", respond(200, `{"code":"PAYMENT_ACCEPTED"}`))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	calls := 0
	second, err := gate.Resolve(ctx, "esewa:k1", func(context.Context) (StoredResponse, error) {
		calls++
		return StoredResponse{StatusCode: 500, Body: []byte("different")}, nil
	})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Zero(t, calls, "compute must not run for a completed key")
	assert.Equal(t, first.Response.StatusCode, second.Response.StatusCode)
	assert.Equal(t, first.Response.Body, second.Response.Body)
}

func TestIdempotencyGate_TerminalRejectionsAreCached(t *testing.T) {
	gate := NewIdempotencyGate(cache.NewMemoryStore(0, time.Hour), time.Second, quietLogger())
	ctx := context.Background()

	_, err := gate.Resolve(ctx, "esewa:k2", respond(400, `{"code":"AMOUNT_MISMATCH"}`))
	require.NoError(t, err)

	replay, err := gate.Resolve(ctx, "esewa:k2", respond(200, `{}`))
	require.NoError(t, err)
	assert.True(t, replay.Cached)
	assert.Equal(t, 400, replay.Response.StatusCode)
}

func TestIdempotencyGate_ComputeErrorReleasesKey(t *testing.T) {
	store := newFailingStore()
	gate := NewIdempotencyGate(store, time.Second, quietLogger())
	ctx := context.Background()

	_, err := gate.Resolve(ctx, "esewa:k3", func(context.Context) (StoredResponse, error) {
		return StoredResponse{}, ErrInfrastructure("order_lookup", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, store.releases)

	retry, err := gate.Resolve(ctx, "esewa:k3", respond(200, `{"code":"PAYMENT_ACCEPTED"}`))
	require.NoError(t, err)
	assert.False(t, retry.Cached, "retry after an infrastructure failure computes afresh")
}

func TestIdempotencyGate_EmptyKey(t *testing.T) {
	gate := NewIdempotencyGate(cache.NewMemoryStore(0, time.Hour), time.Second, quietLogger())

	_, err := gate.Resolve(context.Background(), "", respond(200, "{}"))
	webhookErr, ok := AsWebhookError(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingIdempotencyKey, webhookErr.Code)
}

func TestIdempotencyGate_StoreFailureIsRetryable(t *testing.T) {
	store := newFailingStore()
	store.failReserve = true
	gate := NewIdempotencyGate(store, time.Second, quietLogger())

	_, err := gate.Resolve(context.Background(), "esewa:k4", respond(200, "{}"))
	webhookErr, ok := AsWebhookError(err)
	require.True(t, ok)
	assert.True(t, webhookErr.Retryable())
	assert.ErrorIs(t, err, errStoreDown)
}

func TestIdempotencyGate_InProgressTimesOut(t *testing.T) {
	store := cache.NewMemoryStore(0, time.Hour)
	gate := NewIdempotencyGate(store, 30*time.Millisecond, quietLogger())
	ctx := context.Background()

	// Another delivery holds the key and never finishes
	alreadyReserved, err := store.TryReserve(ctx, "esewa:k5")
	require.NoError(t, err)
	require.False(t, alreadyReserved)

	_, err = gate.Resolve(ctx, "esewa:k5", respond(200, "{}"))
	webhookErr, ok := AsWebhookError(err)
	require.True(t, ok)
	assert.Equal(t, CodeIdempotencyInProgress, webhookErr.Code)
	assert.Equal(t, 409, webhookErr.Status)
}

func TestIdempotencyGate_ConcurrentDeliveriesComputeOnce(t *testing.T) {
	gate := NewIdempotencyGate(cache.NewMemoryStore(0, time.Hour), 2*time.Second, quietLogger())
	ctx := context.Background()

	var computed int32
	compute := func(context.Context) (StoredResponse, error) {
		atomic.AddInt32(&computed, 1)
		time.Sleep(20 * time.Millisecond)
		return StoredResponse{StatusCode: 200, Body: []byte(`{"code":"PAYMENT_ACCEPTED"}`)}, nil
	}

	const deliveries = 10
	var wg sync.WaitGroup
	results := make([]Resolution, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = gate.Resolve(ctx, "esewa:k6", compute)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&computed))
	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, `{"code":"PAYMENT_ACCEPTED"}`, string(results[i].Response.Body))
		if !results[i].Cached {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestIdempotencyGate_WaiterTakesOverReleasedKey(t *testing.T) {
	store := cache.NewMemoryStore(0, time.Hour)
	gate := NewIdempotencyGate(store, time.Second, quietLogger())
	ctx := context.Background()

	_, err := store.TryReserve(ctx, "esewa:k7")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Release(ctx, "esewa:k7")
	}()

	resolution, err := gate.Resolve(ctx, "esewa:k7", respond(200, `{"code":"PAYMENT_ACCEPTED"}`))
	require.NoError(t, err)
	assert.False(t, resolution.Cached)
	assert.Equal(t, 200, resolution.Response.StatusCode)
}

func TestIdempotencyGate_FailedCompleteDoesNotStrandKey(t *testing.T) {
	store := newFailingStore()
	store.failComplete = 1
	gate := NewIdempotencyGate(store, 30*time.Millisecond, quietLogger())
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (StoredResponse, error) {
		calls++
		return StoredResponse{StatusCode: 200, Body: []byte(`{"code":"PAYMENT_ACCEPTED"}`)}, nil
	}

	first, err := gate.Resolve(ctx, "esewa:k8", compute)
	require.NoError(t, err)
	assert.Equal(t, 200, first.Response.StatusCode)
	assert.Equal(t, 1, store.releases)

	// Redeliveries recompute once, then replay the stored response
	for i := 0; i < 3; i++ {
		redelivery, err := gate.Resolve(ctx, "esewa:k8", compute)
		require.NoError(t, err, "redelivery %d", i)
		assert.Equal(t, 200, redelivery.Response.StatusCode)
		assert.Equal(t, i > 0, redelivery.Cached)
	}
	assert.Equal(t, 2, calls)
}
