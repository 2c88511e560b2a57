package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisStore_TryReserve(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, "replay", 24*time.Hour)

	reserved, err := store.TryReserve(ctx, "txn:T1")
	require.NoError(t, err)
	assert.False(t, reserved)

	reserved, err = store.TryReserve(ctx, "txn:T1")
	require.NoError(t, err)
	assert.True(t, reserved)

	assert.True(t, mr.Exists("replay:txn:T1"))
	assert.Equal(t, 24*time.Hour, mr.TTL("replay:txn:T1"))
}

func TestRedisStore_ReservationExpires(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, "replay", time.Hour)

	_, err := store.TryReserve(ctx, "txn:T1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	reserved, err := store.TryReserve(ctx, "txn:T1")
	require.NoError(t, err)
	assert.False(t, reserved)
}

func TestRedisStore_ConcurrentReserveHasOneWinner(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, "replay", time.Hour)

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, err := store.TryReserve(ctx, "txn:race")
			if err == nil && !reserved {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestRedisStore_CompleteLookupRelease(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, "idem", time.Hour)

	_, err := store.TryReserve(ctx, "khalti:K1")
	require.NoError(t, err)

	_, found, err := store.Lookup(ctx, "khalti:K1")
	require.NoError(t, err)
	assert.False(t, found)

	body := []byte(`{"code":"AMOUNT_MISMATCH","message":"Payment amount mismatch"}`)
	require.NoError(t, store.Complete(ctx, models.IdempotencyRecord{
		Key:        "khalti:K1",
		StatusCode: 400,
		Body:       body,
		CreatedAt:  time.Now(),
	}))

	record, found, err := store.Lookup(ctx, "khalti:K1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 400, record.StatusCode)
	assert.Equal(t, body, record.Body)

	// A completed record survives Release
	require.NoError(t, store.Release(ctx, "khalti:K1"))
	_, found, err = store.Lookup(ctx, "khalti:K1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRedisStore_ReleasePending(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, "idem", time.Hour)

	_, err := store.TryReserve(ctx, "esewa:K2")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "esewa:K2"))
	assert.False(t, mr.Exists("idem:esewa:K2"))

	// Releasing an absent key is a no-op
	require.NoError(t, store.Release(ctx, "esewa:missing"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, "replay", time.Hour)
	mr.Close()

	_, err := store.TryReserve(context.Background(), "txn:T1")
	assert.Error(t, err)
}

func TestRedisVelocityCounter(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	counter := NewRedisVelocityCounter(client, 2, time.Minute)
	base := time.Now()
	tick := 0
	counter.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	exceeded, err := counter.Hit(ctx, "esewa:203.0.113.7")
	require.NoError(t, err)
	assert.False(t, exceeded)

	exceeded, err = counter.Hit(ctx, "esewa:203.0.113.7")
	require.NoError(t, err)
	assert.False(t, exceeded)

	exceeded, err = counter.Hit(ctx, "esewa:203.0.113.7")
	require.NoError(t, err)
	assert.True(t, exceeded)

	// Outside the window the burst is forgotten
	base = base.Add(2 * time.Minute)
	exceeded, err = counter.Hit(ctx, "esewa:203.0.113.7")
	require.NoError(t, err)
	assert.False(t, exceeded)
}
