package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sewago/payment-webhooks/internal/models"
)

// pendingMarker is stored while a reservation has no completed response
const pendingMarker = "pending"

// releasePendingScript deletes a key only while it still holds the pending marker,
// so a late Release can never wipe a completed response
var releasePendingScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a reservation store shared by every instance of the service.
// TryReserve is a single SET NX with the retention TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store under key prefix with the given retention
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// TryReserve implements services.ReservationStore
func (s *RedisStore) TryReserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), pendingMarker, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve %s: %w", key, err)
	}
	return !ok, nil
}

// Release implements services.ReservationStore
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releasePendingScript.Run(ctx, s.client, []string{s.key(key)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// Lookup implements services.IdempotencyStore
func (s *RedisStore) Lookup(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up %s: %w", key, err)
	}
	if string(raw) == pendingMarker {
		return nil, false, nil
	}

	var record models.IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return &record, true, nil
}

// Complete implements services.IdempotencyStore
func (s *RedisStore) Complete(ctx context.Context, record models.IdempotencyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", record.Key, err)
	}
	if err := s.client.Set(ctx, s.key(record.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record %s: %w", record.Key, err)
	}
	return nil
}
