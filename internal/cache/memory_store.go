package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sewago/payment-webhooks/internal/models"
)

// memoryEntry is a reservation, completed once record is set
type memoryEntry struct {
	record *models.IdempotencyRecord
}

// MemoryStore is a bounded in-process reservation store with per-entry TTL.
// A full store refuses new reservations instead of evicting live ones, so a
// flood of deliveries can never make a seen transaction id forgettable.
type MemoryStore struct {
	mu         sync.Mutex
	entries    *expirable.LRU[string, *memoryEntry]
	maxEntries int
}

// NewMemoryStore creates a store whose entries live for ttl
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		// size 0 disables LRU eviction; capacity is enforced in TryReserve
		entries:    expirable.NewLRU[string, *memoryEntry](0, nil, ttl),
		maxEntries: maxEntries,
	}
}

// TryReserve implements services.ReservationStore
func (s *MemoryStore) TryReserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries.Get(key); ok {
		return true, nil
	}
	// Len also counts expired entries awaiting the background purge; Keys does not
	if s.maxEntries > 0 && s.entries.Len() >= s.maxEntries && len(s.entries.Keys()) >= s.maxEntries {
		return false, models.ErrStoreFull
	}

	s.entries.Add(key, &memoryEntry{})
	return false, nil
}

// Release implements services.ReservationStore. Completed records are kept.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries.Peek(key); ok && entry.record == nil {
		s.entries.Remove(key)
	}
	return nil
}

// Lookup implements services.IdempotencyStore
func (s *MemoryStore) Lookup(_ context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries.Peek(key)
	if !ok || entry.record == nil {
		return nil, false, nil
	}
	record := *entry.record
	return &record, true, nil
}

// Complete implements services.IdempotencyStore
func (s *MemoryStore) Complete(_ context.Context, record models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := make([]byte, len(record.Body))
	copy(body, record.Body)
	record.Body = body

	s.entries.Add(record.Key, &memoryEntry{record: &record})
	return nil
}

// Len returns the number of live entries
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}
