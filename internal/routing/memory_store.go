package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

const defaultMemoryStoreCapacity = 100_000

// MemoryStore is a bounded in-memory session store with TTL eviction.
// Suitable for single-replica deployments.
type MemoryStore struct {
	cache otter.CacheWithVariableTTL[string, SessionState]
	ttl   time.Duration
}

// NewMemoryStore builds a store whose entries expire ttl after last write.
func NewMemoryStore(ttl time.Duration) (*MemoryStore, error) {
	return NewMemoryStoreWithCapacity(ttl, defaultMemoryStoreCapacity)
}

// NewMemoryStoreWithCapacity bounds the store at capacity entries; the
// least recently written sessions are evicted first once full.
func NewMemoryStoreWithCapacity(ttl time.Duration, capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = defaultMemoryStoreCapacity
	}
	cache, err := otter.MustBuilder[string, SessionState](capacity).
		Cost(func(_ string, _ SessionState) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("sessions: build cache: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStore{cache: cache, ttl: ttl}, nil
}

// Close releases the cache.
func (m *MemoryStore) Close() {
	m.cache.Close()
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (SessionState, bool, error) {
	state, ok := m.cache.Get(sessionID)
	return state, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, state SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("sessions: empty session id")
	}
	m.cache.Set(state.SessionID, state, m.ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.cache.Delete(sessionID)
	return nil
}
