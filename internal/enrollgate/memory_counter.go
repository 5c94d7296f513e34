package enrollgate

import (
	"context"
	"sync"
	"time"
)

// InMemoryCounterStore keeps the counter record in process memory.
// Used for tests and single-instance development runs.
type InMemoryCounterStore struct {
	mu          sync.Mutex
	count       int
	limit       int
	lastUpdated time.Time
}

func NewInMemoryCounterStore(defaultLimit int) *InMemoryCounterStore {
	if defaultLimit < 0 {
		defaultLimit = 0
	}
	return &InMemoryCounterStore{
		limit:       defaultLimit,
		lastUpdated: time.Now().UTC(),
	}
}

func (s *InMemoryCounterStore) ReadCountAndLimit(ctx context.Context) (CounterSnapshot, error) {
	if s == nil {
		return CounterSnapshot{}, ErrStoreUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return CounterSnapshot{Count: s.count, Limit: s.limit, LastUpdated: s.lastUpdated}, nil
}

func (s *InMemoryCounterStore) Increment(ctx context.Context) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.lastUpdated = time.Now().UTC()
	return nil
}

func (s *InMemoryCounterStore) Decrement(ctx context.Context) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
	}
	s.lastUpdated = time.Now().UTC()
	return nil
}

func (s *InMemoryCounterStore) UpdateLimit(ctx context.Context, newLimit int) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	if newLimit < 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = newLimit
	s.lastUpdated = time.Now().UTC()
	return nil
}

func (s *InMemoryCounterStore) Close() error {
	return nil
}
