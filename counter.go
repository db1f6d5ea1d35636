package genrouter

import (
	"context"
	"sync"
	"time"
)

// CounterStore is the shared atomic counter store backing quota counters,
// cooldown timestamps, the round-robin cursor, and circuit-breaker state.
// It must be reachable from every serving process: in multi-instance
// deployments use the redis or postgres implementation, never per-process
// memory.
//
// Values are int64; timestamps are stored as unix seconds. A ttl of zero
// means no expiry.
type CounterStore interface {
	// Get returns the current value and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)

	// IncrBy atomically adds delta to the key, creating it at zero if
	// absent, and returns the new value. The ttl is applied on creation.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap atomically replaces old with new. A missing key
	// compares equal to zero. Returns false if the current value differs.
	CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error)

	// SetIfAbsent stores value only if the key does not exist.
	SetIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)

	// Set unconditionally stores value.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Delete removes the key.
	Delete(ctx context.Context, key string) error
}

// MemoryCounterStore is an in-process CounterStore with expiry. It is the
// default for single-instance setups and tests; clustered deployments
// must inject counter/redis or counter/postgres instead.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	value     int64
	expiresAt time.Time // zero = no expiry
}

var _ CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore creates an empty in-process counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// SetNowFunc overrides the store's time source. Used by tests to simulate
// expiry without sleeping.
func (s *MemoryCounterStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live returns the entry for key, pruning it first if expired. Must be
// called with the lock held.
func (s *MemoryCounterStore) live(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryCounterStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryCounterStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		e = &memEntry{expiresAt: s.expiry(ttl)}
		s.entries[key] = e
	}
	e.value += delta
	return e.value, nil
}

func (s *MemoryCounterStore) CompareAndSwap(_ context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	current := int64(0)
	if ok {
		current = e.value
	}
	if current != old {
		return false, nil
	}
	if !ok {
		e = &memEntry{expiresAt: s.expiry(ttl)}
		s.entries[key] = e
	}
	e.value = new
	return true, nil
}

func (s *MemoryCounterStore) SetIfAbsent(_ context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = &memEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryCounterStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}
