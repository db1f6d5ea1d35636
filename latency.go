package genrouter

import (
	"context"
	"time"
)

// latencyAlphaDivisor controls the decaying average: each observation
// moves the stored value 1/5 of the way toward the sample.
const latencyAlphaDivisor = 5

// LatencyTracker maintains a per-provider decaying latency average in the
// shared counter store (milliseconds), feeding the speed strategy. The
// execution engine updates it after every attempt.
type LatencyTracker struct {
	store  CounterStore
	prefix string
}

// NewLatencyTracker creates a tracker over the given store.
func NewLatencyTracker(store CounterStore) *LatencyTracker {
	return &LatencyTracker{store: store, prefix: "latency:"}
}

func (l *LatencyTracker) key(id string) string { return l.prefix + id }

// Observe folds a latency sample into the provider's decaying average.
// A CAS loop keeps concurrent observers from losing updates.
func (l *LatencyTracker) Observe(ctx context.Context, id string, sample time.Duration) error {
	ms := sample.Milliseconds()
	for i := 0; i < 10; i++ {
		old, ok, err := l.store.Get(ctx, l.key(id))
		if err != nil {
			return err
		}
		next := ms
		if ok {
			next = old + (ms-old)/latencyAlphaDivisor
		}
		swapped, err := l.store.CompareAndSwap(ctx, l.key(id), old, next, 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	// Contended past all retries: drop the sample, the average is advisory.
	return nil
}

// Average returns the current decaying average, or fallback when the
// provider has no observations yet.
func (l *LatencyTracker) Average(ctx context.Context, id string, fallback time.Duration) (time.Duration, error) {
	ms, ok, err := l.store.Get(ctx, l.key(id))
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}
