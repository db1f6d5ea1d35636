package genrouter

import (
	"context"
	"time"
)

// HealthState is the circuit-breaker state of a provider.
type HealthState int64

const (
	StateClosed   HealthState = 0 // healthy, routable
	StateOpen     HealthState = 1 // failing, removed from rotation
	StateHalfOpen HealthState = 2 // one trial request in flight
)

func (s HealthState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// HealthRecord is a point-in-time snapshot of one provider's circuit.
type HealthRecord struct {
	Provider            string      `json:"provider"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int64       `json:"consecutive_failures"`
	OpenedAt            time.Time   `json:"opened_at,omitempty"`
	NextProbeAt         time.Time   `json:"next_probe_at,omitempty"`
}

// HealthTracker is the per-provider failure state machine. All state
// lives in the shared counter store so every process instance observes
// the same circuit, and every transition is a CAS so concurrent callers
// cannot race a check-then-act sequence.
//
// Closed → Open after threshold consecutive failures; Open → HalfOpen
// after the cooldown, with exactly one caller winning the trial request;
// HalfOpen → Closed on success, back to Open on failure.
type HealthTracker struct {
	store     CounterStore
	clock     Clock
	threshold int64
	cooldown  time.Duration
	prefix    string
}

// NewHealthTracker creates a tracker over the given store. threshold is
// the consecutive-failure count that opens the circuit; cooldown is how
// long it stays open before a half-open probe is allowed.
func NewHealthTracker(store CounterStore, threshold int, cooldown time.Duration, clock Clock) *HealthTracker {
	if clock == nil {
		clock = SystemClock()
	}
	return &HealthTracker{
		store:     store,
		clock:     clock,
		threshold: int64(threshold),
		cooldown:  cooldown,
		prefix:    "health:",
	}
}

func (h *HealthTracker) stateKey(id string) string    { return h.prefix + id + ":state" }
func (h *HealthTracker) failuresKey(id string) string { return h.prefix + id + ":failures" }
func (h *HealthTracker) openedKey(id string) string   { return h.prefix + id + ":opened_at" }

// State returns the provider's raw circuit state.
func (h *HealthTracker) State(ctx context.Context, id string) (HealthState, error) {
	v, _, err := h.store.Get(ctx, h.stateKey(id))
	if err != nil {
		return StateClosed, err
	}
	return HealthState(v), nil
}

// Routable reports whether the provider may serve normal traffic.
// HalfOpen is not routable: the single probe is granted via TryProbe.
func (h *HealthTracker) Routable(ctx context.Context, id string) (bool, error) {
	st, err := h.State(ctx, id)
	if err != nil {
		return false, err
	}
	return st == StateClosed, nil
}

// TryProbe attempts to claim the single half-open trial for an Open
// provider whose cooldown has elapsed. The CAS guarantees exactly one
// concurrent caller wins; everyone else keeps treating the provider as
// not routable until the probe resolves.
func (h *HealthTracker) TryProbe(ctx context.Context, id string) (bool, error) {
	st, err := h.State(ctx, id)
	if err != nil || st != StateOpen {
		return false, err
	}
	openedAt, _, err := h.store.Get(ctx, h.openedKey(id))
	if err != nil {
		return false, err
	}
	if h.clock.Now().Unix() < openedAt+int64(h.cooldown/time.Second) {
		return false, nil
	}
	return h.store.CompareAndSwap(ctx, h.stateKey(id), int64(StateOpen), int64(StateHalfOpen), 0)
}

// RecordSuccess resets the failure counter and, for a half-open probe,
// closes the circuit.
func (h *HealthTracker) RecordSuccess(ctx context.Context, id string) error {
	st, err := h.State(ctx, id)
	if err != nil {
		return err
	}
	if st == StateHalfOpen {
		if _, err := h.store.CompareAndSwap(ctx, h.stateKey(id), int64(StateHalfOpen), int64(StateClosed), 0); err != nil {
			return err
		}
		if err := h.store.Delete(ctx, h.openedKey(id)); err != nil {
			return err
		}
	}
	return h.store.Set(ctx, h.failuresKey(id), 0, 0)
}

// RecordFailure bumps the consecutive-failure counter and opens the
// circuit when the threshold is reached, or reopens it after a failed
// half-open probe.
func (h *HealthTracker) RecordFailure(ctx context.Context, id string) error {
	failures, err := h.store.IncrBy(ctx, h.failuresKey(id), 1, 0)
	if err != nil {
		return err
	}
	st, err := h.State(ctx, id)
	if err != nil {
		return err
	}

	// opened_at is written before the state swap in both transitions, so
	// a concurrent TryProbe can never observe Open without a cooldown
	// start and claim an immediate probe.
	switch {
	case st == StateHalfOpen:
		// Probe failed: restart the cooldown, then reopen.
		if err := h.store.Set(ctx, h.openedKey(id), h.clock.Now().Unix(), 0); err != nil {
			return err
		}
		_, err := h.store.CompareAndSwap(ctx, h.stateKey(id), int64(StateHalfOpen), int64(StateOpen), 0)
		return err

	case st == StateClosed && failures >= h.threshold:
		if err := h.store.Set(ctx, h.openedKey(id), h.clock.Now().Unix(), 0); err != nil {
			return err
		}
		// A lost swap means a concurrent caller opened the circuit; its
		// cooldown start is as good as ours.
		if _, err := h.store.CompareAndSwap(ctx, h.stateKey(id), int64(StateClosed), int64(StateOpen), 0); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the provider's current health record.
func (h *HealthTracker) Snapshot(ctx context.Context, id string) (HealthRecord, error) {
	st, err := h.State(ctx, id)
	if err != nil {
		return HealthRecord{}, err
	}
	failures, _, err := h.store.Get(ctx, h.failuresKey(id))
	if err != nil {
		return HealthRecord{}, err
	}
	rec := HealthRecord{Provider: id, State: st, ConsecutiveFailures: failures}
	if st != StateClosed {
		openedAt, ok, err := h.store.Get(ctx, h.openedKey(id))
		if err != nil {
			return HealthRecord{}, err
		}
		if ok {
			rec.OpenedAt = time.Unix(openedAt, 0).UTC()
			rec.NextProbeAt = rec.OpenedAt.Add(h.cooldown)
		}
	}
	return rec, nil
}

// Reset force-closes the circuit. Admin operation only.
func (h *HealthTracker) Reset(ctx context.Context, id string) error {
	if err := h.store.Set(ctx, h.stateKey(id), int64(StateClosed), 0); err != nil {
		return err
	}
	if err := h.store.Set(ctx, h.failuresKey(id), 0, 0); err != nil {
		return err
	}
	return h.store.Delete(ctx, h.openedKey(id))
}
