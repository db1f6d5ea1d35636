package genrouter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/genrouter"
)

func newTestHealth(t *testing.T) (*genrouter.HealthTracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := genrouter.NewMemoryCounterStore()
	return genrouter.NewHealthTracker(store, 5, 60*time.Second, clock), clock
}

func TestHealth_OpensAtThreshold(t *testing.T) {
	h, _ := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
		routable, err := h.Routable(ctx, "p")
		require.NoError(t, err)
		assert.True(t, routable, "still closed after %d failures", i+1)
	}

	require.NoError(t, h.RecordFailure(ctx, "p"))
	st, err := h.State(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateOpen, st)

	routable, err := h.Routable(ctx, "p")
	require.NoError(t, err)
	assert.False(t, routable)
}

func TestHealth_SuccessResetsFailureCount(t *testing.T) {
	h, _ := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	require.NoError(t, h.RecordSuccess(ctx, "p"))

	// The streak restarts: four more failures still leave it closed.
	for i := 0; i < 4; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	st, err := h.State(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateClosed, st)
}

func TestHealth_ProbeAfterCooldown(t *testing.T) {
	h, clock := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}

	// Before the cooldown elapses no probe is granted.
	won, err := h.TryProbe(ctx, "p")
	require.NoError(t, err)
	assert.False(t, won)

	clock.Advance(60 * time.Second)
	won, err = h.TryProbe(ctx, "p")
	require.NoError(t, err)
	assert.True(t, won)

	st, err := h.State(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateHalfOpen, st)

	// Half-open still does not serve normal traffic.
	routable, err := h.Routable(ctx, "p")
	require.NoError(t, err)
	assert.False(t, routable)
}

func TestHealth_SingleProbeWinner(t *testing.T) {
	h, clock := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	clock.Advance(60 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.TryProbe(ctx, "p")
			if err != nil {
				t.Error(err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestHealth_ProbeSuccessCloses(t *testing.T) {
	h, clock := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	clock.Advance(60 * time.Second)

	won, err := h.TryProbe(ctx, "p")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, h.RecordSuccess(ctx, "p"))

	st, err := h.State(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateClosed, st)

	rec, err := h.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestHealth_ProbeFailureReopens(t *testing.T) {
	h, clock := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	clock.Advance(60 * time.Second)

	won, err := h.TryProbe(ctx, "p")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, h.RecordFailure(ctx, "p"))

	st, err := h.State(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateOpen, st)

	// The failed probe restarts the cooldown from now.
	won, err = h.TryProbe(ctx, "p")
	require.NoError(t, err)
	assert.False(t, won)

	clock.Advance(60 * time.Second)
	won, err = h.TryProbe(ctx, "p")
	require.NoError(t, err)
	assert.True(t, won)
}

// casHookStore runs a callback after every successful CompareAndSwap,
// letting a test interleave a concurrent reader at the exact moment of a
// state transition.
type casHookStore struct {
	genrouter.CounterStore
	onSwap func(key string, old, new int64)
}

func (s *casHookStore) CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	swapped, err := s.CounterStore.CompareAndSwap(ctx, key, old, new, ttl)
	if swapped && s.onSwap != nil {
		s.onSwap(key, old, new)
	}
	return swapped, err
}

func TestHealth_ProbeNeverClaimableAtOpenTransition(t *testing.T) {
	// A reader landing right after the Closed→Open swap must already see
	// the cooldown start; otherwise it would claim an immediate probe.
	clock := newFakeClock()
	store := &casHookStore{CounterStore: genrouter.NewMemoryCounterStore()}
	h := genrouter.NewHealthTracker(store, 5, 60*time.Second, clock)
	ctx := context.Background()

	var won bool
	var probeErr error
	store.onSwap = func(key string, old, new int64) {
		if old == int64(genrouter.StateClosed) && new == int64(genrouter.StateOpen) {
			store.onSwap = nil
			won, probeErr = h.TryProbe(ctx, "p")
		}
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}

	require.NoError(t, probeErr)
	assert.False(t, won, "the cooldown starts no later than the circuit opens")

	rec, err := h.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateOpen, rec.State)
	assert.Equal(t, clock.Now().Add(60*time.Second), rec.NextProbeAt)
}

func TestHealth_ProbeNeverClaimableAtReopenTransition(t *testing.T) {
	// Same interleaving after a failed half-open probe: the restarted
	// cooldown must be visible before the circuit reads as Open again.
	clock := newFakeClock()
	store := &casHookStore{CounterStore: genrouter.NewMemoryCounterStore()}
	h := genrouter.NewHealthTracker(store, 5, 60*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	clock.Advance(60 * time.Second)
	won, err := h.TryProbe(ctx, "p")
	require.NoError(t, err)
	require.True(t, won)

	var raced bool
	var probeErr error
	store.onSwap = func(key string, old, new int64) {
		if old == int64(genrouter.StateHalfOpen) && new == int64(genrouter.StateOpen) {
			store.onSwap = nil
			raced, probeErr = h.TryProbe(ctx, "p")
		}
	}

	require.NoError(t, h.RecordFailure(ctx, "p"))
	require.NoError(t, probeErr)
	assert.False(t, raced, "a failed probe restarts the cooldown before reopening")
}

func TestHealth_Reset(t *testing.T) {
	h, _ := newTestHealth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}
	require.NoError(t, h.Reset(ctx, "p"))

	rec, err := h.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateClosed, rec.State)
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestHealth_Snapshot(t *testing.T) {
	h, clock := newTestHealth(t)
	ctx := context.Background()

	openedAt := clock.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordFailure(ctx, "p"))
	}

	rec, err := h.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, genrouter.StateOpen, rec.State)
	assert.Equal(t, int64(5), rec.ConsecutiveFailures)
	assert.Equal(t, openedAt.Truncate(time.Second), rec.OpenedAt)
	assert.Equal(t, openedAt.Truncate(time.Second).Add(60*time.Second), rec.NextProbeAt)
}
