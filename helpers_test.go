package genrouter_test

import (
	"context"
	"sync"
	"time"

	"github.com/mediaforge/genrouter"
)

// fakeClock is a manually advanced Clock. Sleep records the requested
// duration and advances time immediately, so backoff schedules can be
// asserted without real delays.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

var _ genrouter.Clock = (*fakeClock)(nil)

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func imageDescriptor(id string, priority int) genrouter.Descriptor {
	return genrouter.Descriptor{
		ID:           id,
		Capabilities: []genrouter.Mode{genrouter.ModeImage},
		CostPerUnit:  map[genrouter.Mode]float64{genrouter.ModeImage: 0.05},
		QualityScore: 5,
		Enabled:      true,
		Priority:     priority,
		LatencySecs:  5,
	}
}

func retryableErr(msg string) error {
	return &genrouter.ProviderError{Kind: genrouter.ErrorRetryable, Status: 503, Err: errString(msg)}
}

func nonRetryableErr(msg string) error {
	return &genrouter.ProviderError{Kind: genrouter.ErrorNonRetryable, Status: 400, Err: errString(msg)}
}

type errString string

func (e errString) Error() string { return string(e) }
