package genrouter

import (
	"context"
	"time"
)

// Clock abstracts the time source and backoff sleeps so retry schedules
// and cooldown math can be driven without real delays in tests.
type Clock interface {
	Now() time.Time

	// Sleep waits for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemClock returns the real-time Clock used by default.
func SystemClock() Clock { return systemClock{} }
