package genrouter

import "time"

// Meter observes routing and execution events for monitoring/logging.
// The engine never logs directly; it emits events here.
type Meter interface {
	// OnRoute is called once per admitted request, after the routing
	// decision is made.
	OnRoute(event RouteEvent)

	// OnAttempt is called after every provider attempt, including
	// retries.
	OnAttempt(event AttemptEvent)

	// OnResult is called once per request with the terminal outcome.
	OnResult(event ResultEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID string
	User      string
	Mode      Mode
	Strategy  Strategy
	Provider  string
	Fallbacks []string
}

// AttemptEvent describes a single provider attempt.
type AttemptEvent struct {
	RequestID string
	Provider  string
	Attempt   int
	Outcome   AttemptOutcome
	Latency   time.Duration
	Err       error
}

// ResultEvent describes the terminal outcome of a request.
type ResultEvent struct {
	RequestID string
	User      string
	Mode      Mode
	Provider  string
	Success   bool
	Latency   time.Duration
	Cost      float64
	Err       error
}

// noopMeter is the default when no meter is injected.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)     {}
func (noopMeter) OnAttempt(AttemptEvent) {}
func (noopMeter) OnResult(ResultEvent)   {}
