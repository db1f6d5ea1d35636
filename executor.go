package genrouter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds per-candidate retries. Attempt n failing retryably
// waits Backoff[n-1] before attempt n+1.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy matches the upstream schedule: three attempts per
// candidate with 2s/4s/8s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt-1 < len(p.Backoff) {
		return p.Backoff[attempt-1]
	}
	if len(p.Backoff) == 0 {
		return 0
	}
	return p.Backoff[len(p.Backoff)-1]
}

// Executor walks a routing decision's fallback chain: each candidate gets
// bounded retries on retryable failures, a non-retryable failure aborts
// the candidate immediately, and the first success short-circuits the
// loop. Every outcome feeds the health tracker and the latency average.
type Executor struct {
	registry *Registry
	clients  map[string]Provider
	health   *HealthTracker
	latency  *LatencyTracker
	meter    Meter
	clock    Clock
	retry    RetryPolicy
	fallback bool
}

// execute tries candidates in decision order and returns the first
// success. When every candidate fails terminally it returns an
// ExhaustedFallbackError; with fallback disabled the first candidate's
// terminal failure is wrapped the same way. Context cancellation stops
// retries and fallbacks immediately — already-committed quota is not
// refunded.
func (e *Executor) execute(ctx context.Context, requestID string, req *GenerationRequest, decision RoutingDecision) (ProviderResult, []ExecutionAttempt, error) {
	candidates := append([]string{decision.Provider}, decision.Fallbacks...)

	var attempts []ExecutionAttempt
	perProvider := make(map[string]error)

	for _, id := range candidates {
		result, candAttempts, err := e.tryCandidate(ctx, requestID, req, id)
		attempts = append(attempts, candAttempts...)
		if err == nil {
			return result, attempts, nil
		}
		if ctx.Err() != nil {
			return ProviderResult{}, attempts, ctx.Err()
		}
		perProvider[id] = err
		if !e.fallback {
			break
		}
	}

	return ProviderResult{}, attempts, &ExhaustedFallbackError{Errors: perProvider}
}

// tryCandidate runs one candidate to a terminal outcome: success, a
// non-retryable failure, or exhausted retries.
func (e *Executor) tryCandidate(ctx context.Context, requestID string, req *GenerationRequest, id string) (ProviderResult, []ExecutionAttempt, error) {
	client, ok := e.clients[id]
	if !ok {
		return ProviderResult{}, nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	desc, _ := e.registry.Get(id)

	preq := ProviderRequest{
		Auth:        desc.Auth,
		Prompt:      req.Prompt,
		Mode:        req.Mode,
		Model:       desc.Extra["model"],
		Resolution:  req.Resolution,
		AspectRatio: req.AspectRatio,
		Count:       req.Count,
		Params:      req.Params,
	}

	var attempts []ExecutionAttempt
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		start := e.clock.Now()
		result, err := client.Generate(ctx, preq)
		elapsed := e.clock.Now().Sub(start)

		_ = e.latency.Observe(ctx, id, elapsed)

		if err == nil {
			// Circuit bookkeeping must not void a delivered artifact; a
			// store hiccup here is surfaced on the attempt event instead.
			herr := e.health.RecordSuccess(ctx, id)
			attempts = append(attempts, ExecutionAttempt{
				Provider: id, Attempt: attempt, Outcome: OutcomeSuccess, Latency: elapsed,
			})
			e.meter.OnAttempt(AttemptEvent{
				RequestID: requestID, Provider: id, Attempt: attempt,
				Outcome: OutcomeSuccess, Latency: elapsed, Err: herr,
			})
			return result, attempts, nil
		}

		if ctx.Err() != nil {
			// Cancelled mid-flight: stop without retrying.
			return ProviderResult{}, attempts, ctx.Err()
		}

		var pe *ProviderError
		if !errors.As(err, &pe) {
			pe = ClassifyError(id, 0, err)
		}
		lastErr = pe

		outcome := OutcomeNonRetryableError
		if pe.Kind == ErrorRetryable {
			outcome = OutcomeRetryableError
		}
		attempts = append(attempts, ExecutionAttempt{
			Provider: id, Attempt: attempt, Outcome: outcome,
			Latency: elapsed, Error: pe.Err.Error(),
		})
		e.meter.OnAttempt(AttemptEvent{
			RequestID: requestID, Provider: id, Attempt: attempt,
			Outcome: outcome, Latency: elapsed, Err: pe,
		})

		if herr := e.health.RecordFailure(ctx, id); herr != nil {
			return ProviderResult{}, attempts, herr
		}

		if pe.Kind != ErrorRetryable {
			break
		}
		if attempt < e.retry.MaxAttempts {
			if serr := e.clock.Sleep(ctx, e.retry.delay(attempt)); serr != nil {
				return ProviderResult{}, attempts, serr
			}
		}
	}

	return ProviderResult{}, attempts, lastErr
}
