// Package genrouter routes image and video generation requests across
// multiple external providers. It decides which provider serves each
// request (routing strategies), enforces per-user daily quotas and
// cooldowns (admission control), and recovers from provider failures with
// bounded retries, ordered fallback, and per-provider circuit breakers.
package genrouter

import "time"

// Mode is the kind of media being generated.
type Mode string

const (
	ModeImage Mode = "image"
	ModeVideo Mode = "video"
)

// GenerationRequest describes a single generation request.
type GenerationRequest struct {
	Prompt      string            `json:"prompt"`
	Mode        Mode              `json:"mode"`
	Resolution  string            `json:"resolution,omitempty"`
	AspectRatio string            `json:"aspect_ratio,omitempty"`
	Count       int               `json:"count,omitempty"`
	Params      map[string]string `json:"params,omitempty"`

	// UserID identifies the requester for quota accounting. Supplied by
	// the identity collaborator and trusted as-is.
	UserID string `json:"user_id"`

	// Provider forces a specific provider, skipping strategy scoring.
	// The remaining eligible providers still form the fallback chain.
	Provider string `json:"provider,omitempty"`

	// Strategy overrides the configured default routing strategy.
	Strategy Strategy `json:"strategy,omitempty"`

	// APIKey is an optional caller-supplied credential. When set, the
	// request bypasses quota accounting but not capability filtering.
	APIKey string `json:"-"`
}

// GenerationResult is the outcome of a successfully routed request.
type GenerationResult struct {
	ProviderUsed string        `json:"provider_used"`
	Model        string        `json:"model,omitempty"`
	Artifact     ArtifactRef   `json:"artifact"`
	Cost         float64       `json:"cost,omitempty"`
	Latency      time.Duration `json:"latency"`
	Trace        DecisionTrace `json:"trace"`
}

// DecisionTrace records how a request was routed, for diagnostics. It is
// request-scoped and never persisted.
type DecisionTrace struct {
	RequestID  string             `json:"request_id"`
	Decision   RoutingDecision    `json:"decision"`
	Flagged    bool               `json:"flagged,omitempty"`
	FlagReason string             `json:"flag_reason,omitempty"`
	Attempts   []ExecutionAttempt `json:"attempts"`
}

// AttemptOutcome classifies a single provider attempt.
type AttemptOutcome string

const (
	OutcomeSuccess           AttemptOutcome = "success"
	OutcomeRetryableError    AttemptOutcome = "retryable_error"
	OutcomeNonRetryableError AttemptOutcome = "non_retryable_error"
)

// ExecutionAttempt is one provider call within the execution loop.
type ExecutionAttempt struct {
	Provider string         `json:"provider"`
	Attempt  int            `json:"attempt"`
	Outcome  AttemptOutcome `json:"outcome"`
	Latency  time.Duration  `json:"latency"`
	Error    string         `json:"error,omitempty"`
}
