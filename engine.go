package genrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// rrCursorKey is the shared round-robin cursor, advanced once per
// admitted request regardless of the strategy in effect.
const rrCursorKey = "strategy:rr:cursor"

// Engine is the provider routing and admission control engine. It wires
// the registry, health tracker, strategy selection, admission controller,
// and execution loop behind a single entrypoint, RouteAndExecute.
type Engine struct {
	cfg       Config
	registry  *Registry
	clients   map[string]Provider
	store     CounterStore
	admission *AdmissionController
	health    *HealthTracker
	latency   *LatencyTracker
	moderator Moderator
	artifacts ArtifactStore
	meter     Meter
	clock     Clock
	executor  *Executor
}

// Option configures an Engine.
type Option func(*Engine)

// WithCounterStore sets the shared counter store. Multi-instance
// deployments must inject counter/redis or counter/postgres; the default
// in-memory store is only coherent within one process.
func WithCounterStore(s CounterStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithModerator sets the content moderation collaborator.
func WithModerator(m Moderator) Option {
	return func(e *Engine) { e.moderator = m }
}

// WithArtifactStore sets the artifact storage collaborator.
func WithArtifactStore(s ArtifactStore) Option {
	return func(e *Engine) { e.artifacts = s }
}

// WithMeter sets the event observer.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithClock sets the time source used for backoff, cooldowns, and
// breaker timing. Tests inject a fake to simulate elapsed time.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an Engine with the given config and provider clients.
// Defaults (in-memory counter store, noop meter, allow-all moderator,
// system clock, no artifact store) apply unless overridden via options.
func New(cfg Config, clients []Provider, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, &ConfigurationError{Field: "clients", Detail: "at least one provider client is required"}
	}

	clientMap := make(map[string]Provider, len(clients))
	for _, c := range clients {
		clientMap[c.Name()] = c
	}

	e := &Engine{
		cfg:     cfg,
		clients: clientMap,
	}
	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.store == nil {
		e.store = NewMemoryCounterStore()
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.moderator == nil {
		e.moderator = noopModerator{}
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}

	e.registry = NewRegistry(cfg.Providers)
	e.health = NewHealthTracker(e.store, cfg.Breaker.FailureThreshold, cfg.Breaker.OpenCooldown(), e.clock)
	e.latency = NewLatencyTracker(e.store)
	e.admission = NewAdmissionController(e.store, cfg.Admission, e.clock)
	e.executor = &Executor{
		registry: e.registry,
		clients:  clientMap,
		health:   e.health,
		latency:  e.latency,
		meter:    e.meter,
		clock:    e.clock,
		retry:    cfg.Retry.Policy(),
		fallback: !cfg.DisableFallback,
	}

	return e, nil
}

// Registry exposes the provider table (for listing and config reload).
func (e *Engine) Registry() *Registry { return e.registry }

// Admission exposes the admission controller (for quota status and
// refunds).
func (e *Engine) Admission() *AdmissionController { return e.admission }

// Health exposes the circuit tracker (for admin snapshots and resets).
func (e *Engine) Health() *HealthTracker { return e.health }

// RouteAndExecute runs the full pipeline for one request: moderation,
// admission, eligibility filtering, strategy selection, and the
// fallback/retry execution loop, then files the artifact.
func (e *Engine) RouteAndExecute(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	requestID := uuid.New().String()
	if req.Mode == "" {
		req.Mode = ModeImage
	}
	count := int64(req.Count)
	if count <= 0 {
		count = 1
	}

	trace := DecisionTrace{RequestID: requestID}

	// Moderation runs before admission so a blocked prompt never
	// touches the ledger.
	mod, err := e.moderator.Check(ctx, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("genrouter: moderation check: %w", err)
	}
	switch mod.Verdict {
	case VerdictBlock:
		return nil, fmt.Errorf("%w: %s", ErrPromptBlocked, mod.Reason)
	case VerdictFlag:
		trace.Flagged = true
		trace.FlagReason = mod.Reason
	}

	// A caller-supplied credential bypasses the quota ledger entirely
	// but still goes through capability filtering and routing.
	if req.APIKey == "" {
		if err := e.admission.Admit(ctx, req.UserID, req.Mode, count); err != nil {
			return nil, err
		}
	}

	candidates, err := e.eligibleCandidates(ctx, &req)
	if err != nil {
		return nil, err
	}

	// The shared cursor advances once per admitted request no matter
	// which strategy runs, keeping round-robin fair across strategies
	// and across processes.
	cursor, err := e.store.IncrBy(ctx, rrCursorKey, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("genrouter: advance cursor: %w", err)
	}

	decision, err := e.decide(&req, candidates, uint64(cursor-1))
	if err != nil {
		return nil, err
	}
	trace.Decision = decision

	e.meter.OnRoute(RouteEvent{
		RequestID: requestID,
		User:      req.UserID,
		Mode:      req.Mode,
		Strategy:  decision.Strategy,
		Provider:  decision.Provider,
		Fallbacks: decision.Fallbacks,
	})

	start := e.clock.Now()
	result, attempts, err := e.executor.execute(ctx, requestID, &req, decision)
	elapsed := e.clock.Now().Sub(start)
	trace.Attempts = attempts

	if err != nil {
		e.meter.OnResult(ResultEvent{
			RequestID: requestID, User: req.UserID, Mode: req.Mode,
			Latency: elapsed, Err: err,
		})
		return nil, err
	}

	used := attempts[len(attempts)-1].Provider

	ref := ArtifactRef{URL: result.URL}
	if e.artifacts != nil && len(result.Data) > 0 {
		ref, err = e.artifacts.Put(ctx, Artifact{
			Data:        result.Data,
			ContentType: result.ContentType,
			UserID:      req.UserID,
			RequestID:   requestID,
			Mode:        req.Mode,
		})
		if err != nil {
			return nil, fmt.Errorf("genrouter: store artifact: %w", err)
		}
	}

	cost := result.Cost
	if cost == 0 {
		if desc, ok := e.registry.Get(used); ok {
			cost = desc.Cost(req.Mode, req.Resolution) * float64(count)
		}
	}

	e.meter.OnResult(ResultEvent{
		RequestID: requestID, User: req.UserID, Mode: req.Mode,
		Provider: used, Success: true, Latency: elapsed, Cost: cost,
	})

	return &GenerationResult{
		ProviderUsed: used,
		Model:        result.Model,
		Artifact:     ref,
		Cost:         cost,
		Latency:      elapsed,
		Trace:        trace,
	}, nil
}

// eligibleCandidates intersects the registry's capability filter with the
// circuit tracker. An open circuit whose cooldown has elapsed claims the
// current request as its half-open trial, and the probed provider becomes
// the request's sole candidate; otherwise closed providers route normally.
// With every circuit open and no probe due, the request is rejected rather
// than forced through a failing fleet.
func (e *Engine) eligibleCandidates(ctx context.Context, req *GenerationRequest) ([]Candidate, error) {
	descs := e.registry.ListEligible(req.Mode, req.Resolution)
	if len(descs) == 0 {
		return nil, ErrNoEligibleProvider
	}

	var closed []Candidate
	var open []Descriptor
	for _, d := range descs {
		routable, err := e.health.Routable(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if routable {
			closed = append(closed, e.candidate(ctx, d))
		} else {
			open = append(open, d)
		}
	}

	for _, d := range open {
		won, err := e.health.TryProbe(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if won {
			return []Candidate{e.candidate(ctx, d)}, nil
		}
	}

	if len(closed) > 0 {
		return closed, nil
	}
	return nil, e.allOpenErr(ctx, open)
}

// allOpenErr reports rejection with the time until the nearest probe, so
// callers know when a retry can possibly succeed.
func (e *Engine) allOpenErr(ctx context.Context, open []Descriptor) error {
	now := e.clock.Now()
	var nearest time.Duration
	for _, d := range open {
		rec, err := e.health.Snapshot(ctx, d.ID)
		if err != nil || rec.NextProbeAt.IsZero() {
			continue
		}
		wait := rec.NextProbeAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		if nearest == 0 || wait < nearest {
			nearest = wait
		}
	}
	if nearest > 0 {
		return fmt.Errorf("%w: all circuits open, next probe in %s", ErrNoEligibleProvider, nearest)
	}
	return ErrNoEligibleProvider
}

func (e *Engine) candidate(ctx context.Context, d Descriptor) Candidate {
	avg, err := e.latency.Average(ctx, d.ID, d.LatencyEstimate())
	if err != nil {
		avg = d.LatencyEstimate()
	}
	return Candidate{Descriptor: d, AvgLatency: avg}
}

// decide applies the per-request overrides: an explicit provider beats an
// explicit strategy, which beats the configured default.
func (e *Engine) decide(req *GenerationRequest, candidates []Candidate, cursor uint64) (RoutingDecision, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	if strategy == "" {
		strategy = StrategyPriority
	}

	if req.Provider != "" {
		var rest []Candidate
		found := false
		for _, c := range candidates {
			if c.ID == req.Provider {
				found = true
			} else {
				rest = append(rest, c)
			}
		}
		if !found {
			return RoutingDecision{}, fmt.Errorf("%w: %s", ErrNoEligibleProvider, req.Provider)
		}
		if _, ok := strategies[strategy]; !ok {
			return RoutingDecision{}, &ConfigurationError{Field: "strategy", Detail: "unknown strategy " + string(strategy)}
		}
		return userSpecifiedDecision(req, req.Provider, rest, strategy, cursor), nil
	}

	return Decide(strategy, req, candidates, cursor)
}
