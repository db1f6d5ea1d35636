// Package mock provides a scriptable generation provider for testing.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediaforge/genrouter"
)

// Provider is a mock generation provider. Outcomes can be scripted per
// call: the N-th Generate returns the N-th scripted error (nil meaning
// success); past the script everything succeeds.
type Provider struct {
	name      string
	latency   time.Duration
	result    genrouter.ProviderResult
	staticErr error
	callCount atomic.Int64

	mu      sync.Mutex
	outcome []error
}

var _ genrouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		result: genrouter.ProviderResult{
			Data:        []byte("mock-image-bytes"),
			ContentType: "image/png",
			Model:       "mock-model",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithResult sets the result returned on success.
func WithResult(r genrouter.ProviderResult) Option {
	return func(p *Provider) { p.result = r }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithOutcomes scripts the first len(errs) calls; a nil entry succeeds.
func WithOutcomes(errs ...error) Option {
	return func(p *Provider) { p.outcome = errs }
}

func (p *Provider) Name() string { return p.name }

// Calls returns how many times Generate has been invoked.
func (p *Provider) Calls() int64 { return p.callCount.Load() }

func (p *Provider) Generate(ctx context.Context, req genrouter.ProviderRequest) (genrouter.ProviderResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return genrouter.ProviderResult{}, ctx.Err()
		}
	}

	n := p.callCount.Add(1)

	if p.staticErr != nil {
		return genrouter.ProviderResult{}, p.staticErr
	}

	p.mu.Lock()
	var scripted error
	if int(n) <= len(p.outcome) {
		scripted = p.outcome[n-1]
	}
	p.mu.Unlock()
	if scripted != nil {
		return genrouter.ProviderResult{}, scripted
	}

	result := p.result
	if result.Model == "" {
		result.Model = req.Model
	}
	return result, nil
}
