package genrouter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	DefaultStrategy Strategy `yaml:"default_strategy"`

	// DisableFallback makes a candidate's terminal failure propagate
	// immediately instead of trying the next candidate.
	DisableFallback bool `yaml:"disable_fallback"`

	Admission AdmissionConfig `yaml:"admission"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Providers []Descriptor    `yaml:"providers"`
}

// BreakerConfig tunes the circuit tracker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenSeconds is how long an open circuit waits before permitting a
	// half-open probe.
	OpenSeconds int `yaml:"open_seconds"`
}

// OpenCooldown returns the open period as a duration.
func (b BreakerConfig) OpenCooldown() time.Duration {
	return time.Duration(b.OpenSeconds) * time.Second
}

// RetryConfig tunes the per-candidate retry loop.
type RetryConfig struct {
	MaxAttempts    int   `yaml:"max_attempts"`
	BackoffSeconds []int `yaml:"backoff_seconds"`
}

// Policy converts the config to a RetryPolicy.
func (r RetryConfig) Policy() RetryPolicy {
	p := RetryPolicy{MaxAttempts: r.MaxAttempts}
	for _, s := range r.BackoffSeconds {
		p.Backoff = append(p.Backoff, time.Duration(s)*time.Second)
	}
	return p
}

// DefaultConfig returns the stock limits: priority routing with fallback,
// 50 generations/user/day (video capped at 10), 3s cooldown, batches of
// at most 5, circuits opening after 5 consecutive failures for 60s, and
// the 3-attempt 2s/4s/8s retry schedule.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyPriority,
		Admission: AdmissionConfig{
			DailyLimit:      50,
			ModeLimits:      map[Mode]int64{ModeImage: 50, ModeVideo: 10},
			CooldownSeconds: 3,
			MaxBatch:        5,
		},
		Breaker: BreakerConfig{FailureThreshold: 5, OpenSeconds: 60},
		Retry:   RetryConfig{MaxAttempts: 3, BackoffSeconds: []int{2, 4, 8}},
	}
}

// LoadConfig reads and parses a YAML config file. Environment variables
// in the format ${VAR} are expanded before parsing, so API keys can stay
// out of the file. Omitted sections keep DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("genrouter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("genrouter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return &ConfigurationError{Field: "providers", Detail: "at least one provider is required"}
	}

	ids := make(map[string]bool, len(c.Providers))
	for i, d := range c.Providers {
		if d.ID == "" {
			return &ConfigurationError{Field: fmt.Sprintf("providers[%d]", i), Detail: "id is required"}
		}
		if ids[d.ID] {
			return &ConfigurationError{Field: fmt.Sprintf("providers[%d]", i), Detail: fmt.Sprintf("duplicate provider id %q", d.ID)}
		}
		ids[d.ID] = true

		if len(d.Capabilities) == 0 {
			return &ConfigurationError{Field: fmt.Sprintf("providers[%d] (%s)", i, d.ID), Detail: "at least one capability is required"}
		}
		for _, m := range d.Capabilities {
			if m != ModeImage && m != ModeVideo {
				return &ConfigurationError{Field: fmt.Sprintf("providers[%d] (%s)", i, d.ID), Detail: fmt.Sprintf("invalid capability %q", m)}
			}
		}
	}

	if c.DefaultStrategy != "" {
		if _, ok := strategies[c.DefaultStrategy]; !ok {
			return &ConfigurationError{Field: "default_strategy", Detail: fmt.Sprintf("unknown strategy %q", c.DefaultStrategy)}
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return &ConfigurationError{Field: "retry.max_attempts", Detail: "must be at least 1"}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &ConfigurationError{Field: "breaker.failure_threshold", Detail: "must be at least 1"}
	}

	return nil
}
