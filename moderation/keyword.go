// Package moderation provides prompt safety filters for genrouter.
package moderation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mediaforge/genrouter"
)

// KeywordSource supplies the banned keyword list, typically from a
// remotely managed file so the list stays out of the binary.
type KeywordSource func(ctx context.Context) ([]string, error)

// KeywordFilter blocks prompts containing banned keywords. It is the
// fast first layer of moderation; deeper context-aware checks are a
// separate collaborator behind the same Moderator contract.
type KeywordFilter struct {
	mu        sync.Mutex
	keywords  []string
	source    KeywordSource
	cacheTTL  time.Duration
	fetchedAt time.Time
}

var _ genrouter.Moderator = (*KeywordFilter)(nil)

// Option configures a KeywordFilter.
type Option func(*KeywordFilter)

// WithKeywords sets the static keyword list (also the fallback when a
// remote source is unavailable).
func WithKeywords(keywords ...string) Option {
	return func(f *KeywordFilter) {
		for _, k := range keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				f.keywords = append(f.keywords, k)
			}
		}
	}
}

// WithSource sets a remote keyword source, refreshed at most once per
// ttl. Source failures fall back to the last good list.
func WithSource(source KeywordSource, ttl time.Duration) Option {
	return func(f *KeywordFilter) {
		f.source = source
		f.cacheTTL = ttl
	}
}

// NewKeywordFilter creates a filter with the given options.
func NewKeywordFilter(opts ...Option) *KeywordFilter {
	f := &KeywordFilter{cacheTTL: time.Hour}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check blocks the prompt when it contains any banned keyword.
func (f *KeywordFilter) Check(ctx context.Context, prompt string) (genrouter.Moderation, error) {
	keywords := f.currentKeywords(ctx)

	lower := strings.ToLower(prompt)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return genrouter.Moderation{
				Verdict: genrouter.VerdictBlock,
				Reason:  "banned keyword",
			}, nil
		}
	}
	return genrouter.Moderation{Verdict: genrouter.VerdictAllow}, nil
}

func (f *KeywordFilter) currentKeywords(ctx context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.source != nil && time.Since(f.fetchedAt) >= f.cacheTTL {
		if remote, err := f.source(ctx); err == nil && len(remote) > 0 {
			normalized := remote[:0]
			for _, k := range remote {
				k = strings.ToLower(strings.TrimSpace(k))
				if k != "" {
					normalized = append(normalized, k)
				}
			}
			f.keywords = normalized
		}
		// Failures keep the previous list; retry after the TTL.
		f.fetchedAt = time.Now()
	}

	out := make([]string, len(f.keywords))
	copy(out, f.keywords)
	return out
}
