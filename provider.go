package genrouter

import "context"

// Provider is the interface that generation provider adapters must
// implement. One adapter instance serves one configured provider.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "flux").
	Name() string

	// Generate performs a single generation call. Failures should be
	// returned as *ProviderError so the execution engine can classify
	// them as retryable or non-retryable.
	Generate(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// Auth holds authentication credentials for a provider.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Auth        Auth
	Prompt      string
	Mode        Mode
	Model       string
	Resolution  string
	AspectRatio string
	Count       int
	Params      map[string]string
}

// ProviderResult is the raw result from a provider adapter. Either Data
// (raw bytes to be handed to the artifact store) or URL (a reference the
// provider hosts itself) is set.
type ProviderResult struct {
	Data        []byte
	ContentType string
	URL         string
	Model       string
	Cost        float64
}
