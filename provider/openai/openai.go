// Package openai provides an OpenAI Images API adapter for genrouter.
// It also works with OpenAI-compatible proxies via WithBaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mediaforge/genrouter"
)

const defaultModel = "gpt-image-1"

// Provider is an OpenAI Images adapter.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ genrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL points the adapter at an OpenAI-compatible proxy.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithName overrides the provider identifier (default "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates a new OpenAI Images provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "openai",
		baseURL:    "https://api.openai.com/v1",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the Images generation request format.
type apiRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

// apiResponse is the Images generation response format.
type apiResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

// apiError is the error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *Provider) Generate(ctx context.Context, req genrouter.ProviderRequest) (genrouter.ProviderResult, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	body := apiRequest{
		Model:  model,
		Prompt: req.Prompt,
		N:      req.Count,
		Size:   imageSize(req),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return genrouter.ProviderResult{}, fmt.Errorf("openai: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return genrouter.ProviderResult{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Auth.APIKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return genrouter.ProviderResult{}, genrouter.ClassifyError(p.name, 0, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return genrouter.ProviderResult{}, p.mapError(httpResp)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return genrouter.ProviderResult{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(resp.Data) == 0 {
		return genrouter.ProviderResult{}, &genrouter.ProviderError{
			Provider: p.name,
			Kind:     genrouter.ErrorNonRetryable,
			Err:      fmt.Errorf("openai: empty data in response"),
		}
	}

	result := genrouter.ProviderResult{Model: model, ContentType: "image/png"}
	first := resp.Data[0]
	if first.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return genrouter.ProviderResult{}, fmt.Errorf("openai: decode image payload: %w", err)
		}
		result.Data = data
	} else {
		result.URL = first.URL
	}
	return result, nil
}

// mapError classifies an error response. 429/5xx are retryable; content
// policy violations are safety rejections and never retried.
func (p *Provider) mapError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope apiError
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}

	if envelope.Error.Code == "content_policy_violation" {
		return &genrouter.ProviderError{
			Provider: p.name,
			Kind:     genrouter.ErrorNonRetryable,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("openai: content policy violation: %s", msg),
		}
	}
	return genrouter.ClassifyError(p.name, resp.StatusCode, fmt.Errorf("openai: status %d: %s", resp.StatusCode, msg))
}

// imageSize maps the request resolution/aspect hints to an API size.
func imageSize(req genrouter.ProviderRequest) string {
	switch req.Resolution {
	case "2K", "4K":
		// The Images API caps out at 1792; upscaling happens elsewhere.
		if req.AspectRatio == "9:16" {
			return "1024x1792"
		}
		return "1792x1024"
	}
	switch req.AspectRatio {
	case "16:9":
		return "1792x1024"
	case "9:16":
		return "1024x1792"
	default:
		return "1024x1024"
	}
}
