// Package flux provides a Black Forest Labs FLUX adapter for genrouter.
//
// FLUX is task-based: a generation request returns a task id, which is
// polled until the image is ready. The poll loop honors the request
// context, so cancellation mid-poll stops cleanly.
package flux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mediaforge/genrouter"
)

const defaultModel = "flux-pro-1.1"

// Provider is a FLUX (Black Forest Labs) adapter.
type Provider struct {
	name         string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
}

var _ genrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithName overrides the provider name used for registry matching.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithPolling tunes the task poll loop.
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(p *Provider) {
		p.pollInterval = interval
		p.maxPolls = maxPolls
	}
}

// New creates a new FLUX provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:         "flux",
		baseURL:      "https://api.bfl.ml/v1",
		httpClient:   http.DefaultClient,
		pollInterval: 2 * time.Second,
		maxPolls:     60,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

type submitRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Status string `json:"status"`
	Result struct {
		Sample string `json:"sample"`
	} `json:"result"`
}

func (p *Provider) Generate(ctx context.Context, req genrouter.ProviderRequest) (genrouter.ProviderResult, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	taskID, err := p.submit(ctx, req, model)
	if err != nil {
		return genrouter.ProviderResult{}, err
	}

	url, err := p.poll(ctx, req.Auth, taskID)
	if err != nil {
		return genrouter.ProviderResult{}, err
	}

	return genrouter.ProviderResult{
		URL:         url,
		ContentType: "image/jpeg",
		Model:       model,
	}, nil
}

func (p *Provider) submit(ctx context.Context, req genrouter.ProviderRequest, model string) (string, error) {
	w, h := dimensions(req)
	payload, err := json.Marshal(submitRequest{Prompt: req.Prompt, Width: w, Height: h})
	if err != nil {
		return "", fmt.Errorf("flux: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+model, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("flux: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-key", req.Auth.APIKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", genrouter.ClassifyError(p.name, 0, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		return "", genrouter.ClassifyError(p.name, httpResp.StatusCode,
			fmt.Errorf("flux: submit status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var resp submitResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("flux: decode submit response: %w", err)
	}
	if resp.ID == "" {
		return "", &genrouter.ProviderError{
			Provider: p.name,
			Kind:     genrouter.ErrorNonRetryable,
			Err:      fmt.Errorf("flux: no task id in response"),
		}
	}
	return resp.ID, nil
}

func (p *Provider) poll(ctx context.Context, auth genrouter.Auth, taskID string) (string, error) {
	for i := 0; i < p.maxPolls; i++ {
		select {
		case <-time.After(p.pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		status, sample, err := p.pollOnce(ctx, auth, taskID)
		if err != nil {
			return "", err
		}

		switch status {
		case "Ready":
			return sample, nil
		case "Pending", "Processing":
			continue
		case "Request Moderated", "Content Moderated":
			return "", &genrouter.ProviderError{
				Provider: p.name,
				Kind:     genrouter.ErrorNonRetryable,
				Err:      fmt.Errorf("flux: generation moderated (%s)", status),
			}
		default: // "Failed", "Error", anything unknown
			return "", &genrouter.ProviderError{
				Provider: p.name,
				Kind:     genrouter.ErrorRetryable,
				Err:      fmt.Errorf("flux: task failed with status %q", status),
			}
		}
	}
	return "", &genrouter.ProviderError{
		Provider: p.name,
		Kind:     genrouter.ErrorRetryable,
		Err:      fmt.Errorf("flux: task %s timed out after %d polls", taskID, p.maxPolls),
	}
}

func (p *Provider) pollOnce(ctx context.Context, auth genrouter.Auth, taskID string) (string, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/get_result?id="+taskID, nil)
	if err != nil {
		return "", "", fmt.Errorf("flux: build poll request: %w", err)
	}
	httpReq.Header.Set("x-key", auth.APIKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", "", genrouter.ClassifyError(p.name, 0, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		return "", "", genrouter.ClassifyError(p.name, httpResp.StatusCode,
			fmt.Errorf("flux: poll status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var resp pollResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", "", fmt.Errorf("flux: decode poll response: %w", err)
	}
	return resp.Status, resp.Result.Sample, nil
}

func dimensions(req genrouter.ProviderRequest) (int, int) {
	base := 1024
	if req.Resolution == "2K" {
		base = 1440
	}
	switch req.AspectRatio {
	case "16:9":
		return base * 16 / 9 / 32 * 32, base
	case "9:16":
		return base, base * 16 / 9 / 32 * 32
	default:
		return base, base
	}
}
