package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/genrouter"
	"github.com/mediaforge/genrouter/provider/openai"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *openai.Provider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, openai.New(openai.WithBaseURL(srv.URL))
}

func TestGenerate_DecodesBase64Payload(t *testing.T) {
	image := []byte("png-bytes")

	_, p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-image-1", body["model"])

		json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(image)}},
		})
	})

	res, err := p.Generate(context.Background(), genrouter.ProviderRequest{
		Auth:   genrouter.Auth{APIKey: "sk-test"},
		Prompt: "a lighthouse",
	})
	require.NoError(t, err)
	assert.Equal(t, image, res.Data)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestGenerate_PassesThroughHostedURL(t *testing.T) {
	_, p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]string{{"url": "https://cdn.example/img.png"}},
		})
	})

	res, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.Equal(t, "https://cdn.example/img.png", res.URL)
}

func TestGenerate_UpstreamOutageIsRetryable(t *testing.T) {
	_, p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	var pe *genrouter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, genrouter.ErrorRetryable, pe.Kind)
	assert.Equal(t, http.StatusBadGateway, pe.Status)
}

func TestGenerate_ContentPolicyViolationIsNotRetried(t *testing.T) {
	_, p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"message": "your prompt was rejected",
				"type":    "invalid_request_error",
				"code":    "content_policy_violation",
			},
		})
	})

	_, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	var pe *genrouter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, genrouter.ErrorNonRetryable, pe.Kind)
}

func TestGenerate_EmptyDataIsNonRetryable(t *testing.T) {
	_, p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"created": 1, "data": []any{}})
	})

	_, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	var pe *genrouter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, genrouter.ErrorNonRetryable, pe.Kind)
}
