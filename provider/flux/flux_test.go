package flux_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/genrouter"
	"github.com/mediaforge/genrouter/provider/flux"
)

func newServer(t *testing.T, handler http.HandlerFunc) *flux.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return flux.New(
		flux.WithBaseURL(srv.URL),
		flux.WithPolling(time.Millisecond, 5),
	)
}

func TestGenerate_SubmitsThenPollsToReady(t *testing.T) {
	polls := 0
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			assert.Equal(t, "key-1", r.Header.Get("x-key"))
			json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
		case strings.HasPrefix(r.URL.Path, "/get_result"):
			assert.Equal(t, "task-1", r.URL.Query().Get("id"))
			polls++
			status := "Pending"
			sample := ""
			if polls >= 2 {
				status = "Ready"
				sample = "https://cdn.example/out.jpg"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status": status,
				"result": map[string]string{"sample": sample},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	res, err := p.Generate(context.Background(), genrouter.ProviderRequest{
		Auth:   genrouter.Auth{APIKey: "key-1"},
		Prompt: "a lighthouse",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/out.jpg", res.URL)
	assert.Equal(t, 2, polls)
}

func TestGenerate_ModeratedTaskIsNotRetried(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "Request Moderated"})
	})

	_, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	var pe *genrouter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, genrouter.ErrorNonRetryable, pe.Kind)
}

func TestGenerate_FailedTaskIsRetryable(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "Failed"})
	})

	_, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	var pe *genrouter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, genrouter.ErrorRetryable, pe.Kind)
}

func TestGenerate_PollTimeoutIsRetryable(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "Pending"})
	})

	_, err := p.Generate(context.Background(), genrouter.ProviderRequest{Prompt: "x"})
	var pe *genrouter.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, genrouter.ErrorRetryable, pe.Kind)
}

func TestGenerate_CancelledDuringPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
			return
		}
		cancel()
		json.NewEncoder(w).Encode(map[string]any{"status": "Pending"})
	})

	_, err := p.Generate(ctx, genrouter.ProviderRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
