package genrouter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrNoEligibleProvider = errors.New("genrouter: no eligible provider")
	ErrProviderNotFound   = errors.New("genrouter: provider not found")
	ErrPromptBlocked      = errors.New("genrouter: prompt blocked by moderation")
)

// ErrorKind classifies provider failures for the retry loop.
type ErrorKind string

const (
	// ErrorRetryable covers connection errors, timeouts, and upstream
	// 502/503/504-style failures. Retried against the same provider.
	ErrorRetryable ErrorKind = "retryable"

	// ErrorNonRetryable covers invalid requests, auth failures, and
	// provider-side content-safety rejections. Aborts the candidate.
	ErrorNonRetryable ErrorKind = "non_retryable"
)

// ProviderError wraps a failure from a provider adapter with its
// classification. It is internal to the execution loop and only surfaced
// aggregated inside an ExhaustedFallbackError.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("genrouter: provider %s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DenyReason is the reason an admission request was refused.
type DenyReason string

const (
	DenyQuotaExceeded  DenyReason = "quota_exceeded"
	DenyCooldownActive DenyReason = "cooldown_active"
	DenyBatchTooLarge  DenyReason = "batch_too_large"
)

// AdmissionDeniedError is returned when the admission controller refuses
// a request before any provider is contacted.
type AdmissionDeniedError struct {
	Reason     DenyReason
	RetryAfter time.Duration
	Used       int64
	Limit      int64
}

func (e *AdmissionDeniedError) Error() string {
	switch e.Reason {
	case DenyCooldownActive:
		return fmt.Sprintf("genrouter: admission denied: cooldown active, retry in %s", e.RetryAfter)
	case DenyBatchTooLarge:
		return fmt.Sprintf("genrouter: admission denied: batch size exceeds limit (%d/%d)", e.Used, e.Limit)
	default:
		return fmt.Sprintf("genrouter: admission denied: quota exceeded (%d/%d)", e.Used, e.Limit)
	}
}

// ExhaustedFallbackError is returned when every candidate in the fallback
// chain failed terminally. Errors holds each candidate's final error.
type ExhaustedFallbackError struct {
	Errors map[string]error
}

func (e *ExhaustedFallbackError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Errors[id]))
	}
	return "genrouter: all candidates failed: " + strings.Join(parts, "; ")
}

// ConfigurationError reports an invalid or unknown configuration value,
// such as an unsupported strategy name.
type ConfigurationError struct {
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("genrouter: configuration: %s: %s", e.Field, e.Detail)
}

// IsRetryable reports whether err should be retried against the same
// provider.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ErrorRetryable
	}
	return false
}

// retryableStatus reports whether an upstream HTTP status should be
// treated as transient.
func retryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// retryableKeywords mirrors the connection-level failures providers
// report in message form rather than status form.
var retryableKeywords = []string{
	"server disconnected",
	"connection reset",
	"connection refused",
	"timeout",
	"network",
	"unavailable",
	"overloaded",
}

// ClassifyError builds a *ProviderError from a raw adapter failure,
// deciding retryability from the HTTP status and the message text.
func ClassifyError(provider string, status int, err error) *ProviderError {
	kind := ErrorNonRetryable
	if retryableStatus(status) {
		kind = ErrorRetryable
	} else {
		msg := strings.ToLower(err.Error())
		for _, kw := range retryableKeywords {
			if strings.Contains(msg, kw) {
				kind = ErrorRetryable
				break
			}
		}
	}
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Err: err}
}
