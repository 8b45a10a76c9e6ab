package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderError is a provider failure normalized across adapters.
//
// Retryable reports whether the same request may succeed later: rate limits,
// server errors and network failures are retryable; authentication, quota and
// invalid-request failures are not.
type ProviderError struct {
	Provider   string
	Code       string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Classify wraps a raw SDK error into a ProviderError.
//
// statusCode is the HTTP status when the SDK exposes one, or zero. Without a
// status, the error text is matched against common failure phrases.
func Classify(provider string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	pe := &ProviderError{Provider: provider, StatusCode: statusCode, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Code, pe.Retryable = "timeout", true
	case statusCode == http.StatusTooManyRequests:
		pe.Code, pe.Retryable = "rate_limited", true
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Code = "invalid_api_key"
	case statusCode == http.StatusRequestTimeout:
		pe.Code, pe.Retryable = "timeout", true
	case statusCode >= 500:
		pe.Code, pe.Retryable = "server_error", true
	case statusCode >= 400:
		pe.Code = "invalid_request"
	default:
		pe.Code, pe.Retryable = classifyMessage(err.Error())
	}
	return pe
}

func classifyMessage(msg string) (string, bool) {
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429"):
		return "rate_limited", true
	case containsAny(lower, "quota", "billing"):
		return "quota_exceeded", false
	case containsAny(lower, "api key", "api_key", "unauthorized", "authentication"):
		return "invalid_api_key", false
	case containsAny(lower, "500", "502", "503", "504", "overloaded", "unavailable", "bad gateway"):
		return "server_error", true
	case containsAny(lower, "timeout", "deadline", "connection", "network", "temporary", "eof"):
		return "network_error", true
	default:
		return "api_error", false
	}
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
