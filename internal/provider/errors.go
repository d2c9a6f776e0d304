package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/seralva/booktalk/internal/reliability"
)

// ProviderError is the typed failure surfaced by every adapter: network and
// timeout errors, malformed upstream responses, and rate-limit rejections all
// arrive here with a retryable classification.
type ProviderError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Code)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error should trigger router fallback.
// Context cancellation is never retryable: the caller is gone.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	// Unclassified failures (transport-level) are treated as retryable so a
	// healthy backup still gets its chance.
	return true
}

func httpError(providerID string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:  providerID,
		Code:      fmt.Sprintf("http_%d", status),
		Retryable: reliability.IsRetryableHTTPStatus(status),
		Err:       fmt.Errorf("upstream status %d: %s", status, body),
	}
}

func networkError(providerID string, err error) *ProviderError {
	return &ProviderError{Provider: providerID, Code: "network", Retryable: true, Err: err}
}

func malformedError(providerID string, err error) *ProviderError {
	return &ProviderError{Provider: providerID, Code: "malformed_response", Retryable: false, Err: err}
}
