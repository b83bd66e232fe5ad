package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the gateway failure taxonomy. Retryable failures
// are consumed inside the selector loop; only terminal outcomes surface to
// the caller.
var (
	// ErrUnrecognizedFormat means the caller payload matched no known
	// protocol shape. Terminal, 4xx.
	ErrUnrecognizedFormat = errors.New("unrecognized request format")

	// ErrNoProviderAvailable means every candidate was exhausted. Terminal.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrUpstreamTimeout marks a timed-out upstream attempt. Retryable.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrRateLimited means the key's request-rate ceiling was hit. Terminal.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrKeyNotFound means no enabled key matched the presented credential.
	ErrKeyNotFound = errors.New("api key not found")
)

// QuotaExceededError is returned when a key's window ceiling is reached.
type QuotaExceededError struct {
	KeyID  string
	Window Window
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for key %s (window %s)", e.KeyID, e.Window)
}

// ConcurrencyLimitError is returned when no slot could be acquired.
type ConcurrencyLimitError struct {
	Scope string // "provider" or "key"
	ID    string
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached for %s %s", e.Scope, e.ID)
}

// BlockedError is raised by the filter pipeline or the sensitive word
// scanner. The request never reaches a provider.
type BlockedError struct {
	// By identifies the interceptor: "filter:<rule-id>" or "scanner:<term>".
	By     string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("request blocked by %s: %s", e.By, e.Reason)
}

// UpstreamError is a provider-side failure for a single attempt.
type UpstreamError struct {
	ProviderID string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.ProviderID, e.StatusCode)
}

// Retryable reports whether the failure may be retried against the next
// candidate. 5xx and 429 are retryable; other 4xx are attributable to the
// caller's payload and abort the whole attempt.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 0
}

// IsRetryable classifies an attempt error for the failover loop. Timeouts,
// connection errors, and retryable upstream statuses advance to the next
// candidate; everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	var ce *ConcurrencyLimitError
	if errors.As(err, &ce) {
		// A full provider is skipped, not terminal for the request.
		return ce.Scope == "provider"
	}
	return false
}
