package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrModelUnavailable   = errors.New("no usable model configured")
	ErrModelNotFound      = errors.New("model not found")
	ErrSlotExhausted      = errors.New("too many concurrent streams")
	ErrUnauthenticated    = errors.New("account not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// RateLimitError carries the retry-after hint computed from the remaining
// window time (ceiling, minimum one second).
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter)
}

// InsufficientCreditError discloses the current balance so the caller can
// display it.
type InsufficientCreditError struct {
	Balance int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credits: balance=%d", e.Balance)
}

// UpstreamError wraps a provider adapter failure.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
