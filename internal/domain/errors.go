package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrContentTooLong signals that content cannot be fit into the character budget.
	ErrContentTooLong = errors.New("content too long")
	// ErrPersistence wraps every record store failure.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotImplemented marks configuration values that are recognized but unsupported.
	ErrNotImplemented = errors.New("not implemented")
)

// RateLimitError is a retryable destination failure.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// DeliveryError is a permanent destination failure.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string { return fmt.Sprintf("delivery failed: %v", e.Err) }

func (e *DeliveryError) Unwrap() error { return e.Err }

// ConfigError reports malformed configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// IsRateLimited reports whether err carries a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
