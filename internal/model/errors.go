package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrNoFeedingHistory     = errors.New("no feeding history")
	ErrRateLimited          = errors.New("rate limited")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrApprovalUnavailable  = errors.New("approval gate unavailable")

	ErrInvalidInterval  = fmt.Errorf("%w: interval hours must be between 1 and 48", ErrValidation)
	ErrInvalidTimestamp = fmt.Errorf("%w: invalid timestamp", ErrValidation)
	ErrInvalidPattern   = fmt.Errorf("%w: invalid topic pattern", ErrValidation)
	ErrInvalidQoS       = fmt.Errorf("%w: qos must be 0, 1 or 2", ErrValidation)
)

// RateLimitError reports a rejected call and how long the caller should wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry in %.1fs", e.RetryAfter.Seconds())
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
