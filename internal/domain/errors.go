package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccessDenied signals a user that is not allowed to use the bot.
	ErrAccessDenied = errors.New("access denied")
	// ErrBudgetExceeded signals an exhausted spend budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrRateLimited signals a transport flood-control hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimedOut signals a transport call that timed out.
	ErrTimedOut = errors.New("timed out")
	// ErrUnmodified signals an edit whose content matched the rendered message.
	ErrUnmodified = errors.New("message not modified")
	// ErrUpstream signals a completion backend failure.
	ErrUpstream = errors.New("upstream failure")
	// ErrConfigInconsistent signals a configuration mismatch, e.g. an allowed
	// user with no budget entry. Logged and treated as a denial, never fatal.
	ErrConfigInconsistent = errors.New("inconsistent configuration")
)

// RateLimitedError wraps ErrRateLimited with the server-supplied wait duration.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// NewRateLimited creates a rate-limit error carrying the retry-after duration.
func NewRateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}
