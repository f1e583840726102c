// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller may not perform the action
	// (non-creator destroy, join denied by policy).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionInactive indicates the session exists but is no longer active.
	ErrSessionInactive = errors.New("session inactive")

	// ErrRateLimited indicates a temporary join lockout after repeated failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrRetryExhausted indicates a queued draft was dropped after the
	// bounded retry budget.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrClosed indicates an operation on a closed handle.
	ErrClosed = errors.New("closed")
)
