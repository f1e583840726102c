// Package limiter defines interfaces and implementations for join rate limiting.
package limiter

import (
	"context"
	"time"
)

// Limiter controls join attempts against a presented session key and
// applies temporary lockouts after repeated failures.
type Limiter interface {
	// Allow reports whether a join is currently allowed and optional retry-after.
	Allow(ctx context.Context, sessionKey string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful join.
	Success(ctx context.Context, sessionKey string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, sessionKey string, ipHash []byte) (bool, time.Duration, error)
}
