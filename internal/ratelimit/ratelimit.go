// Package ratelimit coordinates permits for AI provider calls. The engine
// treats the limiter as a shared, externally-owned resource: acquisition
// and release are opaque calls with no internal locking on the caller's
// side, and denied permits surface as retryable task failures.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrClosed = errors.New("rate limiter closed")
)

// PermitResult is the outcome of a permit acquisition attempt.
type PermitResult struct {
	// Allowed reports whether the call may proceed.
	Allowed bool

	// Message explains a denial, for logging and error payloads.
	Message string
}

// Limiter is the rate limiter contract for (provider, user, model) scoped
// AI calls. Implementations may adapt capacity based on reported outcomes.
type Limiter interface {
	// TryAcquirePermit attempts to acquire a permit without blocking.
	// requestID ties the permit to a specific task attempt for auditing.
	TryAcquirePermit(ctx context.Context, provider string, userID uuid.UUID, model, requestID string) (PermitResult, error)

	// RecordSuccess reports a successful call so adaptive throttling can
	// relax.
	RecordSuccess(ctx context.Context, provider string, userID uuid.UUID, model string)

	// RecordErrorAndRetry reports a failed call together with the original
	// parameters that will be replayed, so the limiter can tighten
	// capacity before the retry arrives.
	RecordErrorAndRetry(ctx context.Context, provider string, userID uuid.UUID, model string, parameters json.RawMessage)
}
