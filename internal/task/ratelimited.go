package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/ratelimit"
)

// ErrNilInnerExecutable is returned when the wrapper is built without an
// inner executable.
var ErrNilInnerExecutable = errors.New("inner executable cannot be nil")

// ProviderResolver resolves the effective AI provider and model for a
// user, accounting for per-user overrides and plan defaults.
type ProviderResolver interface {
	ResolveModel(ctx context.Context, userID uuid.UUID) (provider, model string, err error)
}

// StaticProviderResolver always returns the same provider and model.
type StaticProviderResolver struct {
	Provider string
	Model    string
}

// ResolveModel implements ProviderResolver.
func (r StaticProviderResolver) ResolveModel(ctx context.Context, userID uuid.UUID) (string, string, error) {
	return r.Provider, r.Model, nil
}

// RateLimitedExecutable composes rate limiting around any AI-bound
// executable: a permit is acquired before the inner operation runs, the
// outcome is reported back for adaptive throttling, and every failure
// surfaces as a classified task error. Permit denials and operation
// failures are distinguished only by the error kind; neither is ever
// swallowed.
type RateLimitedExecutable struct {
	inner    Executable
	limiter  ratelimit.Limiter
	resolver ProviderResolver
	logger   *slog.Logger
}

// NewRateLimitedExecutable wraps the inner executable.
func NewRateLimitedExecutable(
	inner Executable,
	limiter ratelimit.Limiter,
	resolver ProviderResolver,
	logger *slog.Logger,
) (*RateLimitedExecutable, error) {
	if inner == nil {
		return nil, ErrNilInnerExecutable
	}
	return &RateLimitedExecutable{
		inner:    inner,
		limiter:  limiter,
		resolver: resolver,
		logger:   logger.With("component", "rate_limited_executable", "task_type", inner.TaskType()),
	}, nil
}

// TaskType delegates to the inner executable.
func (e *RateLimitedExecutable) TaskType() string {
	return e.inner.TaskType()
}

// IsCancellable delegates to the inner executable.
func (e *RateLimitedExecutable) IsCancellable() bool {
	return e.inner.IsCancellable()
}

// Cancel delegates to the inner executable.
func (e *RateLimitedExecutable) Cancel(ctx context.Context, ec *ExecContext) error {
	return e.inner.Cancel(ctx, ec)
}

// EstimatedExecutionSeconds delegates to the inner executable.
func (e *RateLimitedExecutable) EstimatedExecutionSeconds(ec *ExecContext) int {
	return e.inner.EstimatedExecutionSeconds(ec)
}

// Execute acquires a permit, runs the inner operation, and reports the
// outcome to the limiter.
func (e *RateLimitedExecutable) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	provider, model, err := e.resolver.ResolveModel(ctx, ec.UserID())
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("failed to resolve provider configuration: %w", err))
	}

	requestID := fmt.Sprintf("%s:%d", ec.TaskID(), ec.Attempt())
	permit, err := e.limiter.TryAcquirePermit(ctx, provider, ec.UserID(), model, requestID)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("rate limiter unavailable: %w", err))
	}
	if !permit.Allowed {
		e.logger.Warn("permit denied",
			"task_id", ec.TaskID(),
			"provider", provider,
			"model", model,
			"reason", permit.Message)
		return nil, NewRateLimitedError(fmt.Errorf("permit denied for %s/%s: %s", provider, model, permit.Message))
	}

	result, execErr := e.inner.Execute(ctx, ec)
	if execErr != nil {
		// Report the failure with the original parameters so the limiter
		// can tighten before the scheduled replay arrives.
		e.limiter.RecordErrorAndRetry(ctx, provider, ec.UserID(), model, ec.Parameters())
		return nil, execErr
	}

	e.limiter.RecordSuccess(ctx, provider, ec.UserID(), model)
	return result, nil
}

var _ Executable = (*RateLimitedExecutable)(nil)
