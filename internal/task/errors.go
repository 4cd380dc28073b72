package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/inkloom/inkloom-api/internal/events"
)

// Common errors returned by the task engine.
var (
	// ErrUnknownTaskType is returned when no executable is registered for
	// a task type. This is a configuration failure and is never silently
	// dropped.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrDuplicateTaskType is returned when two executables register the
	// same task type.
	ErrDuplicateTaskType = errors.New("task type already registered")

	// ErrNotCancellable is returned when cancellation is requested for a
	// task whose executable does not support it.
	ErrNotCancellable = errors.New("task is not cancellable")

	// ErrCancelled is returned by executables that observed the
	// cooperative cancellation flag and stopped at a safe point.
	ErrCancelled = errors.New("task cancelled")

	// ErrParentFinalized is returned when a child outcome cannot be
	// accounted because the parent already reached a terminal status.
	ErrParentFinalized = errors.New("parent task already finalized")
)

// Error is a classified task execution error. The Kind drives the central
// retry decision in the state aggregator.
type Error struct {
	Kind string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError classifies an error as malformed input. Validation
// errors are never retried and route directly to dead_letter.
func NewValidationError(err error) *Error {
	return &Error{Kind: events.ErrorKindValidation, Err: err}
}

// NewTransientError classifies an error as transient infrastructure
// failure, retryable with backoff.
func NewTransientError(err error) *Error {
	return &Error{Kind: events.ErrorKindTransient, Err: err}
}

// NewUpstreamError classifies a wrapped AI/business operation failure,
// retryable unless the operation marks it permanent.
func NewUpstreamError(err error) *Error {
	return &Error{Kind: events.ErrorKindUpstream, Err: err}
}

// NewPermanentError classifies an error as permanent: no retry.
func NewPermanentError(err error) *Error {
	return &Error{Kind: events.ErrorKindPermanent, Err: err}
}

// NewRateLimitedError classifies a permit-acquisition failure, retryable.
func NewRateLimitedError(err error) *Error {
	return &Error{Kind: events.ErrorKindRateLimited, Err: err}
}

// ClassifyError maps an execution error to an ErrorInfo for lifecycle
// events. Unclassified errors default to upstream (retryable); context
// cancellation and the cooperative ErrCancelled sentinel map to cancelled.
func ClassifyError(err error) *events.ErrorInfo {
	var taskErr *Error
	switch {
	case errors.As(err, &taskErr):
		return events.NewErrorInfo(taskErr.Kind, taskErr.Err.Error())
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return events.NewErrorInfo(events.ErrorKindCancelled, err.Error())
	default:
		return events.NewErrorInfo(events.ErrorKindUpstream, err.Error())
	}
}
