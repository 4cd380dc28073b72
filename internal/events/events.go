package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the lifecycle stage an event reports.
type Kind string

// Lifecycle event kinds.
const (
	KindSubmitted Kind = "submitted"
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindRetrying  Kind = "retrying"
	KindCancelled Kind = "cancelled"
)

// Error kinds used in ErrorInfo.Kind. Classification drives the central
// retry decision: validation and cancellation are never retried, the rest
// are retryable with backoff unless marked permanent by the operation.
const (
	ErrorKindValidation  = "validation"
	ErrorKindRateLimited = "rate_limited"
	ErrorKindTransient   = "transient"
	ErrorKindUpstream    = "upstream"
	ErrorKindPermanent   = "permanent"
	ErrorKindCancelled   = "cancelled"
)

// ErrorInfo is the structured failure payload attached to Failed, Retrying
// and Cancelled events, and persisted on the task record.
type ErrorInfo struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorInfo builds an ErrorInfo with the current timestamp.
func NewErrorInfo(kind, message string) *ErrorInfo {
	return &ErrorInfo{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Retryable reports whether the error kind is eligible for a retry attempt.
func (e *ErrorInfo) Retryable() bool {
	switch e.Kind {
	case ErrorKindValidation, ErrorKindPermanent, ErrorKindCancelled:
		return false
	default:
		return true
	}
}

// LifecycleEvent is the tagged event type published on the internal bus.
// Kind selects which of the variant fields are meaningful; common fields
// are always set.
type LifecycleEvent struct {
	// EventID is unique per event and is the deduplication key for
	// at-least-once delivery.
	EventID uuid.UUID `json:"event_id"`

	Kind      Kind      `json:"kind"`
	TaskID    uuid.UUID `json:"task_id"`
	TaskType  string    `json:"task_type"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`

	// NodeID identifies the execution node that claimed the task.
	// Set on Started events.
	NodeID string `json:"node_id,omitempty"`

	// Parameters carries the task's original parameters byte-for-byte.
	// Set on Submitted and Retrying events so replays are deterministic.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Progress is the executable-defined progress payload on Progress events.
	Progress json.RawMessage `json:"progress,omitempty"`

	// Result is the success payload on Completed events.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is set on Failed, Retrying and Cancelled events.
	Error *ErrorInfo `json:"error,omitempty"`

	// DeadLetter is set on Failed events when retries are exhausted or the
	// error is classified non-retryable.
	DeadLetter bool `json:"dead_letter,omitempty"`

	// DelayMillis is the backoff delay before the next attempt on Retrying
	// events.
	DelayMillis int64 `json:"delay_millis,omitempty"`
}

// newEvent fills the common fields shared by all constructors.
func newEvent(kind Kind, taskID uuid.UUID, taskType string, userID uuid.UUID) *LifecycleEvent {
	return &LifecycleEvent{
		EventID:   uuid.New(),
		Kind:      kind,
		TaskID:    taskID,
		TaskType:  taskType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// NewSubmitted creates a Submitted event carrying the task's parameters.
func NewSubmitted(taskID uuid.UUID, taskType string, userID uuid.UUID, parameters json.RawMessage) *LifecycleEvent {
	ev := newEvent(KindSubmitted, taskID, taskType, userID)
	ev.Parameters = parameters
	return ev
}

// NewStarted creates a Started event recording the claiming node.
func NewStarted(taskID uuid.UUID, taskType string, userID uuid.UUID, nodeID string) *LifecycleEvent {
	ev := newEvent(KindStarted, taskID, taskType, userID)
	ev.NodeID = nodeID
	return ev
}

// NewProgress creates a Progress event with an opaque progress payload.
func NewProgress(taskID uuid.UUID, taskType string, userID uuid.UUID, progress json.RawMessage) *LifecycleEvent {
	ev := newEvent(KindProgress, taskID, taskType, userID)
	ev.Progress = progress
	return ev
}

// NewCompleted creates a Completed event with the success payload.
func NewCompleted(taskID uuid.UUID, taskType string, userID uuid.UUID, result json.RawMessage) *LifecycleEvent {
	ev := newEvent(KindCompleted, taskID, taskType, userID)
	ev.Result = result
	return ev
}

// NewFailed creates a Failed event. deadLetter marks the failure as final.
func NewFailed(taskID uuid.UUID, taskType string, userID uuid.UUID, errInfo *ErrorInfo, deadLetter bool) *LifecycleEvent {
	ev := newEvent(KindFailed, taskID, taskType, userID)
	ev.Error = errInfo
	ev.DeadLetter = deadLetter
	return ev
}

// NewRetrying creates a Retrying event carrying the original parameters so
// the next attempt replays the exact same input.
func NewRetrying(taskID uuid.UUID, taskType string, userID uuid.UUID, errInfo *ErrorInfo, delay time.Duration, parameters json.RawMessage) *LifecycleEvent {
	ev := newEvent(KindRetrying, taskID, taskType, userID)
	ev.Error = errInfo
	ev.DelayMillis = delay.Milliseconds()
	ev.Parameters = parameters
	return ev
}

// NewCancelled creates a Cancelled event.
func NewCancelled(taskID uuid.UUID, taskType string, userID uuid.UUID, errInfo *ErrorInfo) *LifecycleEvent {
	ev := newEvent(KindCancelled, taskID, taskType, userID)
	ev.Error = errInfo
	return ev
}

// Handler processes lifecycle events delivered by the bus.
type Handler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *LifecycleEvent) error
}

// Publisher is the interface components use to emit lifecycle events
// without direct knowledge of the consumers.
type Publisher interface {
	// Publish enqueues the event for delivery to all registered handlers.
	Publish(ctx context.Context, event *LifecycleEvent) error
}
