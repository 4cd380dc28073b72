package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/events"
)

// SubTaskSubmitter is the submission capability an execution context hands
// to running executables. The Submitter type implements it.
type SubTaskSubmitter interface {
	// Submit durably creates a task record and dispatches it for
	// execution, returning the new task's id.
	Submit(ctx context.Context, taskType string, userID uuid.UUID, parameters json.RawMessage, parentTaskID *uuid.UUID) (uuid.UUID, error)
}

// ExecContext is the capability object handed to a running executable.
// It is created fresh for each (taskID, nodeID, attempt) triple.
type ExecContext struct {
	taskID     uuid.UUID
	taskType   string
	userID     uuid.UUID
	parameters json.RawMessage
	nodeID     string
	attempt    int

	bus       events.Publisher
	submitter SubTaskSubmitter
	logger    *slog.Logger

	cancelRequested atomic.Bool
}

// newExecContext builds the context for one execution attempt.
func newExecContext(
	taskID uuid.UUID,
	taskType string,
	userID uuid.UUID,
	parameters json.RawMessage,
	nodeID string,
	attempt int,
	bus events.Publisher,
	submitter SubTaskSubmitter,
	logger *slog.Logger,
) *ExecContext {
	return &ExecContext{
		taskID:     taskID,
		taskType:   taskType,
		userID:     userID,
		parameters: parameters,
		nodeID:     nodeID,
		attempt:    attempt,
		bus:        bus,
		submitter:  submitter,
		logger: logger.With(
			"task_id", taskID,
			"task_type", taskType,
			"attempt", attempt,
		),
	}
}

// TaskID returns the task's unique identifier.
func (ec *ExecContext) TaskID() uuid.UUID {
	return ec.taskID
}

// TaskType returns the task type identifier.
func (ec *ExecContext) TaskType() string {
	return ec.taskType
}

// UserID returns the owning user's identifier.
func (ec *ExecContext) UserID() uuid.UUID {
	return ec.userID
}

// Parameters returns the task parameters for this attempt, byte-identical
// to the original submission.
func (ec *ExecContext) Parameters() json.RawMessage {
	return ec.parameters
}

// Attempt returns the zero-based attempt number.
func (ec *ExecContext) Attempt() int {
	return ec.attempt
}

// NodeID returns the execution node running this attempt.
func (ec *ExecContext) NodeID() string {
	return ec.nodeID
}

// UpdateProgress publishes a Progress event for this task. It is
// fire-and-forget: publish failures are logged, never returned, so the
// handler is never blocked on observers. Observers see every update in
// order; the task record retains only the latest value.
func (ec *ExecContext) UpdateProgress(ctx context.Context, progress json.RawMessage) {
	event := events.NewProgress(ec.taskID, ec.taskType, ec.userID, progress)
	if err := ec.bus.Publish(ctx, event); err != nil {
		ec.logger.Error("failed to publish progress event", "error", err)
	}
}

// SubmitSubTask durably creates a new task with this task as its parent,
// publishes its Submitted event, and returns the child's id. The parent's
// pending-children accounting is updated as part of submission.
func (ec *ExecContext) SubmitSubTask(ctx context.Context, taskType string, parameters json.RawMessage) (uuid.UUID, error) {
	parentID := ec.taskID
	childID, err := ec.submitter.Submit(ctx, taskType, ec.userID, parameters, &parentID)
	if err != nil {
		return uuid.Nil, err
	}

	ec.logger.Info("submitted subtask",
		"subtask_id", childID,
		"subtask_type", taskType)
	return childID, nil
}

// CancelRequested reports whether cooperative cancellation has been
// requested for this attempt. Executables must poll it at safe points.
func (ec *ExecContext) CancelRequested() bool {
	return ec.cancelRequested.Load()
}

// requestCancel flips the cooperative cancellation flag.
func (ec *ExecContext) requestCancel() {
	ec.cancelRequested.Store(true)
}
