package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/events"
)

// Status represents the current lifecycle state of a task record.
type Status string

// Possible task status values.
const (
	StatusSubmitted           Status = "submitted"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusRetrying            Status = "retrying"
	StatusDeadLetter          Status = "dead_letter"
	StatusCancelled           Status = "cancelled"
)

// validTransitions encodes the task state machine. Absence of a source
// status means the status is terminal and admits no further transitions.
//
// Failed is terminal here: leaf failures are converted into retrying or
// dead_letter by the aggregator in the same application step, so "failed"
// is only ever persisted as a parent's aggregated terminal outcome.
var validTransitions = map[Status][]Status{
	StatusSubmitted: {StatusRunning, StatusCancelled},
	StatusRunning: {
		StatusCompleted,
		StatusCompletedWithErrors,
		StatusFailed,
		StatusRetrying,
		StatusDeadLetter,
		StatusCancelled,
	},
	StatusRetrying: {StatusRunning, StatusDeadLetter, StatusCancelled},
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	_, ok := validTransitions[s]
	return !ok
}

// CanTransition reports whether the state machine permits moving from s
// to the target status.
func (s Status) CanTransition(to Status) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsSuccess reports whether the status counts as a successful outcome for
// parent fan-in purposes.
func (s Status) IsSuccess() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors
}

// TaskRecord is the durable, versioned representation of a unit of work.
// It is created on submission and mutated only by the state aggregator in
// response to lifecycle events; the core never deletes records.
type TaskRecord struct {
	// ID uniquely identifies the task.
	ID uuid.UUID

	// TaskType routes the task to a registered executable.
	TaskType string

	// UserID is the owning user, used for authorization and filtering.
	UserID uuid.UUID

	// Parameters is the opaque typed payload the executable receives.
	// It is never mutated after submission so retries replay the exact
	// original input.
	Parameters json.RawMessage

	Status Status

	// Progress holds the latest executable-defined progress payload.
	// New progress overwrites the previous value rather than queuing.
	Progress json.RawMessage

	// Result is the opaque success payload.
	Result json.RawMessage

	// ErrorInfo is the structured failure payload.
	ErrorInfo *events.ErrorInfo

	// ParentTaskID is a non-owning back-reference to the parent task, nil
	// for root tasks.
	ParentTaskID *uuid.UUID

	// ExecutionNodeID identifies the worker node that claimed the task
	// into running.
	ExecutionNodeID string

	// RetryCount is the number of retry attempts scheduled so far.
	RetryCount int

	// NextAttemptAt is non-nil if and only if Status is retrying.
	NextAttemptAt *time.Time

	// PendingChildren counts submitted children that have not yet reached
	// a terminal status. Maintained only on tasks with children.
	PendingChildren int

	// SubTaskStatusSummary maps a child status to the number of children
	// currently in it. Maintained only on tasks with children.
	SubTaskStatusSummary map[Status]int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTaskRecord creates a record in the submitted state.
func NewTaskRecord(taskType string, userID uuid.UUID, parameters json.RawMessage, parentTaskID *uuid.UUID) *TaskRecord {
	now := time.Now().UTC()
	return &TaskRecord{
		ID:           uuid.New(),
		TaskType:     taskType,
		UserID:       userID,
		Parameters:   parameters,
		Status:       StatusSubmitted,
		ParentTaskID: parentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasParent reports whether the task was submitted as a subtask.
func (r *TaskRecord) HasParent() bool {
	return r.ParentTaskID != nil
}

// AggregateStatus computes a parent's terminal status from its child status
// summary once no children are pending: all successes yield completed, a mix
// of successes and failures yields completed_with_errors, and no successes
// at all yields failed.
func AggregateStatus(summary map[Status]int) Status {
	successes := 0
	failures := 0
	for status, count := range summary {
		if count <= 0 {
			continue
		}
		if status.IsSuccess() {
			successes += count
		} else {
			failures += count
		}
	}

	switch {
	case failures == 0:
		return StatusCompleted
	case successes == 0:
		return StatusFailed
	default:
		return StatusCompletedWithErrors
	}
}
