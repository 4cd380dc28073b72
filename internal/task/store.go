package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/events"
)

// FanInResult reports the parent's accounting state after a child outcome
// has been applied.
type FanInResult struct {
	// PendingChildren is the number of children still awaiting a terminal
	// status after the update.
	PendingChildren int

	// Summary is the parent's child-status summary after the update.
	Summary map[Status]int
}

// TaskStore defines the durable store contract for task records. All
// conditional updates follow the same convention as the underlying
// database: losing a compare-and-swap race is reported as (false, nil),
// never as an error.
type TaskStore interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, record *TaskRecord) error

	// GetTask retrieves a task record by ID. Returns store.ErrTaskNotFound
	// if no record exists.
	GetTask(ctx context.Context, id uuid.UUID) (*TaskRecord, error)

	// ClaimTask attempts the compare-and-swap transition from submitted or
	// retrying into running, recording the claiming node and clearing any
	// scheduled attempt time. Returns false if another node won the claim
	// or the task is not claimable.
	ClaimTask(ctx context.Context, id uuid.UUID, nodeID string) (bool, error)

	// UpdateProgress stores the latest progress payload. The previous value
	// is overwritten; only running tasks accept progress.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error

	// SetResult stores the handler's success payload without changing
	// status. Used for parents whose terminal status awaits child fan-in.
	SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error

	// FinalizeTask attempts the compare-and-swap transition into the given
	// terminal status. Returns false if the record is already terminal,
	// which callers treat as a normal duplicate-application outcome.
	FinalizeTask(ctx context.Context, id uuid.UUID, status Status, result json.RawMessage, errInfo *events.ErrorInfo) (bool, error)

	// MarkRetrying attempts the transition into retrying, recording the
	// failure, the new retry count and the next attempt time. Returns
	// false if the record is not in a retryable state.
	MarkRetrying(ctx context.Context, id uuid.UUID, errInfo *events.ErrorInfo, retryCount int, nextAttemptAt time.Time) (bool, error)

	// RegisterChild increments the parent's pending-children counter and
	// its summary count for newly submitted children.
	RegisterChild(ctx context.Context, parentID uuid.UUID) error

	// AccountChildOutcome atomically moves one child from pending into the
	// given terminal status on the parent's counters and returns the
	// resulting fan-in state. Returns store.ErrTaskNotFound if the parent
	// does not exist.
	AccountChildOutcome(ctx context.Context, parentID uuid.UUID, childStatus Status) (*FanInResult, error)

	// ListChildren returns all tasks whose ParentTaskID equals parentID.
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*TaskRecord, error)

	// ListByStatus returns tasks in the given status. If olderThan is
	// non-zero, only tasks whose UpdatedAt is older than the duration are
	// returned.
	ListByStatus(ctx context.Context, status Status, olderThan time.Duration) ([]*TaskRecord, error)

	// DueRetries returns retrying tasks whose NextAttemptAt is at or
	// before now.
	DueRetries(ctx context.Context, now time.Time) ([]*TaskRecord, error)
}
