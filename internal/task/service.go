package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/events"
	"github.com/inkloom/inkloom-api/internal/store"
)

// Service is the caller-facing facade over the engine: submission,
// queries scoped to the owning user, and cancellation requests. The HTTP
// API is its only consumer today.
type Service struct {
	taskStore TaskStore
	submitter *Submitter
	runner    *Runner
	registry  *Registry
	bus       events.Publisher
	logger    *slog.Logger
}

// NewService creates a task service.
func NewService(
	taskStore TaskStore,
	submitter *Submitter,
	runner *Runner,
	registry *Registry,
	bus events.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		taskStore: taskStore,
		submitter: submitter,
		runner:    runner,
		registry:  registry,
		bus:       bus,
		logger:    logger.With("component", "task_service"),
	}
}

// Submit creates and dispatches a root task for the user.
func (s *Service) Submit(ctx context.Context, taskType string, userID uuid.UUID, parameters json.RawMessage) (uuid.UUID, error) {
	return s.submitter.Submit(ctx, taskType, userID, parameters, nil)
}

// Get returns the task if it belongs to the user.
func (s *Service) Get(ctx context.Context, userID, taskID uuid.UUID) (*TaskRecord, error) {
	record, err := s.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		// Present foreign tasks as absent rather than leaking existence.
		return nil, store.ErrTaskNotFound
	}
	return record, nil
}

// ListChildren returns the task's children if the task belongs to the
// user.
func (s *Service) ListChildren(ctx context.Context, userID, taskID uuid.UUID) ([]*TaskRecord, error) {
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return nil, err
	}
	return s.taskStore.ListChildren(ctx, taskID)
}

// Cancel requests cancellation of the user's task. For tasks executing on
// this node the cooperative flag is flipped and the handler decides when
// to stop; tasks still waiting to run (submitted or retrying) are
// finalized as cancelled directly. Running tasks claimed by other nodes
// and tasks whose executable is not cancellable are reported as
// ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, userID, taskID uuid.UUID) error {
	record, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: task already %s", ErrNotCancellable, record.Status)
	}

	if record.Status == StatusRunning {
		requested, err := s.runner.RequestCancel(ctx, taskID)
		if err != nil {
			return err
		}
		if !requested {
			return fmt.Errorf("%w: task is running on node %s", ErrNotCancellable, record.ExecutionNodeID)
		}
		return nil
	}

	// Not yet executing: cancel through the normal event path.
	errInfo := events.NewErrorInfo(events.ErrorKindCancelled, "cancelled before execution")
	event := events.NewCancelled(record.ID, record.TaskType, record.UserID, errInfo)
	if err := s.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish cancelled event: %w", err)
	}

	s.logger.Info("cancellation submitted",
		"task_id", taskID,
		"prior_status", record.Status)
	return nil
}
