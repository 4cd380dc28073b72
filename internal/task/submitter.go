package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/dispatch"
	"github.com/inkloom/inkloom-api/internal/events"
)

// Submitter is the single entry point for creating tasks: it durably
// records the task, accounts it on its parent, publishes the Submitted
// event and hands a start signal to the dispatch transport. Both the HTTP
// API and running executables (via ExecContext.SubmitSubTask) go through
// it.
type Submitter struct {
	store      TaskStore
	registry   *Registry
	bus        events.Publisher
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
}

// NewSubmitter creates a submitter.
func NewSubmitter(
	store TaskStore,
	registry *Registry,
	bus events.Publisher,
	dispatcher dispatch.Dispatcher,
	logger *slog.Logger,
) *Submitter {
	return &Submitter{
		store:      store,
		registry:   registry,
		bus:        bus,
		dispatcher: dispatcher,
		logger:     logger.With("component", "task_submitter"),
	}
}

// Submit creates a task record in the submitted state and dispatches it.
// Unknown task types are rejected up front as a configuration failure.
// The id is returned once the record is durably created; a crash after
// that point is recovered by the runner's startup sweep, and a parent
// accounting failure is logged rather than failing the already-durable
// child (the reconciliation sweep reading children by parent covers it).
func (s *Submitter) Submit(
	ctx context.Context,
	taskType string,
	userID uuid.UUID,
	parameters json.RawMessage,
	parentTaskID *uuid.UUID,
) (uuid.UUID, error) {
	if _, err := s.registry.Resolve(taskType); err != nil {
		return uuid.Nil, err
	}

	record := NewTaskRecord(taskType, userID, parameters, parentTaskID)
	if err := s.store.CreateTask(ctx, record); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task record: %w", err)
	}

	if parentTaskID != nil {
		if err := s.store.RegisterChild(ctx, *parentTaskID); err != nil {
			s.logger.Error("failed to register child on parent",
				"error", err,
				"task_id", record.ID,
				"parent_task_id", *parentTaskID)
		}
	}

	event := events.NewSubmitted(record.ID, taskType, userID, parameters)
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish submitted event",
			"error", err,
			"task_id", record.ID)
	}

	signal := dispatch.StartSignal{
		EventID:    event.EventID,
		TaskID:     record.ID,
		UserID:     userID,
		TaskType:   taskType,
		Parameters: parameters,
	}
	if err := s.dispatcher.Dispatch(ctx, signal); err != nil {
		// The record is durable; the runner's recovery sweep re-dispatches
		// submitted tasks, so a transport failure does not lose the task.
		s.logger.Error("failed to dispatch start signal",
			"error", err,
			"task_id", record.ID,
			"task_type", taskType)
	}

	s.logger.Info("task submitted",
		"task_id", record.ID,
		"task_type", taskType,
		"user_id", userID,
		"has_parent", parentTaskID != nil)
	return record.ID, nil
}

// Ensure Submitter satisfies the capability interface handed to contexts.
var _ SubTaskSubmitter = (*Submitter)(nil)
