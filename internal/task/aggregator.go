package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/dispatch"
	"github.com/inkloom/inkloom-api/internal/events"
)

// Aggregator is the idempotent consumer of lifecycle events. It is the
// only component that mutates task records: it applies state-machine
// transitions via conditional updates, makes the central retry-or-dead-
// letter decision, and resolves parent fan-in when children reach terminal
// statuses.
//
// Exactly-once-in-effect is achieved by checking the dedup cache before
// any mutation and by conditional updates that report duplicate
// application as a normal no-op.
type Aggregator struct {
	store      TaskStore
	dedup      *DedupCache
	policy     RetryPolicy
	bus        events.Publisher
	dispatcher dispatch.Dispatcher
	bridge     events.Bridge
	logger     *slog.Logger
}

// NewAggregator creates the aggregator. The bridge may be a NopBridge.
func NewAggregator(
	store TaskStore,
	dedup *DedupCache,
	policy RetryPolicy,
	bus events.Publisher,
	dispatcher dispatch.Dispatcher,
	bridge events.Bridge,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		store:      store,
		dedup:      dedup,
		policy:     policy,
		bus:        bus,
		dispatcher: dispatcher,
		bridge:     bridge,
		logger:     logger.With("component", "state_aggregator"),
	}
}

// HandleEvent applies one lifecycle event to its task record.
func (a *Aggregator) HandleEvent(ctx context.Context, event *events.LifecycleEvent) error {
	// Progress is a monotonic overwrite of a single field, so duplicate
	// application is naturally idempotent and skips the dedup cache.
	if event.Kind == events.KindProgress {
		if err := a.store.UpdateProgress(ctx, event.TaskID, event.Progress); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		a.mirror(ctx, event)
		return nil
	}

	if a.dedup.CheckAndMark(event.EventID) {
		a.logger.Debug("discarding duplicate event",
			"event_id", event.EventID,
			"event_kind", event.Kind,
			"task_id", event.TaskID)
		return nil
	}

	var err error
	switch event.Kind {
	case events.KindSubmitted:
		// The record is created durably by the submitter before the event
		// is published; nothing to mutate here.
	case events.KindStarted:
		err = a.applyStarted(ctx, event)
	case events.KindCompleted:
		err = a.applyCompleted(ctx, event)
	case events.KindFailed:
		err = a.applyFailed(ctx, event)
	case events.KindCancelled:
		err = a.applyCancelled(ctx, event)
	case events.KindRetrying:
		// Notification only: the retry transition was applied when the
		// failure was decided.
	default:
		a.logger.Warn("ignoring event of unknown kind",
			"event_kind", event.Kind,
			"event_id", event.EventID)
	}
	if err != nil {
		return err
	}

	a.mirror(ctx, event)
	return nil
}

// applyStarted applies the claim CAS. Losing the race means another node
// already claimed the task; that is a normal contention outcome.
func (a *Aggregator) applyStarted(ctx context.Context, event *events.LifecycleEvent) error {
	claimed, err := a.store.ClaimTask(ctx, event.TaskID, event.NodeID)
	if err != nil {
		return fmt.Errorf("failed to apply started event: %w", err)
	}
	if !claimed {
		a.logger.Debug("claim was a no-op, task already claimed",
			"task_id", event.TaskID,
			"node_id", event.NodeID)
	}
	return nil
}

// applyCompleted finalizes the task unless it still has pending children,
// in which case the handler result is stashed and the terminal status is
// left to fan-in.
func (a *Aggregator) applyCompleted(ctx context.Context, event *events.LifecycleEvent) error {
	record, err := a.store.GetTask(ctx, event.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task for completed event: %w", err)
	}

	if record.PendingChildren > 0 {
		if err := a.store.SetResult(ctx, record.ID, event.Result); err != nil {
			return fmt.Errorf("failed to stash parent result: %w", err)
		}
		a.logger.Info("handler completed, awaiting child fan-in",
			"task_id", record.ID,
			"pending_children", record.PendingChildren)
		return nil
	}

	return a.finalize(ctx, record, StatusCompleted, event)
}

// applyCancelled finalizes the task as cancelled from any pre-terminal
// state.
func (a *Aggregator) applyCancelled(ctx context.Context, event *events.LifecycleEvent) error {
	record, err := a.store.GetTask(ctx, event.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task for cancelled event: %w", err)
	}
	return a.finalize(ctx, record, StatusCancelled, event)
}

// applyFailed makes the central retry decision: retryable failures under
// the retry budget transition to retrying with capped exponential backoff
// and a scheduled re-dispatch of the original parameters; everything else
// dead-letters.
func (a *Aggregator) applyFailed(ctx context.Context, event *events.LifecycleEvent) error {
	record, err := a.store.GetTask(ctx, event.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task for failed event: %w", err)
	}

	if record.Status.IsTerminal() {
		a.logger.Debug("ignoring failed event for terminal task",
			"task_id", record.ID,
			"status", record.Status)
		return nil
	}

	errInfo := event.Error
	if errInfo == nil {
		errInfo = events.NewErrorInfo(events.ErrorKindUpstream, "unspecified failure")
	}

	if !event.DeadLetter && a.policy.ShouldRetry(errInfo, record.RetryCount) {
		return a.scheduleRetry(ctx, record, errInfo)
	}

	return a.finalize(ctx, record, StatusDeadLetter, event)
}

// scheduleRetry transitions the record to retrying, publishes the Retrying
// event carrying the original parameters, and schedules the re-dispatch.
func (a *Aggregator) scheduleRetry(ctx context.Context, record *TaskRecord, errInfo *events.ErrorInfo) error {
	delay := a.policy.Delay(record.RetryCount)
	nextAttemptAt := time.Now().UTC().Add(delay)

	ok, err := a.store.MarkRetrying(ctx, record.ID, errInfo, record.RetryCount+1, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to mark task retrying: %w", err)
	}
	if !ok {
		a.logger.Debug("retry transition was a no-op",
			"task_id", record.ID,
			"status", record.Status)
		return nil
	}

	retryEvent := events.NewRetrying(record.ID, record.TaskType, record.UserID, errInfo, delay, record.Parameters)
	if err := a.bus.Publish(ctx, retryEvent); err != nil {
		a.logger.Error("failed to publish retrying event",
			"error", err,
			"task_id", record.ID)
	}

	signal := dispatch.StartSignal{
		EventID:    retryEvent.EventID,
		TaskID:     record.ID,
		UserID:     record.UserID,
		TaskType:   record.TaskType,
		Parameters: record.Parameters,
	}
	if err := a.dispatcher.DispatchAfter(ctx, signal, delay); err != nil {
		// The record is durably retrying; the due-retry sweep will
		// re-dispatch it if this in-memory timer is lost.
		a.logger.Error("failed to schedule retry dispatch",
			"error", err,
			"task_id", record.ID)
	}

	a.logger.Info("scheduled retry",
		"task_id", record.ID,
		"task_type", record.TaskType,
		"retry_count", record.RetryCount+1,
		"delay", delay,
		"error_kind", errInfo.Kind)
	return nil
}

// finalize applies the terminal transition and, exactly when the
// transition succeeds, accounts the outcome on the parent. FinalizeTask
// succeeding at most once per task is what makes parent accounting
// exactly-once.
func (a *Aggregator) finalize(ctx context.Context, record *TaskRecord, status Status, event *events.LifecycleEvent) error {
	var result []byte
	var errInfo *events.ErrorInfo
	if event != nil {
		result = event.Result
		errInfo = event.Error
	}
	if result == nil {
		result = record.Result
	}

	ok, err := a.store.FinalizeTask(ctx, record.ID, status, result, errInfo)
	if err != nil {
		return fmt.Errorf("failed to finalize task: %w", err)
	}
	if !ok {
		a.logger.Debug("finalize was a no-op, task already terminal",
			"task_id", record.ID,
			"target_status", status)
		return nil
	}

	a.logger.Info("task finalized",
		"task_id", record.ID,
		"task_type", record.TaskType,
		"status", status)

	if record.ParentTaskID != nil {
		a.accountToParent(ctx, *record.ParentTaskID, status)
	}
	return nil
}

// accountToParent moves one child into its terminal status on the parent's
// counters and, when no children remain pending, computes and applies the
// parent's aggregated terminal status. Parent bookkeeping failures are
// logged and never propagate: the child's own state is authoritative for
// itself.
func (a *Aggregator) accountToParent(ctx context.Context, parentID uuid.UUID, childStatus Status) {
	fanIn, err := a.store.AccountChildOutcome(ctx, parentID, childStatus)
	if err != nil {
		a.logger.Warn("failed to account child outcome on parent",
			"error", err,
			"parent_task_id", parentID,
			"child_status", childStatus)
		return
	}

	if fanIn.PendingChildren > 0 {
		return
	}

	parent, err := a.store.GetTask(ctx, parentID)
	if err != nil {
		a.logger.Warn("failed to load parent for fan-in resolution",
			"error", err,
			"parent_task_id", parentID)
		return
	}
	if parent.Status.IsTerminal() {
		return
	}

	aggregated := AggregateStatus(fanIn.Summary)
	a.logger.Info("all children terminal, resolving parent",
		"parent_task_id", parentID,
		"aggregated_status", aggregated)

	synthetic := a.syntheticEvent(parent, aggregated, fanIn)
	// Recursion through finalize resolves deep chains without any
	// coordinator walking the tree.
	if err := a.finalize(ctx, parent, aggregated, synthetic); err != nil {
		a.logger.Warn("failed to finalize parent from fan-in",
			"error", err,
			"parent_task_id", parentID)
		return
	}

	if err := a.bus.Publish(ctx, synthetic); err != nil {
		a.logger.Error("failed to publish synthetic parent event",
			"error", err,
			"parent_task_id", parentID)
	}
}

// syntheticEvent builds the Completed or Failed event that announces a
// parent's fan-in resolution to observers.
func (a *Aggregator) syntheticEvent(parent *TaskRecord, aggregated Status, fanIn *FanInResult) *events.LifecycleEvent {
	if aggregated == StatusCompleted {
		return events.NewCompleted(parent.ID, parent.TaskType, parent.UserID, parent.Result)
	}

	failures := 0
	total := 0
	for status, count := range fanIn.Summary {
		total += count
		if !status.IsSuccess() {
			failures += count
		}
	}
	errInfo := events.NewErrorInfo(events.ErrorKindUpstream,
		fmt.Sprintf("%d of %d subtasks did not complete", failures, total))

	if aggregated == StatusCompletedWithErrors {
		ev := events.NewCompleted(parent.ID, parent.TaskType, parent.UserID, parent.Result)
		ev.Error = errInfo
		return ev
	}
	return events.NewFailed(parent.ID, parent.TaskType, parent.UserID, errInfo, false)
}

// mirror forwards the event to the external bridge. Bridge failures never
// fail the originating task.
func (a *Aggregator) mirror(ctx context.Context, event *events.LifecycleEvent) {
	if err := a.bridge.PublishExternalEvent(ctx, string(event.Kind), events.ExternalPayload(event)); err != nil {
		a.logger.Warn("failed to mirror event to external bridge",
			"error", err,
			"event_id", event.EventID,
			"event_kind", event.Kind)
	}
}

// Ensure Aggregator implements events.Handler.
var _ events.Handler = (*Aggregator)(nil)
