package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/dispatch"
	"github.com/inkloom/inkloom-api/internal/events"
)

// Common errors returned by the Runner.
var (
	ErrRunnerClosed = errors.New("task runner is closed")
	ErrQueueFull    = errors.New("task queue is full")
)

// RunnerConfig holds configuration for the task runner.
type RunnerConfig struct {
	// NodeID identifies this execution node in claims and Started events.
	NodeID string

	// WorkerCount determines how many concurrent workers process tasks.
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory signal queue.
	QueueSize int

	// RetrySweepInterval is how often the runner re-dispatches retrying
	// tasks whose attempt time has come. This is the durable backstop for
	// in-memory retry timers lost to a crash.
	RetrySweepInterval time.Duration

	// StaleRunningAge defines how long a task can sit in running state
	// before the node that claimed it is presumed dead and the task is
	// pushed back through the failure machinery.
	StaleRunningAge time.Duration

	// StaleSweepInterval is how often to check for stale running tasks.
	StaleSweepInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		NodeID:             "node-" + uuid.NewString(),
		WorkerCount:        4,
		QueueSize:          256,
		RetrySweepInterval: 15 * time.Second,
		StaleRunningAge:    30 * time.Minute,
		StaleSweepInterval: 5 * time.Minute,
	}
}

// Runner is an execution node: it consumes start signals, claims tasks via
// compare-and-swap, resolves executables from the registry, runs them on a
// bounded worker pool and translates their outcomes into lifecycle events.
// Blocking work only ever occupies one worker goroutine, never the event
// pipeline.
type Runner struct {
	store    TaskStore
	registry *Registry
	bus      events.Publisher
	config   RunnerConfig
	logger   *slog.Logger

	signals chan dispatch.StartSignal

	// running tracks in-flight execution contexts for cooperative
	// cancellation requests.
	runningMu sync.Mutex
	running   map[uuid.UUID]*ExecContext

	submitter SubTaskSubmitter

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closedMu   sync.Mutex
	closed     bool
}

// NewRunner creates a runner. The submitter is handed to execution
// contexts so handlers can submit subtasks.
func NewRunner(store TaskStore, registry *Registry, bus events.Publisher, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.NodeID == "" {
		config.NodeID = DefaultRunnerConfig().NodeID
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultRunnerConfig().QueueSize
	}
	if config.RetrySweepInterval <= 0 {
		config.RetrySweepInterval = DefaultRunnerConfig().RetrySweepInterval
	}
	if config.StaleSweepInterval <= 0 {
		config.StaleSweepInterval = DefaultRunnerConfig().StaleSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		registry:   registry,
		bus:        bus,
		config:     config,
		logger:     logger.With("component", "task_runner", "node_id", config.NodeID),
		signals:    make(chan dispatch.StartSignal, config.QueueSize),
		running:    make(map[uuid.UUID]*ExecContext),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// SetSubmitter wires the subtask submitter. Must be called before Start;
// it is separate from the constructor because the submitter itself needs a
// dispatcher that wraps this runner.
func (r *Runner) SetSubmitter(submitter SubTaskSubmitter) {
	r.submitter = submitter
}

// NodeID returns this node's identifier.
func (r *Runner) NodeID() string {
	return r.config.NodeID
}

// EnqueueStart places a start signal on the local queue. Implements
// dispatch.Enqueuer.
func (r *Runner) EnqueueStart(signal dispatch.StartSignal) error {
	r.closedMu.Lock()
	closed := r.closed
	r.closedMu.Unlock()
	if closed {
		return ErrRunnerClosed
	}

	select {
	case r.signals <- signal:
		return nil
	default:
		return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, cap(r.signals))
	}
}

// Start recovers unfinished tasks and launches the worker pool and sweeps.
func (r *Runner) Start() error {
	if err := r.Recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.retrySweep()

	r.wg.Add(1)
	go r.staleRunningSweep()

	r.logger.Info("task runner started",
		"worker_count", r.config.WorkerCount,
		"queue_size", r.config.QueueSize)
	return nil
}

// Stop gracefully shuts down the runner. In-flight attempts finish; queued
// signals are abandoned and recovered by the next startup sweep.
func (r *Runner) Stop() {
	r.closedMu.Lock()
	if r.closed {
		r.closedMu.Unlock()
		return
	}
	r.closed = true
	r.closedMu.Unlock()

	r.cancelFunc()
	r.wg.Wait()
	close(r.signals)
	r.logger.Info("task runner stopped")
}

// Recover re-dispatches tasks left over from previous runs: submitted
// tasks that never got a start signal and retrying tasks whose attempt
// time has passed.
func (r *Runner) Recover() error {
	ctx := context.Background()

	submitted, err := r.store.ListByStatus(ctx, StatusSubmitted, 0)
	if err != nil {
		return fmt.Errorf("failed to list submitted tasks: %w", err)
	}

	due, err := r.store.DueRetries(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list due retries: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"submitted_count", len(submitted),
		"due_retry_count", len(due))

	for _, record := range append(submitted, due...) {
		r.enqueueRecord(record)
	}
	return nil
}

// RequestCancel requests cooperative cancellation of a task running on
// this node. Returns (false, nil) if the task is not currently executing
// here, and ErrNotCancellable if the executable does not support
// cancellation.
func (r *Runner) RequestCancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	r.runningMu.Lock()
	ec, ok := r.running[taskID]
	r.runningMu.Unlock()
	if !ok {
		return false, nil
	}

	exec, err := r.registry.Resolve(ec.TaskType())
	if err != nil {
		return false, err
	}
	if !exec.IsCancellable() {
		return false, ErrNotCancellable
	}

	if err := exec.Cancel(ctx, ec); err != nil {
		return false, fmt.Errorf("failed to request cancellation: %w", err)
	}
	r.logger.Info("cancellation requested", "task_id", taskID)
	return true, nil
}

// enqueueRecord builds a start signal from a durable record and queues it.
func (r *Runner) enqueueRecord(record *TaskRecord) {
	signal := dispatch.StartSignal{
		EventID:    uuid.New(),
		TaskID:     record.ID,
		UserID:     record.UserID,
		TaskType:   record.TaskType,
		Parameters: record.Parameters,
	}
	if err := r.EnqueueStart(signal); err != nil {
		r.logger.Error("failed to enqueue recovered task",
			"error", err,
			"task_id", record.ID,
			"task_type", record.TaskType)
	}
}

// worker processes start signals from the queue.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return
		case signal := <-r.signals:
			r.processSignal(signal, id)
		}
	}
}

// processSignal handles one execution attempt: claim, resolve, execute,
// translate the outcome into a lifecycle event.
func (r *Runner) processSignal(signal dispatch.StartSignal, workerID int) {
	ctx := r.ctx
	logger := r.logger.With(
		"task_id", signal.TaskID,
		"task_type", signal.TaskType,
		"worker_id", workerID,
	)

	claimed, err := r.store.ClaimTask(ctx, signal.TaskID, r.config.NodeID)
	if err != nil {
		logger.Error("failed to claim task", "error", err)
		return
	}
	if !claimed {
		// Another node won the claim, or the task is no longer claimable.
		// At-least-once delivery makes this a normal outcome.
		logger.Debug("claim lost, skipping signal", "event_id", signal.EventID)
		return
	}

	record, err := r.store.GetTask(ctx, signal.TaskID)
	if err != nil {
		logger.Error("failed to load claimed task", "error", err)
		return
	}

	exec, err := r.registry.Resolve(record.TaskType)
	if err != nil {
		// Configuration failure: a claimed task with no executable must
		// surface, never be silently dropped.
		logger.Error("no executable registered for claimed task", "error", err)
		errInfo := events.NewErrorInfo(events.ErrorKindValidation, err.Error())
		r.publish(ctx, events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, true))
		return
	}

	r.publish(ctx, events.NewStarted(record.ID, record.TaskType, record.UserID, r.config.NodeID))

	// The signal's parameters are used, not the record's, so the attempt
	// replays exactly what the originating event carried.
	ec := newExecContext(
		record.ID,
		record.TaskType,
		record.UserID,
		signal.Parameters,
		r.config.NodeID,
		record.RetryCount,
		r.bus,
		r.submitter,
		r.logger,
	)

	r.runningMu.Lock()
	r.running[record.ID] = ec
	r.runningMu.Unlock()
	defer func() {
		r.runningMu.Lock()
		delete(r.running, record.ID)
		r.runningMu.Unlock()
	}()

	logger.Info("executing task",
		"attempt", record.RetryCount,
		"estimated_seconds", exec.EstimatedExecutionSeconds(ec))

	result, execErr := exec.Execute(ctx, ec)
	if execErr == nil {
		r.publish(ctx, events.NewCompleted(record.ID, record.TaskType, record.UserID, result))
		logger.Info("task execution succeeded")
		return
	}

	errInfo := ClassifyError(execErr)
	if errInfo.Kind == events.ErrorKindCancelled {
		r.publish(ctx, events.NewCancelled(record.ID, record.TaskType, record.UserID, errInfo))
		logger.Info("task execution cancelled")
		return
	}

	deadLetter := !errInfo.Retryable()
	r.publish(ctx, events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, deadLetter))
	logger.Error("task execution failed",
		"error", execErr,
		"error_kind", errInfo.Kind,
		"dead_letter", deadLetter)
}

// publish sends a lifecycle event, logging failures. Losing an event here
// is recovered by the sweeps over the durable records.
func (r *Runner) publish(ctx context.Context, event *events.LifecycleEvent) {
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish lifecycle event",
			"error", err,
			"event_kind", event.Kind,
			"task_id", event.TaskID)
	}
}

// retrySweep periodically re-dispatches retrying tasks whose next attempt
// time has come.
func (r *Runner) retrySweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.RetrySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			due, err := r.store.DueRetries(context.Background(), time.Now().UTC())
			if err != nil {
				r.logger.Error("failed to check for due retries", "error", err)
				continue
			}
			for _, record := range due {
				r.enqueueRecord(record)
			}
		}
	}
}

// staleRunningSweep pushes tasks stuck in running (their claiming node
// presumed dead) back through the failure machinery so the retry policy
// decides their fate.
func (r *Runner) staleRunningSweep() {
	defer r.wg.Done()

	if r.config.StaleRunningAge <= 0 {
		return
	}

	ticker := time.NewTicker(r.config.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx := context.Background()
			stale, err := r.store.ListByStatus(ctx, StatusRunning, r.config.StaleRunningAge)
			if err != nil {
				r.logger.Error("failed to check for stale running tasks", "error", err)
				continue
			}
			for _, record := range stale {
				r.logger.Warn("reclaiming stale running task",
					"task_id", record.ID,
					"task_type", record.TaskType,
					"claimed_by", record.ExecutionNodeID)
				errInfo := events.NewErrorInfo(events.ErrorKindTransient,
					fmt.Sprintf("execution node %s presumed dead", record.ExecutionNodeID))
				r.publish(ctx, events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, false))
			}
		}
	}
}

// Ensure Runner implements dispatch.Enqueuer.
var _ dispatch.Enqueuer = (*Runner)(nil)
