package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkloom/inkloom-api/internal/dispatch"
	"github.com/inkloom/inkloom-api/internal/events"
)

// chanPublisher forwards every published event to a channel so tests can
// wait for pipeline progress without polling.
type chanPublisher struct {
	ch chan *events.LifecycleEvent
}

func newChanPublisher() *chanPublisher {
	return &chanPublisher{ch: make(chan *events.LifecycleEvent, 64)}
}

func (p *chanPublisher) Publish(ctx context.Context, event *events.LifecycleEvent) error {
	p.ch <- event
	return nil
}

// waitForKind reads events until one of the given kind arrives.
func waitForKind(t *testing.T, ch <-chan *events.LifecycleEvent, kind events.Kind) *events.LifecycleEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return nil
		}
	}
}

type runnerHarness struct {
	runner    *Runner
	store     *MockTaskStore
	registry  *Registry
	publisher *chanPublisher
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()

	store := NewMockTaskStore()
	registry := NewRegistry(discardLogger())
	publisher := newChanPublisher()
	runner := NewRunner(store, registry, publisher, RunnerConfig{
		NodeID:      "test-node",
		WorkerCount: 2,
		QueueSize:   16,
	}, discardLogger())

	return &runnerHarness{
		runner:    runner,
		store:     store,
		registry:  registry,
		publisher: publisher,
	}
}

func (h *runnerHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.runner.Start())
	t.Cleanup(h.runner.Stop)
}

func TestRunnerExecutesEchoTask(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)
	require.NoError(t, h.registry.Register(EchoExecutable{}))

	params := json.RawMessage(`{"text":"hello"}`)
	record := NewTaskRecord(TaskTypeEcho, uuid.New(), params, nil)
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	// Startup recovery picks up the submitted record.
	h.start(t)

	started := waitForKind(t, h.publisher.ch, events.KindStarted)
	assert.Equal(t, record.ID, started.TaskID)
	assert.Equal(t, "test-node", started.NodeID)

	completed := waitForKind(t, h.publisher.ch, events.KindCompleted)
	assert.Equal(t, record.ID, completed.TaskID)
	assert.Equal(t, params, completed.Result)

	stored, err := h.store.GetTask(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status, "finalization belongs to the aggregator")
	assert.Equal(t, "test-node", stored.ExecutionNodeID)
}

func TestRunnerRecoversDueRetry(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)
	require.NoError(t, h.registry.Register(EchoExecutable{}))

	record := NewTaskRecord(TaskTypeEcho, uuid.New(), json.RawMessage(`{}`), nil)
	record.Status = StatusRetrying
	past := time.Now().UTC().Add(-time.Minute)
	record.NextAttemptAt = &past
	record.RetryCount = 1
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	h.start(t)

	completed := waitForKind(t, h.publisher.ch, events.KindCompleted)
	assert.Equal(t, record.ID, completed.TaskID)
}

func TestRunnerUnknownTaskTypeDeadLetters(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)

	record := NewTaskRecord("no_such_type", uuid.New(), json.RawMessage(`{}`), nil)
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	h.start(t)

	failed := waitForKind(t, h.publisher.ch, events.KindFailed)
	assert.Equal(t, record.ID, failed.TaskID)
	assert.True(t, failed.DeadLetter)
	require.NotNil(t, failed.Error)
	assert.Equal(t, events.ErrorKindValidation, failed.Error.Kind)
}

func TestRunnerLostClaimPublishesNothing(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)
	require.NoError(t, h.registry.Register(EchoExecutable{}))

	record := NewTaskRecord(TaskTypeEcho, uuid.New(), json.RawMessage(`{}`), nil)
	record.Status = StatusRunning
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	h.start(t)
	require.NoError(t, h.runner.EnqueueStart(dispatch.StartSignal{
		EventID:    uuid.New(),
		TaskID:     record.ID,
		UserID:     record.UserID,
		TaskType:   record.TaskType,
		Parameters: record.Parameters,
	}))

	select {
	case event := <-h.publisher.ch:
		t.Fatalf("unexpected %s event for unclaimable task", event.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRunnerClassifiesExecutionFailure(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)
	require.NoError(t, h.registry.Register(&stubExecutable{
		taskType: "flaky",
		err:      NewTransientError(errors.New("upstream hiccup")),
	}))

	record := NewTaskRecord("flaky", uuid.New(), json.RawMessage(`{}`), nil)
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	h.start(t)

	failed := waitForKind(t, h.publisher.ch, events.KindFailed)
	assert.False(t, failed.DeadLetter, "transient failures stay retryable")
	require.NotNil(t, failed.Error)
	assert.Equal(t, events.ErrorKindTransient, failed.Error.Kind)
}

func TestRunnerNonRetryableFailureDeadLetters(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)
	require.NoError(t, h.registry.Register(&stubExecutable{
		taskType: "broken",
		err:      NewValidationError(errors.New("bad input")),
	}))

	record := NewTaskRecord("broken", uuid.New(), json.RawMessage(`{}`), nil)
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	h.start(t)

	failed := waitForKind(t, h.publisher.ch, events.KindFailed)
	assert.True(t, failed.DeadLetter)
}

func TestRunnerCooperativeCancellation(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)

	blocking := newBlockingExecutable("blocking")
	require.NoError(t, h.registry.Register(blocking))

	record := NewTaskRecord("blocking", uuid.New(), json.RawMessage(`{}`), nil)
	require.NoError(t, h.store.CreateTask(context.Background(), record))

	h.start(t)

	select {
	case <-blocking.started:
	case <-time.After(2 * time.Second):
		t.Fatal("executable never started")
	}

	requested, err := h.runner.RequestCancel(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	cancelled := waitForKind(t, h.publisher.ch, events.KindCancelled)
	assert.Equal(t, record.ID, cancelled.TaskID)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, events.ErrorKindCancelled, cancelled.Error.Kind)
}

func TestRunnerRequestCancelForIdleTask(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)

	requested, err := h.runner.RequestCancel(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, requested, "tasks not executing here cannot be flagged")
}

func TestRunnerEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	h := newRunnerHarness(t)
	require.NoError(t, h.runner.Start())
	h.runner.Stop()

	err := h.runner.EnqueueStart(dispatch.StartSignal{EventID: uuid.New(), TaskID: uuid.New()})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestRunnerQueueFull(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	registry := NewRegistry(discardLogger())
	runner := NewRunner(store, registry, newChanPublisher(), RunnerConfig{
		NodeID:      "test-node",
		WorkerCount: 1,
		QueueSize:   1,
	}, discardLogger())
	// Not started, so nothing drains the queue.

	require.NoError(t, runner.EnqueueStart(dispatch.StartSignal{EventID: uuid.New(), TaskID: uuid.New()}))
	err := runner.EnqueueStart(dispatch.StartSignal{EventID: uuid.New(), TaskID: uuid.New()})
	assert.ErrorIs(t, err, ErrQueueFull)
}

// stubExecutable returns a fixed result or error.
type stubExecutable struct {
	taskType string
	result   json.RawMessage
	err      error
}

func (s *stubExecutable) TaskType() string { return s.taskType }

func (s *stubExecutable) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	return s.result, s.err
}

func (s *stubExecutable) IsCancellable() bool { return false }

func (s *stubExecutable) Cancel(ctx context.Context, ec *ExecContext) error {
	return ErrNotCancellable
}

func (s *stubExecutable) EstimatedExecutionSeconds(ec *ExecContext) int { return 1 }

// blockingExecutable runs until cooperatively cancelled. started is closed
// once execution has begun and the context is registered.
type blockingExecutable struct {
	taskType string
	started  chan struct{}
}

func newBlockingExecutable(taskType string) *blockingExecutable {
	return &blockingExecutable{taskType: taskType, started: make(chan struct{})}
}

func (b *blockingExecutable) TaskType() string { return b.taskType }

func (b *blockingExecutable) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	close(b.started)
	for {
		if ec.CancelRequested() {
			return nil, ErrCancelled
		}
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *blockingExecutable) IsCancellable() bool { return true }

func (b *blockingExecutable) Cancel(ctx context.Context, ec *ExecContext) error {
	ec.requestCancel()
	return nil
}

func (b *blockingExecutable) EstimatedExecutionSeconds(ec *ExecContext) int { return 60 }
