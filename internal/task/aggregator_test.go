package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkloom/inkloom-api/internal/dispatch"
	"github.com/inkloom/inkloom-api/internal/events"
)

// discardLogger returns a logger suitable for tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu        sync.Mutex
	published []*events.LifecycleEvent
}

func (p *capturePublisher) Publish(ctx context.Context, event *events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	return nil
}

func (p *capturePublisher) Events() []*events.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*events.LifecycleEvent(nil), p.published...)
}

func (p *capturePublisher) EventsOfKind(kind events.Kind) []*events.LifecycleEvent {
	var matched []*events.LifecycleEvent
	for _, ev := range p.Events() {
		if ev.Kind == kind {
			matched = append(matched, ev)
		}
	}
	return matched
}

// captureDispatcher records dispatched start signals.
type captureDispatcher struct {
	mu        sync.Mutex
	immediate []dispatch.StartSignal
	delayed   []delayedDispatch
}

type delayedDispatch struct {
	signal dispatch.StartSignal
	delay  time.Duration
}

func (d *captureDispatcher) Dispatch(ctx context.Context, signal dispatch.StartSignal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.immediate = append(d.immediate, signal)
	return nil
}

func (d *captureDispatcher) DispatchAfter(ctx context.Context, signal dispatch.StartSignal, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delayed = append(d.delayed, delayedDispatch{signal: signal, delay: delay})
	return nil
}

func (d *captureDispatcher) Delayed() []delayedDispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delayedDispatch(nil), d.delayed...)
}

// captureBridge counts external mirror calls.
type captureBridge struct {
	mu     sync.Mutex
	mirror []string
}

func (b *captureBridge) PublishExternalEvent(ctx context.Context, eventType string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = append(b.mirror, eventType)
	return nil
}

func (b *captureBridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mirror)
}

type aggregatorHarness struct {
	aggregator *Aggregator
	store      *MockTaskStore
	publisher  *capturePublisher
	dispatcher *captureDispatcher
	bridge     *captureBridge
}

func newAggregatorHarness(t *testing.T) *aggregatorHarness {
	t.Helper()

	store := NewMockTaskStore()
	publisher := &capturePublisher{}
	dispatcher := &captureDispatcher{}
	bridge := &captureBridge{}
	dedup := NewDedupCache(DedupCacheConfig{TTL: time.Minute, Capacity: 1000}, discardLogger())
	t.Cleanup(dedup.Stop)

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}
	aggregator := NewAggregator(store, dedup, policy, publisher, dispatcher, bridge, discardLogger())

	return &aggregatorHarness{
		aggregator: aggregator,
		store:      store,
		publisher:  publisher,
		dispatcher: dispatcher,
		bridge:     bridge,
	}
}

// seedTask inserts a record with the given status and returns it.
func (h *aggregatorHarness) seedTask(t *testing.T, status Status, parentID *uuid.UUID) *TaskRecord {
	t.Helper()
	record := NewTaskRecord("echo", uuid.New(), json.RawMessage(`{"text":"hello"}`), parentID)
	record.Status = status
	require.NoError(t, h.store.CreateTask(context.Background(), record))
	return record
}

func TestAggregatorStartedClaimsTask(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusSubmitted, nil)
	event := events.NewStarted(record.ID, record.TaskType, record.UserID, "node-1")

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)
	assert.Equal(t, "node-1", stored.ExecutionNodeID)
}

func TestAggregatorStartedLostClaimIsNoOp(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	event := events.NewStarted(record.ID, record.TaskType, record.UserID, "node-2")

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ExecutionNodeID, "losing node must not overwrite the claim")
}

func TestAggregatorCompletedFinalizesLeaf(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	result := json.RawMessage(`{"echoed":"hello"}`)
	event := events.NewCompleted(record.ID, record.TaskType, record.UserID, result)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, result, stored.Result)
}

func TestAggregatorCompletedWithPendingChildrenStashesResult(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	require.NoError(t, h.store.RegisterChild(ctx, record.ID))
	require.NoError(t, h.store.RegisterChild(ctx, record.ID))

	result := json.RawMessage(`{"outline":"done"}`)
	event := events.NewCompleted(record.ID, record.TaskType, record.UserID, result)
	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status, "terminal status is left to fan-in")
	assert.Equal(t, result, stored.Result)
	assert.Equal(t, 2, stored.PendingChildren)
}

func TestAggregatorDuplicateEventIsDiscarded(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	event := events.NewCompleted(record.ID, record.TaskType, record.UserID, nil)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))
	mirrored := h.bridge.Count()

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))
	assert.Equal(t, mirrored, h.bridge.Count(), "duplicate must not be mirrored again")
}

func TestAggregatorRetryableFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	errInfo := events.NewErrorInfo(events.ErrorKindTransient, "upstream 503")
	event := events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, false)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextAttemptAt)

	retrying := h.publisher.EventsOfKind(events.KindRetrying)
	require.Len(t, retrying, 1)
	assert.Equal(t, record.Parameters, retrying[0].Parameters,
		"retry event must carry the original parameters byte-for-byte")
	assert.Equal(t, int64(2000), retrying[0].DelayMillis)

	delayed := h.dispatcher.Delayed()
	require.Len(t, delayed, 1)
	assert.Equal(t, 2*time.Second, delayed[0].delay)
	assert.Equal(t, record.ID, delayed[0].signal.TaskID)
	assert.Equal(t, record.Parameters, delayed[0].signal.Parameters)
}

func TestAggregatorBackoffGrowsWithRetryCount(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	h.store.tasks[record.ID].RetryCount = 2

	errInfo := events.NewErrorInfo(events.ErrorKindTransient, "flaky upstream")
	event := events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, false)
	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	delayed := h.dispatcher.Delayed()
	require.Len(t, delayed, 1)
	assert.Equal(t, 8*time.Second, delayed[0].delay)

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestAggregatorExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	h.store.tasks[record.ID].RetryCount = 3

	errInfo := events.NewErrorInfo(events.ErrorKindTransient, "still failing")
	event := events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, false)
	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)
	require.NotNil(t, stored.ErrorInfo)
	assert.Equal(t, events.ErrorKindTransient, stored.ErrorInfo.Kind)
	assert.Empty(t, h.dispatcher.Delayed())
}

func TestAggregatorNonRetryableFailureDeadLetters(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	errInfo := events.NewErrorInfo(events.ErrorKindValidation, "bad parameters")
	event := events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, false)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)
	assert.Empty(t, h.publisher.EventsOfKind(events.KindRetrying))
}

func TestAggregatorExplicitDeadLetterSkipsRetry(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	errInfo := events.NewErrorInfo(events.ErrorKindTransient, "poisoned input")
	event := events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, true)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)
}

func TestAggregatorFailedOnTerminalTaskIsNoOp(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusCompleted, nil)
	errInfo := events.NewErrorInfo(events.ErrorKindTransient, "late failure")
	event := events.NewFailed(record.ID, record.TaskType, record.UserID, errInfo, false)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestAggregatorCancelledFinalizesTask(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	errInfo := events.NewErrorInfo(events.ErrorKindCancelled, "cancelled by user")
	event := events.NewCancelled(record.ID, record.TaskType, record.UserID, errInfo)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestAggregatorProgressBypassesDedup(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	record := h.seedTask(t, StatusRunning, nil)
	progress := json.RawMessage(`{"percent":40}`)
	event := events.NewProgress(record.ID, record.TaskType, record.UserID, progress)

	require.NoError(t, h.aggregator.HandleEvent(ctx, event))
	require.NoError(t, h.aggregator.HandleEvent(ctx, event), "redelivered progress is applied again")

	stored, err := h.store.GetTask(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, progress, stored.Progress)
	assert.Equal(t, 2, h.bridge.Count())
}

func TestAggregatorFanInAllChildrenSucceed(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	parent := h.seedTask(t, StatusRunning, nil)
	var children []*TaskRecord
	for i := 0; i < 2; i++ {
		require.NoError(t, h.store.RegisterChild(ctx, parent.ID))
		children = append(children, h.seedTask(t, StatusRunning, &parent.ID))
	}

	// Parent handler completes first, result stashed pending fan-in.
	parentResult := json.RawMessage(`{"outline":"ready"}`)
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(parent.ID, parent.TaskType, parent.UserID, parentResult)))

	for _, child := range children {
		require.NoError(t, h.aggregator.HandleEvent(ctx,
			events.NewCompleted(child.ID, child.TaskType, child.UserID, nil)))
	}

	stored, err := h.store.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, parentResult, stored.Result, "stashed handler result survives fan-in")
	assert.Zero(t, stored.PendingChildren)

	// The synthetic parent event announces the resolution to observers.
	completed := h.publisher.EventsOfKind(events.KindCompleted)
	require.NotEmpty(t, completed)
	assert.Equal(t, parent.ID, completed[len(completed)-1].TaskID)
}

func TestAggregatorFanInMixedOutcome(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	parent := h.seedTask(t, StatusRunning, nil)
	var children []*TaskRecord
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.RegisterChild(ctx, parent.ID))
		children = append(children, h.seedTask(t, StatusRunning, &parent.ID))
	}
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(parent.ID, parent.TaskType, parent.UserID, nil)))

	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(children[0].ID, children[0].TaskType, children[0].UserID, nil)))
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(children[1].ID, children[1].TaskType, children[1].UserID, nil)))

	errInfo := events.NewErrorInfo(events.ErrorKindValidation, "unwritable chapter")
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewFailed(children[2].ID, children[2].TaskType, children[2].UserID, errInfo, false)))

	stored, err := h.store.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, stored.Status)

	completed := h.publisher.EventsOfKind(events.KindCompleted)
	require.NotEmpty(t, completed)
	synthetic := completed[len(completed)-1]
	assert.Equal(t, parent.ID, synthetic.TaskID)
	require.NotNil(t, synthetic.Error)
	assert.Equal(t, "1 of 3 subtasks did not complete", synthetic.Error.Message)
}

func TestAggregatorFanInAllChildrenFail(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	parent := h.seedTask(t, StatusRunning, nil)
	var children []*TaskRecord
	for i := 0; i < 2; i++ {
		require.NoError(t, h.store.RegisterChild(ctx, parent.ID))
		children = append(children, h.seedTask(t, StatusRunning, &parent.ID))
	}
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(parent.ID, parent.TaskType, parent.UserID, nil)))

	errInfo := events.NewErrorInfo(events.ErrorKindPermanent, "model refused")
	for _, child := range children {
		require.NoError(t, h.aggregator.HandleEvent(ctx,
			events.NewFailed(child.ID, child.TaskType, child.UserID, errInfo, false)))
	}

	stored, err := h.store.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)

	failed := h.publisher.EventsOfKind(events.KindFailed)
	require.NotEmpty(t, failed)
	synthetic := failed[len(failed)-1]
	assert.Equal(t, parent.ID, synthetic.TaskID)
	require.NotNil(t, synthetic.Error)
	assert.Equal(t, "2 of 2 subtasks did not complete", synthetic.Error.Message)
}

func TestAggregatorFanInResolvesGrandparentChain(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)
	ctx := context.Background()

	grandparent := h.seedTask(t, StatusRunning, nil)
	require.NoError(t, h.store.RegisterChild(ctx, grandparent.ID))
	parent := h.seedTask(t, StatusRunning, &grandparent.ID)
	require.NoError(t, h.store.RegisterChild(ctx, parent.ID))
	leaf := h.seedTask(t, StatusRunning, &parent.ID)

	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(grandparent.ID, grandparent.TaskType, grandparent.UserID, nil)))
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(parent.ID, parent.TaskType, parent.UserID, nil)))

	// The leaf completing resolves the parent, which resolves the grandparent.
	require.NoError(t, h.aggregator.HandleEvent(ctx,
		events.NewCompleted(leaf.ID, leaf.TaskType, leaf.UserID, nil)))

	storedParent, err := h.store.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, storedParent.Status)

	storedGrandparent, err := h.store.GetTask(ctx, grandparent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, storedGrandparent.Status)
}
