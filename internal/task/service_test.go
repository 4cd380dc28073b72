package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkloom/inkloom-api/internal/events"
	"github.com/inkloom/inkloom-api/internal/store"
)

type serviceHarness struct {
	service    *Service
	store      *MockTaskStore
	publisher  *capturePublisher
	dispatcher *captureDispatcher
	registry   *Registry
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()

	taskStore := NewMockTaskStore()
	publisher := &capturePublisher{}
	dispatcher := &captureDispatcher{}
	registry := NewRegistry(discardLogger())
	require.NoError(t, registry.Register(EchoExecutable{}))

	runner := NewRunner(taskStore, registry, publisher, RunnerConfig{NodeID: "test-node"}, discardLogger())
	submitter := NewSubmitter(taskStore, registry, publisher, dispatcher, discardLogger())
	service := NewService(taskStore, submitter, runner, registry, publisher, discardLogger())

	return &serviceHarness{
		service:    service,
		store:      taskStore,
		publisher:  publisher,
		dispatcher: dispatcher,
		registry:   registry,
	}
}

func TestServiceSubmitCreatesAndDispatches(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	userID := uuid.New()
	params := json.RawMessage(`{"text":"hi"}`)
	taskID, err := h.service.Submit(ctx, TaskTypeEcho, userID, params)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, taskID)

	record, err := h.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, record.Status)
	assert.Equal(t, userID, record.UserID)
	assert.Equal(t, params, record.Parameters)

	submitted := h.publisher.EventsOfKind(events.KindSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, taskID, submitted[0].TaskID)
	assert.Equal(t, params, submitted[0].Parameters)

	h.dispatcher.mu.Lock()
	defer h.dispatcher.mu.Unlock()
	require.Len(t, h.dispatcher.immediate, 1)
	assert.Equal(t, taskID, h.dispatcher.immediate[0].TaskID)
	assert.Equal(t, submitted[0].EventID, h.dispatcher.immediate[0].EventID,
		"start signal carries the submitted event id")
}

func TestServiceSubmitRejectsUnknownType(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)

	_, err := h.service.Submit(context.Background(), "no_such_type", uuid.New(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTaskType)
	assert.Empty(t, h.publisher.Events())
}

func TestServiceGetHidesForeignTasks(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	taskID, err := h.service.Submit(ctx, TaskTypeEcho, owner, json.RawMessage(`{}`))
	require.NoError(t, err)

	record, err := h.service.Get(ctx, owner, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskID, record.ID)

	_, err = h.service.Get(ctx, uuid.New(), taskID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound, "foreign tasks must read as absent")
}

func TestServiceListChildrenChecksOwnership(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	parentID, err := h.service.Submit(ctx, TaskTypeEcho, owner, json.RawMessage(`{}`))
	require.NoError(t, err)

	child := NewTaskRecord(TaskTypeEcho, owner, json.RawMessage(`{}`), &parentID)
	require.NoError(t, h.store.CreateTask(ctx, child))

	children, err := h.service.ListChildren(ctx, owner, parentID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	_, err = h.service.ListChildren(ctx, uuid.New(), parentID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestServiceCancelPendingTask(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	taskID, err := h.service.Submit(ctx, TaskTypeEcho, owner, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, h.service.Cancel(ctx, owner, taskID))

	cancelled := h.publisher.EventsOfKind(events.KindCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, taskID, cancelled[0].TaskID)
	require.NotNil(t, cancelled[0].Error)
	assert.Equal(t, events.ErrorKindCancelled, cancelled[0].Error.Kind)
}

func TestServiceCancelTerminalTask(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	record := NewTaskRecord(TaskTypeEcho, owner, json.RawMessage(`{}`), nil)
	record.Status = StatusCompleted
	require.NoError(t, h.store.CreateTask(ctx, record))

	err := h.service.Cancel(ctx, owner, record.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestServiceCancelRunningOnOtherNode(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	record := NewTaskRecord(TaskTypeEcho, owner, json.RawMessage(`{}`), nil)
	record.Status = StatusRunning
	record.ExecutionNodeID = "some-other-node"
	require.NoError(t, h.store.CreateTask(ctx, record))

	err := h.service.Cancel(ctx, owner, record.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestServiceCancelForeignTask(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	taskID, err := h.service.Submit(ctx, TaskTypeEcho, owner, json.RawMessage(`{}`))
	require.NoError(t, err)

	err = h.service.Cancel(ctx, uuid.New(), taskID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestSubmitterRegistersChildOnParent(t *testing.T) {
	t.Parallel()
	h := newServiceHarness(t)
	ctx := context.Background()

	owner := uuid.New()
	parentID, err := h.service.Submit(ctx, TaskTypeEcho, owner, json.RawMessage(`{}`))
	require.NoError(t, err)

	submitter := NewSubmitter(h.store, h.registry, h.publisher, h.dispatcher, discardLogger())
	childID, err := submitter.Submit(ctx, TaskTypeEcho, owner, json.RawMessage(`{"part":1}`), &parentID)
	require.NoError(t, err)

	parent, err := h.store.GetTask(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.PendingChildren)
	assert.Equal(t, 1, parent.SubTaskStatusSummary[StatusSubmitted])

	child, err := h.store.GetTask(ctx, childID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentTaskID)
	assert.Equal(t, parentID, *child.ParentTaskID)
}
