package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler collects delivered events.
type recordingHandler struct {
	mu     sync.Mutex
	events []*LifecycleEvent
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *LifecycleEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) Events() []*LifecycleEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*LifecycleEvent(nil), h.events...)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(64, testLogger())
	handler := &recordingHandler{}
	bus.RegisterHandler(handler)
	bus.Start()

	taskID := uuid.New()
	userID := uuid.New()
	published := []*LifecycleEvent{
		NewSubmitted(taskID, "echo", userID, nil),
		NewStarted(taskID, "echo", userID, "node-1"),
		NewProgress(taskID, "echo", userID, []byte(`{"percent":50}`)),
		NewCompleted(taskID, "echo", userID, []byte(`{}`)),
	}
	for _, event := range published {
		require.NoError(t, bus.Publish(context.Background(), event))
	}

	bus.Stop()

	delivered := handler.Events()
	require.Len(t, delivered, len(published))
	for i, event := range published {
		assert.Equal(t, event.EventID, delivered[i].EventID, "delivery order must match publish order")
	}
}

func TestBusDeliversToAllHandlers(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())
	first := &recordingHandler{}
	second := &recordingHandler{}
	bus.RegisterHandler(first)
	bus.RegisterHandler(second)
	bus.Start()

	event := NewSubmitted(uuid.New(), "echo", uuid.New(), nil)
	require.NoError(t, bus.Publish(context.Background(), event))
	bus.Stop()

	require.Len(t, first.Events(), 1)
	require.Len(t, second.Events(), 1)
}

func TestBusHandlerErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())
	failing := &recordingHandler{err: assert.AnError}
	healthy := &recordingHandler{}
	bus.RegisterHandler(failing)
	bus.RegisterHandler(healthy)
	bus.Start()

	require.NoError(t, bus.Publish(context.Background(), NewSubmitted(uuid.New(), "echo", uuid.New(), nil)))
	bus.Stop()

	assert.Len(t, healthy.Events(), 1, "later handlers still receive the event")
}

func TestBusFullMailbox(t *testing.T) {
	t.Parallel()

	// Not started, so nothing drains the mailbox.
	bus := NewBus(1, testLogger())
	bus.RegisterHandler(&recordingHandler{})

	require.NoError(t, bus.Publish(context.Background(), NewSubmitted(uuid.New(), "echo", uuid.New(), nil)))
	err := bus.Publish(context.Background(), NewSubmitted(uuid.New(), "echo", uuid.New(), nil))
	assert.ErrorIs(t, err, ErrBusFull)
}

func TestBusPublishAfterStop(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())
	bus.RegisterHandler(&recordingHandler{})
	bus.Start()
	bus.Stop()

	err := bus.Publish(context.Background(), NewSubmitted(uuid.New(), "echo", uuid.New(), nil))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBusStopDrainsMailbox(t *testing.T) {
	t.Parallel()

	bus := NewBus(64, testLogger())
	slow := &slowHandler{delay: 5 * time.Millisecond, inner: &recordingHandler{}}
	bus.RegisterHandler(slow)
	bus.Start()

	const count = 10
	for i := 0; i < count; i++ {
		require.NoError(t, bus.Publish(context.Background(), NewSubmitted(uuid.New(), "echo", uuid.New(), nil)))
	}

	bus.Stop()
	assert.Len(t, slow.inner.Events(), count, "Stop returns only after the mailbox is drained")
}

func TestBusStopIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())
	bus.Start()
	bus.Stop()
	bus.Stop()
}

// slowHandler delays each delivery.
type slowHandler struct {
	delay time.Duration
	inner *recordingHandler
}

func (h *slowHandler) HandleEvent(ctx context.Context, event *LifecycleEvent) error {
	time.Sleep(h.delay)
	return h.inner.HandleEvent(ctx, event)
}
