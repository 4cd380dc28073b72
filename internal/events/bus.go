package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Common errors returned by the Bus.
var (
	ErrBusClosed = errors.New("event bus is closed")
	ErrBusFull   = errors.New("event bus mailbox is full")
)

// Bus is an in-process publish/subscribe bus for lifecycle events.
//
// Publish is non-blocking: events are placed in a bounded mailbox and a
// single dispatch goroutine delivers them to all registered handlers in
// publish order. Sequential delivery is what gives consumers the per-task
// ordering guarantee for Progress events.
type Bus struct {
	handlers []Handler
	mailbox  chan *LifecycleEvent
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBus creates a bus with the given mailbox capacity.
func NewBus(mailboxSize int, logger *slog.Logger) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	return &Bus{
		handlers: make([]Handler, 0),
		mailbox:  make(chan *LifecycleEvent, mailboxSize),
		logger:   logger.With("component", "event_bus"),
		done:     make(chan struct{}),
	}
}

// RegisterHandler adds a handler to receive all published events.
// Handlers must be registered before Start.
func (b *Bus) RegisterHandler(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	b.logger.Debug("registered event handler", "handler_count", len(b.handlers))
}

// Publish enqueues the event for asynchronous delivery. It never blocks the
// caller; a full mailbox is reported as ErrBusFull.
func (b *Bus) Publish(ctx context.Context, event *LifecycleEvent) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.mailbox <- event:
		return nil
	default:
		b.logger.Error("event bus mailbox full, dropping publish",
			"event_id", event.EventID,
			"event_kind", event.Kind,
			"task_id", event.TaskID)
		return ErrBusFull
	}
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	go b.dispatchLoop()
}

// Stop closes the bus. Events already in the mailbox are still delivered;
// Stop returns once the dispatch loop has drained and exited.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.mailbox)
	b.mu.Unlock()

	<-b.done
	b.logger.Info("event bus stopped")
}

// dispatchLoop delivers mailbox events to every handler sequentially.
// A handler error is logged and does not stop delivery to later handlers.
func (b *Bus) dispatchLoop() {
	defer close(b.done)

	for event := range b.mailbox {
		b.mu.RLock()
		handlers := make([]Handler, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.RUnlock()

		if len(handlers) == 0 {
			b.logger.Warn("no handlers registered for event",
				"event_id", event.EventID,
				"event_kind", event.Kind)
			continue
		}

		ctx := context.Background()
		for i, handler := range handlers {
			if err := handler.HandleEvent(ctx, event); err != nil {
				b.logger.Error("handler failed to process event",
					"error", err,
					"handler_index", i,
					"event_id", event.EventID,
					"event_kind", event.Kind,
					"task_id", event.TaskID)
			}
		}
	}
}

// Ensure Bus implements Publisher.
var _ Publisher = (*Bus)(nil)
