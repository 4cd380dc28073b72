package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common dispatch errors.
var (
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// StartSignal tells some execution node that a task is ready to run.
// EventID and Parameters are carried byte-for-byte from the originating
// Submitted or Retrying event.
type StartSignal struct {
	EventID    uuid.UUID       `json:"event_id"`
	TaskID     uuid.UUID       `json:"task_id"`
	UserID     uuid.UUID       `json:"user_id"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}

// Dispatcher delivers start signals to execution nodes with at-least-once
// semantics.
type Dispatcher interface {
	// Dispatch delivers the start signal for immediate execution.
	Dispatch(ctx context.Context, signal StartSignal) error

	// DispatchAfter delivers the start signal after the given delay. The
	// delay is best effort; a durable due-retry sweep backstops signals
	// lost to a process crash before the timer fires.
	DispatchAfter(ctx context.Context, signal StartSignal, delay time.Duration) error
}

// Enqueuer is the execution-node side of the transport: an in-process
// queue that accepts start signals for the local worker pool. The task
// runner implements it.
type Enqueuer interface {
	// EnqueueStart places the start signal on the local execution queue.
	EnqueueStart(signal StartSignal) error
}
