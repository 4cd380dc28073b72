package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LocalDispatcher executes start signals in-process by handing them to the
// local runner queue. Useful for tests and single-node deployments.
type LocalDispatcher struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewLocalDispatcher creates a dispatcher bound to the local enqueuer.
func NewLocalDispatcher(enqueuer Enqueuer, logger *slog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		enqueuer: enqueuer,
		logger:   logger.With("component", "local_dispatcher"),
	}
}

// Dispatch enqueues the signal on the local execution queue.
func (d *LocalDispatcher) Dispatch(ctx context.Context, signal StartSignal) error {
	if err := d.enqueuer.EnqueueStart(signal); err != nil {
		return fmt.Errorf("failed to enqueue start signal: %w", err)
	}
	d.logger.Debug("dispatched start signal locally",
		"event_id", signal.EventID,
		"task_id", signal.TaskID,
		"task_type", signal.TaskType)
	return nil
}

// DispatchAfter enqueues the signal once the delay elapses. The timer is
// in-memory only; the runner's due-retry sweep re-dispatches from the
// durable record if the process dies first.
func (d *LocalDispatcher) DispatchAfter(ctx context.Context, signal StartSignal, delay time.Duration) error {
	if delay <= 0 {
		return d.Dispatch(ctx, signal)
	}

	time.AfterFunc(delay, func() {
		if err := d.enqueuer.EnqueueStart(signal); err != nil {
			d.logger.Error("failed to enqueue delayed start signal",
				"error", err,
				"event_id", signal.EventID,
				"task_id", signal.TaskID)
		}
	})
	return nil
}

var _ Dispatcher = (*LocalDispatcher)(nil)
