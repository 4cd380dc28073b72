package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSDispatcherConfig holds the subject and queue group settings for the
// distributed dispatch path.
type NATSDispatcherConfig struct {
	// Subject is the NATS subject start signals are published to.
	Subject string

	// Queue is the queue group name workers subscribe under. Members of
	// the same group split the signal stream, which delegates node
	// selection to the broker.
	Queue string
}

// DefaultNATSDispatcherConfig returns configuration with sensible defaults.
func DefaultNATSDispatcherConfig() NATSDispatcherConfig {
	return NATSDispatcherConfig{
		Subject: "tasks.dispatch",
		Queue:   "task-workers",
	}
}

// NATSDispatcher publishes start signals to a NATS subject and consumes
// them via a queue subscription, so any worker node in the group may claim
// the task. Delivery is at-least-once; the claim CAS on the task record
// makes duplicate deliveries harmless.
type NATSDispatcher struct {
	conn     *nats.Conn
	config   NATSDispatcherConfig
	enqueuer Enqueuer
	sub      *nats.Subscription
	logger   *slog.Logger
}

// NewNATSDispatcher creates a dispatcher over an established NATS
// connection. The enqueuer receives signals consumed from the queue group.
func NewNATSDispatcher(conn *nats.Conn, config NATSDispatcherConfig, enqueuer Enqueuer, logger *slog.Logger) *NATSDispatcher {
	if config.Subject == "" {
		config.Subject = DefaultNATSDispatcherConfig().Subject
	}
	if config.Queue == "" {
		config.Queue = DefaultNATSDispatcherConfig().Queue
	}
	return &NATSDispatcher{
		conn:     conn,
		config:   config,
		enqueuer: enqueuer,
		logger:   logger.With("component", "nats_dispatcher"),
	}
}

// Start subscribes this node to the worker queue group.
func (d *NATSDispatcher) Start() error {
	sub, err := d.conn.QueueSubscribe(d.config.Subject, d.config.Queue, d.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", d.config.Subject, err)
	}
	d.sub = sub
	d.logger.Info("subscribed to dispatch subject",
		"subject", d.config.Subject,
		"queue", d.config.Queue)
	return nil
}

// Stop drains the subscription so in-flight messages finish delivery.
func (d *NATSDispatcher) Stop() error {
	if d.sub == nil {
		return nil
	}
	if err := d.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain dispatch subscription: %w", err)
	}
	return nil
}

// Dispatch publishes the start signal to the dispatch subject.
func (d *NATSDispatcher) Dispatch(ctx context.Context, signal StartSignal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal start signal: %w", err)
	}

	if err := d.conn.Publish(d.config.Subject, data); err != nil {
		return fmt.Errorf("failed to publish start signal: %w", err)
	}

	d.logger.Debug("published start signal",
		"event_id", signal.EventID,
		"task_id", signal.TaskID,
		"task_type", signal.TaskType)
	return nil
}

// DispatchAfter publishes the start signal once the delay elapses. The
// timer is in-memory; the due-retry sweep backstops it from the durable
// record.
func (d *NATSDispatcher) DispatchAfter(ctx context.Context, signal StartSignal, delay time.Duration) error {
	if delay <= 0 {
		return d.Dispatch(ctx, signal)
	}

	time.AfterFunc(delay, func() {
		if err := d.Dispatch(context.Background(), signal); err != nil {
			d.logger.Error("failed to publish delayed start signal",
				"error", err,
				"event_id", signal.EventID,
				"task_id", signal.TaskID)
		}
	})
	return nil
}

// handleMessage decodes a consumed signal and hands it to the local queue.
func (d *NATSDispatcher) handleMessage(msg *nats.Msg) {
	var signal StartSignal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		d.logger.Error("failed to unmarshal start signal", "error", err)
		return
	}

	if err := d.enqueuer.EnqueueStart(signal); err != nil {
		d.logger.Error("failed to enqueue consumed start signal",
			"error", err,
			"event_id", signal.EventID,
			"task_id", signal.TaskID)
	}
}

var _ Dispatcher = (*NATSDispatcher)(nil)
