package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Bridge mirrors lifecycle events onto an external bus for observers
// outside the process. Bridge failures must never fail the originating
// task; callers are expected to log and continue.
type Bridge interface {
	// PublishExternalEvent publishes the payload under the given event type.
	PublishExternalEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// NopBridge discards all events. Used when no external bus is configured.
type NopBridge struct{}

// PublishExternalEvent implements Bridge as a no-op.
func (NopBridge) PublishExternalEvent(ctx context.Context, eventType string, payload map[string]any) error {
	return nil
}

// NATSBridge publishes lifecycle events to NATS subjects of the form
// "<prefix>.<eventType>".
type NATSBridge struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

// NewNATSBridge creates a bridge over an established NATS connection.
func NewNATSBridge(conn *nats.Conn, subjectPrefix string, logger *slog.Logger) *NATSBridge {
	if subjectPrefix == "" {
		subjectPrefix = "tasks.events"
	}
	return &NATSBridge{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger.With("component", "nats_event_bridge"),
	}
}

// PublishExternalEvent serializes the payload as JSON and publishes it.
func (b *NATSBridge) PublishExternalEvent(ctx context.Context, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal external event payload: %w", err)
	}

	subject := b.subjectPrefix + "." + eventType
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish external event to %s: %w", subject, err)
	}

	b.logger.Debug("published external event", "subject", subject)
	return nil
}

// ExternalPayload flattens a lifecycle event into the map shape the bridge
// contract expects.
func ExternalPayload(event *LifecycleEvent) map[string]any {
	payload := map[string]any{
		"event_id":  event.EventID.String(),
		"task_id":   event.TaskID.String(),
		"task_type": event.TaskType,
		"user_id":   event.UserID.String(),
		"timestamp": event.Timestamp,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}
	if event.Error != nil {
		payload["error_kind"] = event.Error.Kind
		payload["error_message"] = event.Error.Message
	}
	if event.Kind == KindFailed {
		payload["dead_letter"] = event.DeadLetter
	}
	if event.Kind == KindRetrying {
		payload["delay_millis"] = event.DelayMillis
	}
	return payload
}

var (
	_ Bridge = (*NopBridge)(nil)
	_ Bridge = (*NATSBridge)(nil)
)
