package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopBridgeDiscards(t *testing.T) {
	t.Parallel()

	bridge := NopBridge{}
	assert.NoError(t, bridge.PublishExternalEvent(context.Background(), "completed", map[string]any{"k": "v"}))
}

func TestExternalPayloadCommonFields(t *testing.T) {
	t.Parallel()

	event := NewStarted(uuid.New(), "chapter_generation", uuid.New(), "node-7")
	payload := ExternalPayload(event)

	assert.Equal(t, event.EventID.String(), payload["event_id"])
	assert.Equal(t, event.TaskID.String(), payload["task_id"])
	assert.Equal(t, "chapter_generation", payload["task_type"])
	assert.Equal(t, event.UserID.String(), payload["user_id"])
	assert.Equal(t, "node-7", payload["node_id"])
	assert.NotContains(t, payload, "error_kind")
	assert.NotContains(t, payload, "dead_letter")
}

func TestExternalPayloadFailure(t *testing.T) {
	t.Parallel()

	errInfo := NewErrorInfo(ErrorKindTransient, "upstream 503")
	event := NewFailed(uuid.New(), "echo", uuid.New(), errInfo, true)
	payload := ExternalPayload(event)

	assert.Equal(t, ErrorKindTransient, payload["error_kind"])
	assert.Equal(t, "upstream 503", payload["error_message"])
	assert.Equal(t, true, payload["dead_letter"])
}

func TestExternalPayloadRetrying(t *testing.T) {
	t.Parallel()

	errInfo := NewErrorInfo(ErrorKindUpstream, "model timeout")
	event := NewRetrying(uuid.New(), "echo", uuid.New(), errInfo, 4*time.Second, nil)
	payload := ExternalPayload(event)

	require.Contains(t, payload, "delay_millis")
	assert.Equal(t, int64(4000), payload["delay_millis"])
}
