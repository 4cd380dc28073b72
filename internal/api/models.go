package api

import (
	"encoding/json"
	"time"

	"github.com/inkloom/inkloom-api/internal/task"
)

// SubmitTaskRequest represents the request body for submitting a new task
type SubmitTaskRequest struct {
	TaskType   string          `json:"task_type"  validate:"required"`
	Parameters json.RawMessage `json:"parameters" validate:"required"`
}

// TaskErrorResponse is the error detail attached to a failed task
type TaskErrorResponse struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskResponse represents the response data for a task
type TaskResponse struct {
	ID                   string             `json:"id"`
	TaskType             string             `json:"task_type"`
	UserID               string             `json:"user_id"`
	Status               string             `json:"status"`
	Progress             json.RawMessage    `json:"progress,omitempty"`
	Result               json.RawMessage    `json:"result,omitempty"`
	Error                *TaskErrorResponse `json:"error,omitempty"`
	ParentTaskID         *string            `json:"parent_task_id,omitempty"`
	RetryCount           int                `json:"retry_count"`
	NextAttemptAt        *time.Time         `json:"next_attempt_at,omitempty"`
	PendingChildren      int                `json:"pending_children"`
	SubTaskStatusSummary map[string]int     `json:"subtask_status_summary,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// taskToResponse converts a task.TaskRecord to a TaskResponse
func taskToResponse(record *task.TaskRecord) TaskResponse {
	resp := TaskResponse{
		ID:              record.ID.String(),
		TaskType:        record.TaskType,
		UserID:          record.UserID.String(),
		Status:          string(record.Status),
		Progress:        record.Progress,
		Result:          record.Result,
		RetryCount:      record.RetryCount,
		NextAttemptAt:   record.NextAttemptAt,
		PendingChildren: record.PendingChildren,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}

	if record.ErrorInfo != nil {
		resp.Error = &TaskErrorResponse{
			Kind:      record.ErrorInfo.Kind,
			Message:   record.ErrorInfo.Message,
			Timestamp: record.ErrorInfo.Timestamp,
		}
	}
	if record.ParentTaskID != nil {
		parent := record.ParentTaskID.String()
		resp.ParentTaskID = &parent
	}
	if len(record.SubTaskStatusSummary) > 0 {
		summary := make(map[string]int, len(record.SubTaskStatusSummary))
		for status, count := range record.SubTaskStatusSummary {
			summary[string(status)] = count
		}
		resp.SubTaskStatusSummary = summary
	}

	return resp
}
