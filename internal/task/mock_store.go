package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/events"
	"github.com/inkloom/inkloom-api/internal/store"
)

// MockTaskStore is an in-memory TaskStore used in tests and single-process
// experiments. It honors the same compare-and-swap semantics as the
// postgres implementation, including treating lost races as (false, nil).
type MockTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*TaskRecord

	// Optional overrides for failure injection.
	CreateFn   func(ctx context.Context, record *TaskRecord) error
	GetFn      func(ctx context.Context, id uuid.UUID) (*TaskRecord, error)
	FinalizeFn func(ctx context.Context, id uuid.UUID, status Status, result json.RawMessage, errInfo *events.ErrorInfo) (bool, error)
}

// NewMockTaskStore creates an empty in-memory store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks: make(map[uuid.UUID]*TaskRecord),
	}
}

// clone guards callers against aliasing the stored record.
func cloneRecord(record *TaskRecord) *TaskRecord {
	copied := *record
	if record.SubTaskStatusSummary != nil {
		copied.SubTaskStatusSummary = make(map[Status]int, len(record.SubTaskStatusSummary))
		for status, count := range record.SubTaskStatusSummary {
			copied.SubTaskStatusSummary[status] = count
		}
	}
	if record.NextAttemptAt != nil {
		at := *record.NextAttemptAt
		copied.NextAttemptAt = &at
	}
	if record.ParentTaskID != nil {
		id := *record.ParentTaskID
		copied.ParentTaskID = &id
	}
	return &copied
}

// CreateTask persists a new task record.
func (s *MockTaskStore) CreateTask(ctx context.Context, record *TaskRecord) error {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[record.ID]; exists {
		return store.ErrTaskExists
	}
	s.tasks[record.ID] = cloneRecord(record)
	return nil
}

// GetTask retrieves a task record by ID.
func (s *MockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*TaskRecord, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneRecord(record), nil
}

// ClaimTask applies the submitted/retrying to running CAS.
func (s *MockTaskStore) ClaimTask(ctx context.Context, id uuid.UUID, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if record.Status != StatusSubmitted && record.Status != StatusRetrying {
		return false, nil
	}

	record.Status = StatusRunning
	record.ExecutionNodeID = nodeID
	record.NextAttemptAt = nil
	record.UpdatedAt = time.Now().UTC()
	return true, nil
}

// UpdateProgress overwrites the progress payload on a running task.
func (s *MockTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if record.Status != StatusRunning {
		// Progress for non-running tasks is dropped, not an error.
		return nil
	}
	record.Progress = progress
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// SetResult stashes the handler result without a status change.
func (s *MockTaskStore) SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	record.Result = result
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// FinalizeTask applies the terminal CAS.
func (s *MockTaskStore) FinalizeTask(ctx context.Context, id uuid.UUID, status Status, result json.RawMessage, errInfo *events.ErrorInfo) (bool, error) {
	if s.FinalizeFn != nil {
		return s.FinalizeFn(ctx, id, status, result, errInfo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if record.Status.IsTerminal() {
		return false, nil
	}

	record.Status = status
	if result != nil {
		record.Result = result
	}
	record.ErrorInfo = errInfo
	record.NextAttemptAt = nil
	record.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkRetrying applies the retry transition.
func (s *MockTaskStore) MarkRetrying(ctx context.Context, id uuid.UUID, errInfo *events.ErrorInfo, retryCount int, nextAttemptAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if !record.Status.CanTransition(StatusRetrying) {
		return false, nil
	}

	record.Status = StatusRetrying
	record.ErrorInfo = errInfo
	record.RetryCount = retryCount
	record.NextAttemptAt = &nextAttemptAt
	record.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RegisterChild accounts a newly submitted child on the parent.
func (s *MockTaskStore) RegisterChild(ctx context.Context, parentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[parentID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if record.SubTaskStatusSummary == nil {
		record.SubTaskStatusSummary = make(map[Status]int)
	}
	record.PendingChildren++
	record.SubTaskStatusSummary[StatusSubmitted]++
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// AccountChildOutcome moves one child from pending to its terminal status.
func (s *MockTaskStore) AccountChildOutcome(ctx context.Context, parentID uuid.UUID, childStatus Status) (*FanInResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[parentID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if record.SubTaskStatusSummary == nil {
		record.SubTaskStatusSummary = make(map[Status]int)
	}

	record.PendingChildren--
	if record.PendingChildren < 0 {
		record.PendingChildren = 0
	}
	if record.SubTaskStatusSummary[StatusSubmitted] > 1 {
		record.SubTaskStatusSummary[StatusSubmitted]--
	} else {
		delete(record.SubTaskStatusSummary, StatusSubmitted)
	}
	record.SubTaskStatusSummary[childStatus]++
	record.UpdatedAt = time.Now().UTC()

	summary := make(map[Status]int, len(record.SubTaskStatusSummary))
	for status, count := range record.SubTaskStatusSummary {
		summary[status] = count
	}
	return &FanInResult{
		PendingChildren: record.PendingChildren,
		Summary:         summary,
	}, nil
}

// ListChildren returns tasks whose parent is parentID.
func (s *MockTaskStore) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var children []*TaskRecord
	for _, record := range s.tasks {
		if record.ParentTaskID != nil && *record.ParentTaskID == parentID {
			children = append(children, cloneRecord(record))
		}
	}
	return children, nil
}

// ListByStatus returns tasks in the given status, optionally older than
// the duration.
func (s *MockTaskStore) ListByStatus(ctx context.Context, status Status, olderThan time.Duration) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var matched []*TaskRecord
	for _, record := range s.tasks {
		if record.Status != status {
			continue
		}
		if olderThan > 0 && !record.UpdatedAt.Before(cutoff) {
			continue
		}
		matched = append(matched, cloneRecord(record))
	}
	return matched, nil
}

// DueRetries returns retrying tasks whose attempt time has come.
func (s *MockTaskStore) DueRetries(ctx context.Context, now time.Time) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*TaskRecord
	for _, record := range s.tasks {
		if record.Status == StatusRetrying && record.NextAttemptAt != nil && !record.NextAttemptAt.After(now) {
			due = append(due, cloneRecord(record))
		}
	}
	return due, nil
}

var _ TaskStore = (*MockTaskStore)(nil)
