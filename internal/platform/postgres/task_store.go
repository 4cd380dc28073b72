package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/events"
	"github.com/inkloom/inkloom-api/internal/platform/logger"
	"github.com/inkloom/inkloom-api/internal/store"
	"github.com/inkloom/inkloom-api/internal/task"
)

// terminalStatuses is the SQL fragment excluding terminal rows from
// conditional updates. Kept in one place so the finalize and cancel paths
// cannot drift apart.
const terminalStatuses = `('completed', 'completed_with_errors', 'failed', 'dead_letter', 'cancelled')`

// PostgresTaskStore implements task.TaskStore on PostgreSQL. All state
// transitions are single-statement conditional updates; callers learn
// about lost races through the returned bool, never through errors.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// WithTx returns a store bound to the given transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: tx,
	}
}

// CreateTask inserts a new task row.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, record *task.TaskRecord) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (
			id, task_type, user_id, parameters, status,
			parent_task_id, retry_count, pending_children, subtask_status_summary,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	summary, err := marshalSummary(record.SubTaskStatusSummary)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.TaskType,
		record.UserID,
		[]byte(record.Parameters),
		record.Status,
		record.ParentTaskID,
		record.RetryCount,
		record.PendingChildren,
		summary,
		now,
		now,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrTaskExists, err)
		}
		log.Error("failed to insert task",
			"task_id", record.ID,
			"task_type", record.TaskType,
			"error", err)
		return MapError(err)
	}

	return nil
}

// GetTask retrieves a task row by ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.TaskRecord, error) {
	query := selectColumns + ` FROM tasks WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)

	record, err := scanTask(row)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
		}
		return nil, MapError(err)
	}
	return record, nil
}

// ClaimTask moves a submitted or retrying task to running, recording the
// claiming node. Zero rows affected means another node won the claim.
func (s *PostgresTaskStore) ClaimTask(ctx context.Context, id uuid.UUID, nodeID string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'running',
		    execution_node_id = $2,
		    next_attempt_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status IN ('submitted', 'retrying')
	`

	result, err := s.db.ExecContext(ctx, query, id, nodeID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	return oneRowAffected(result)
}

// UpdateProgress overwrites the progress payload while the task runs.
// Updates arriving after the task left running are dropped silently.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	query := `
		UPDATE tasks
		SET progress = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`

	_, err := s.db.ExecContext(ctx, query, id, []byte(progress), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", MapError(err))
	}
	return nil
}

// SetResult stashes the handler result without changing status. Used for
// parents that finished their own handler but still wait on children.
func (s *PostgresTaskStore) SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	query := `
		UPDATE tasks
		SET result = $2, updated_at = $3
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query, id, []byte(result), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set task result: %w", MapError(err))
	}
	return CheckRowsAffected(res, "task")
}

// FinalizeTask moves a non-terminal task to the given terminal status.
// Zero rows affected means the task was already terminal; the caller must
// not run its once-per-task side effects in that case.
func (s *PostgresTaskStore) FinalizeTask(ctx context.Context, id uuid.UUID, status task.Status, result json.RawMessage, errInfo *events.ErrorInfo) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $2,
		    result = COALESCE($3, result),
		    error_info = $4,
		    next_attempt_at = NULL,
		    updated_at = $5
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	errJSON, err := marshalErrorInfo(errInfo)
	if err != nil {
		return false, err
	}

	var resultArg any
	if result != nil {
		resultArg = []byte(result)
	}

	res, err := s.db.ExecContext(ctx, query, id, status, resultArg, errJSON, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to finalize task: %w", MapError(err))
	}
	return oneRowAffected(res)
}

// MarkRetrying schedules a retry for a running task.
func (s *PostgresTaskStore) MarkRetrying(ctx context.Context, id uuid.UUID, errInfo *events.ErrorInfo, retryCount int, nextAttemptAt time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'retrying',
		    error_info = $2,
		    retry_count = $3,
		    next_attempt_at = $4,
		    updated_at = $5
		WHERE id = $1 AND status = 'running'
	`

	errJSON, err := marshalErrorInfo(errInfo)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, query, id, errJSON, retryCount, nextAttemptAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark task retrying: %w", MapError(err))
	}
	return oneRowAffected(res)
}

// RegisterChild bumps the parent's pending counter and its submitted
// bucket in one statement, so concurrent child submissions never lose an
// increment.
func (s *PostgresTaskStore) RegisterChild(ctx context.Context, parentID uuid.UUID) error {
	query := `
		UPDATE tasks
		SET pending_children = pending_children + 1,
		    subtask_status_summary = jsonb_set(
		        COALESCE(subtask_status_summary, '{}'::jsonb),
		        '{submitted}',
		        (COALESCE(subtask_status_summary->>'submitted', '0')::int + 1)::text::jsonb
		    ),
		    updated_at = $2
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query, parentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to register child: %w", MapError(err))
	}
	return CheckRowsAffected(res, "parent task")
}

// AccountChildOutcome moves one child from pending into its terminal
// bucket and returns the parent's remaining pending count and summary.
// The decrement and the readback happen in a single statement, so exactly
// one caller observes pending reach zero.
func (s *PostgresTaskStore) AccountChildOutcome(ctx context.Context, parentID uuid.UUID, childStatus task.Status) (*task.FanInResult, error) {
	query := `
		UPDATE tasks
		SET pending_children = GREATEST(pending_children - 1, 0),
		    subtask_status_summary = jsonb_set(
		        (COALESCE(subtask_status_summary, '{}'::jsonb) - 'submitted')
		            || CASE WHEN COALESCE(subtask_status_summary->>'submitted', '0')::int > 1
		                    THEN jsonb_build_object('submitted', COALESCE(subtask_status_summary->>'submitted', '0')::int - 1)
		                    ELSE '{}'::jsonb
		               END,
		        ARRAY[$2::text],
		        (COALESCE(subtask_status_summary->>$2, '0')::int + 1)::text::jsonb
		    ),
		    updated_at = $3
		WHERE id = $1
		RETURNING pending_children, subtask_status_summary
	`

	var pending int
	var summaryRaw []byte
	err := s.db.QueryRowContext(ctx, query, parentID, string(childStatus), time.Now().UTC()).
		Scan(&pending, &summaryRaw)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
		}
		return nil, fmt.Errorf("failed to account child outcome: %w", MapError(err))
	}

	summary, err := unmarshalSummary(summaryRaw)
	if err != nil {
		return nil, err
	}
	return &task.FanInResult{
		PendingChildren: pending,
		Summary:         summary,
	}, nil
}

// ListChildren returns the direct children of a task, oldest first.
func (s *PostgresTaskStore) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*task.TaskRecord, error) {
	query := selectColumns + `
		FROM tasks
		WHERE parent_task_id = $1
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query, parentID)
}

// ListByStatus returns tasks in the given status, optionally restricted
// to rows not touched for olderThan.
func (s *PostgresTaskStore) ListByStatus(ctx context.Context, status task.Status, olderThan time.Duration) ([]*task.TaskRecord, error) {
	if olderThan > 0 {
		query := selectColumns + `
			FROM tasks
			WHERE status = $1 AND updated_at < $2
			ORDER BY created_at ASC
		`
		return s.queryTasks(ctx, query, status, time.Now().UTC().Add(-olderThan))
	}

	query := selectColumns + `
		FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query, status)
}

// DueRetries returns retrying tasks whose next attempt time has passed.
func (s *PostgresTaskStore) DueRetries(ctx context.Context, now time.Time) ([]*task.TaskRecord, error) {
	query := selectColumns + `
		FROM tasks
		WHERE status = 'retrying' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
	`
	return s.queryTasks(ctx, query, now)
}

// selectColumns lists the task columns in scanTask order.
const selectColumns = `
	SELECT id, task_type, user_id, parameters, status,
	       progress, result, error_info,
	       parent_task_id, execution_node_id, retry_count, next_attempt_at,
	       pending_children, subtask_status_summary,
	       created_at, updated_at
`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.TaskRecord, error) {
	var record task.TaskRecord
	var parameters, progress, result, errInfo, summary []byte
	var parentID uuid.NullUUID
	var nodeID sql.NullString
	var nextAttemptAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.TaskType,
		&record.UserID,
		&parameters,
		&record.Status,
		&progress,
		&result,
		&errInfo,
		&parentID,
		&nodeID,
		&record.RetryCount,
		&nextAttemptAt,
		&record.PendingChildren,
		&summary,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Parameters = json.RawMessage(parameters)
	if progress != nil {
		record.Progress = json.RawMessage(progress)
	}
	if result != nil {
		record.Result = json.RawMessage(result)
	}
	if errInfo != nil {
		var info events.ErrorInfo
		if err := json.Unmarshal(errInfo, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task error info: %w", err)
		}
		record.ErrorInfo = &info
	}
	if parentID.Valid {
		id := parentID.UUID
		record.ParentTaskID = &id
	}
	if nodeID.Valid {
		record.ExecutionNodeID = nodeID.String
	}
	if nextAttemptAt.Valid {
		at := nextAttemptAt.Time
		record.NextAttemptAt = &at
	}

	parsed, err := unmarshalSummary(summary)
	if err != nil {
		return nil, err
	}
	record.SubTaskStatusSummary = parsed

	return &record, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.TaskRecord, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var records []*task.TaskRecord
	for rows.Next() {
		record, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return records, nil
}

func oneRowAffected(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func marshalSummary(summary map[task.Status]int) ([]byte, error) {
	if summary == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subtask summary: %w", err)
	}
	return data, nil
}

func unmarshalSummary(data []byte) (map[task.Status]int, error) {
	if len(data) == 0 {
		return map[task.Status]int{}, nil
	}
	var summary map[task.Status]int
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subtask summary: %w", err)
	}
	return summary, nil
}

func marshalErrorInfo(errInfo *events.ErrorInfo) (any, error) {
	if errInfo == nil {
		return nil, nil
	}
	data, err := json.Marshal(errInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task error info: %w", err)
	}
	return data, nil
}

var _ task.TaskStore = (*PostgresTaskStore)(nil)
