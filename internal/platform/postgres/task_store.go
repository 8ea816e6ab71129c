package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/platform/logger"
	"github.com/taskforge/taskforge/internal/store"
)

// taskColumns is the canonical column list used by every SELECT and
// RETURNING clause so scanTask stays in one place.
const taskColumns = `id, title, description, task_type, priority, status,
	created_at, scheduled_at, started_at, completed_at, ready_at,
	dependencies, blocking_for, assigned_executor, max_retries, retry_count,
	timeout_seconds, result, error_message, labels, version`

// TaskStore implements the store.TaskStore interface using PostgreSQL.
type TaskStore struct {
	db     store.DBTX
	sqlDB  *sql.DB // nil when this instance is bound to a transaction
	logger *slog.Logger
}

// NewTaskStore creates a new PostgreSQL task store. The connection
// should be initialized and managed by the caller. If logger is nil,
// the default logger is used.
func NewTaskStore(db *sql.DB, log *slog.Logger) *TaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskStore{
		db:     db,
		sqlDB:  db,
		logger: log.With(slog.String("component", "task_store")),
	}
}

var _ store.TaskStore = (*TaskStore)(nil)

// WithTx returns a TaskStore bound to the given transaction. Atomicity
// of multi-statement operations is then owned by the caller.
func (s *TaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &TaskStore{db: tx, logger: s.logger}
}

// CreateTask persists a new task and appends its id to each
// dependency's blocking_for set in a single transaction.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if s.sqlDB == nil {
		return s.createTask(ctx, s.db, task)
	}
	return store.RunInTransaction(ctx, s.sqlDB, func(ctx context.Context, tx *sql.Tx) error {
		return s.createTask(ctx, tx, task)
	})
}

func (s *TaskStore) createTask(ctx context.Context, q store.DBTX, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Register the reverse edges first; a missing dependency aborts the
	// transaction before the task row exists.
	for _, dep := range task.Dependencies {
		result, err := q.ExecContext(ctx, `
			UPDATE tasks
			SET blocking_for = blocking_for || to_jsonb($1::text),
			    version = version + 1
			WHERE id = $2
		`, task.ID.String(), dep.DependsOnID)
		if err != nil {
			log.Error("failed to register reverse dependency edge",
				slog.String("task_id", task.ID.String()),
				slog.String("depends_on_id", dep.DependsOnID.String()),
				slog.String("error", err.Error()))
			return MapError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", store.ErrTaskNotFound, dep.DependsOnID)
		}
	}

	dependencies, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	blockingFor, err := json.Marshal(task.BlockingFor)
	if err != nil {
		return fmt.Errorf("failed to marshal blocking_for: %w", err)
	}
	labels, err := json.Marshal(task.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	var resultJSON any
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = data
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, description, task_type, priority, status,
			created_at, scheduled_at, started_at, completed_at, ready_at,
			dependencies, blocking_for, assigned_executor, max_retries,
			retry_count, timeout_seconds, result, error_message, labels, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, 1)
	`,
		task.ID, task.Title, task.Description, task.Type, task.Priority,
		task.Status, task.CreatedAt, task.ScheduledAt, task.StartedAt,
		task.CompletedAt, task.ReadyAt, dependencies, blockingFor,
		task.AssignedExecutor, task.MaxRetries, task.RetryCount,
		task.TimeoutSeconds, resultJSON, task.ErrorMessage, labels,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	task.Version = 1
	return nil
}

// GetTask retrieves a task by id. Returns store.ErrTaskNotFound if absent.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, MapError(err)
	}
	return task, nil
}

// UpdateTask applies a partial merge to the task in a single UPDATE
// statement and returns the updated record. The version column is
// bumped on every update; a missing id is a distinguishable error.
func (s *TaskStore) UpdateTask(
	ctx context.Context,
	id uuid.UUID,
	update store.TaskUpdate,
) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	sets := []string{"version = version + 1"}
	args := []any{}
	idx := 1

	appendSet := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}

	if update.Status != nil {
		appendSet("status", *update.Status)
	}
	if update.StartedAt != nil {
		appendSet("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		appendSet("completed_at", *update.CompletedAt)
	}
	if update.ClearReadyAt {
		sets = append(sets, "ready_at = NULL")
	} else if update.ReadyAt != nil {
		appendSet("ready_at", *update.ReadyAt)
	}
	if update.BlockingFor != nil {
		data, err := json.Marshal(*update.BlockingFor)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal blocking_for: %w", err)
		}
		appendSet("blocking_for", data)
	}
	if update.AssignedExecutor != nil {
		appendSet("assigned_executor", *update.AssignedExecutor)
	}
	if update.RetryCount != nil {
		appendSet("retry_count", *update.RetryCount)
	}
	if update.Result != nil {
		data, err := json.Marshal(*update.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		appendSet("result", data)
	}
	if update.ErrorMessage != nil {
		appendSet("error_message", *update.ErrorMessage)
	}

	query := fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), idx, taskColumns,
	)
	args = append(args, id)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		mapped := MapError(err)
		if !store.IsNotFoundError(mapped) {
			log.Error("failed to update task",
				slog.String("task_id", id.String()),
				slog.String("error", err.Error()))
		}
		return nil, mapped
	}
	return task, nil
}

// ListTasksByStatus returns all tasks with the given status ordered by
// creation time ascending.
func (s *TaskStore) ListTasksByStatus(
	ctx context.Context,
	status domain.TaskStatus,
) ([]*domain.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC`,
		status)
}

// ListScheduledBefore returns scheduled tasks due at or before ts.
func (s *TaskStore) ListScheduledBefore(
	ctx context.Context,
	ts time.Time,
) ([]*domain.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'scheduled' AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC`,
		ts)
}

// ListRetryingReadyBefore returns retrying tasks whose backoff expired
// at or before ts.
func (s *TaskStore) ListRetryingReadyBefore(
	ctx context.Context,
	ts time.Time,
) ([]*domain.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'retrying' AND ready_at <= $1
		 ORDER BY ready_at ASC`,
		ts)
}

func (s *TaskStore) listTasks(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// AppendEvent appends an execution event to the task's history.
func (s *TaskStore) AppendEvent(ctx context.Context, event *domain.ExecutionEvent) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_events (id, task_id, event_type, timestamp, message, metadata, executor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		event.ID, event.TaskID, event.EventType, event.Timestamp,
		event.Message, metadata, event.ExecutorID,
	)
	if err != nil {
		log.Error("failed to append execution event",
			slog.String("task_id", event.TaskID.String()),
			slog.String("event_type", string(event.EventType)),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return nil
}

// TaskHistory returns the task's execution events ordered by timestamp
// ascending. Returns store.ErrTaskNotFound for an unknown task id.
func (s *TaskStore) TaskHistory(
	ctx context.Context,
	taskID uuid.UUID,
) ([]*domain.ExecutionEvent, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists)
	if err != nil {
		return nil, MapError(err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, timestamp, message, metadata, executor_id
		FROM task_events
		WHERE task_id = $1
		ORDER BY timestamp ASC
	`, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.ExecutionEvent
	for rows.Next() {
		var evt domain.ExecutionEvent
		var metadata []byte
		if err := rows.Scan(&evt.ID, &evt.TaskID, &evt.EventType,
			&evt.Timestamp, &evt.Message, &metadata, &evt.ExecutorID); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// Statistics returns task counts per status.
func (s *TaskStore) Statistics(ctx context.Context) (*store.TaskStatistics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	stats := &store.TaskStatistics{ByStatus: make(map[domain.TaskStatus]int)}
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistics rows: %w", err)
	}
	return stats, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var scheduledAt, startedAt, completedAt, readyAt sql.NullTime
	var timeoutSeconds sql.NullInt64
	var dependencies, blockingFor, labels []byte
	var result []byte

	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.Type, &task.Priority,
		&task.Status, &task.CreatedAt, &scheduledAt, &startedAt, &completedAt,
		&readyAt, &dependencies, &blockingFor, &task.AssignedExecutor,
		&task.MaxRetries, &task.RetryCount, &timeoutSeconds, &result,
		&task.ErrorMessage, &labels, &task.Version,
	)
	if err != nil {
		return nil, err
	}

	if scheduledAt.Valid {
		task.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if readyAt.Valid {
		task.ReadyAt = &readyAt.Time
	}
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		task.TimeoutSeconds = &v
	}
	if err := json.Unmarshal(dependencies, &task.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal(blockingFor, &task.BlockingFor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blocking_for: %w", err)
	}
	if err := json.Unmarshal(labels, &task.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	if result != nil {
		if err := json.Unmarshal(result, &task.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &task, nil
}
