package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/domain"
)

// TaskUpdate describes a partial update to a task record. Nil fields are
// left untouched; non-nil fields are merged into the stored record
// atomically. Clearable nullable columns (ReadyAt, Result) use the
// dedicated Clear flags so "set to null" is distinguishable from
// "leave alone".
type TaskUpdate struct {
	Status           *domain.TaskStatus
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ReadyAt          *time.Time
	ClearReadyAt     bool
	BlockingFor      *[]uuid.UUID
	AssignedExecutor *string
	RetryCount       *int
	Result           *map[string]any
	ErrorMessage     *string
}

// TaskStatistics summarizes the store contents for dashboards.
type TaskStatistics struct {
	Total    int                       `json:"total"`
	ByStatus map[domain.TaskStatus]int `json:"by_status"`
}

// TaskStore defines the persistence contract for tasks and their
// append-only execution event log.
//
// UpdateTask performs a partial merge and is atomic per task id:
// concurrent callers updating the same task are serialized by the
// implementation. A missing task id is reported as ErrTaskNotFound,
// never a silent no-op.
type TaskStore interface {
	// CreateTask persists a new task. When the task declares
	// dependencies, the task insert and the appending of the task's id
	// to each dependency's blocking_for set happen atomically; an
	// unknown dependency id fails the whole creation with
	// ErrTaskNotFound and persists nothing.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by id. Returns ErrTaskNotFound if absent.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// UpdateTask applies a partial merge to the task and returns the
	// updated record. Returns ErrTaskNotFound if absent.
	UpdateTask(ctx context.Context, id uuid.UUID, update TaskUpdate) (*domain.Task, error)

	// ListTasksByStatus returns all tasks with the given status ordered
	// by creation time ascending.
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)

	// ListScheduledBefore returns scheduled tasks whose scheduled_at is
	// at or before the given instant, ordered by scheduled_at ascending.
	ListScheduledBefore(ctx context.Context, ts time.Time) ([]*domain.Task, error)

	// ListRetryingReadyBefore returns retrying tasks whose backoff
	// ready_at is at or before the given instant.
	ListRetryingReadyBefore(ctx context.Context, ts time.Time) ([]*domain.Task, error)

	// AppendEvent appends an execution event to the task's history.
	// Events are append-only and never mutated.
	AppendEvent(ctx context.Context, event *domain.ExecutionEvent) error

	// TaskHistory returns the task's execution events ordered by
	// timestamp ascending.
	TaskHistory(ctx context.Context, taskID uuid.UUID) ([]*domain.ExecutionEvent, error)

	// Statistics returns task counts per status.
	Statistics(ctx context.Context) (*TaskStatistics, error)
}
