package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusScheduled  TaskStatus = "scheduled"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// DependencyType identifies the condition a dependency edge waits on.
type DependencyType string

// DependencyTypeCompletion requires the referenced task to reach
// completed status before the dependent may be admitted.
const DependencyTypeCompletion DependencyType = "completion"

// TaskDependency is a directed edge requiring another task to satisfy
// its condition before this task may start. The dependency list of a
// task is immutable after creation.
type TaskDependency struct {
	DependsOnID uuid.UUID      `json:"depends_on_id"`
	Type        DependencyType `json:"dependency_type"`
}

// Task represents a unit of schedulable, retryable work with an
// explicit lifecycle state.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ReadyAt is the earliest time a retrying task may be re-admitted.
	// It is set when a failed attempt schedules its backoff delay and
	// cleared when the task returns to pending.
	ReadyAt *time.Time `json:"ready_at,omitempty"`

	Dependencies []TaskDependency `json:"dependencies"`
	BlockingFor  []uuid.UUID      `json:"blocking_for"`

	AssignedExecutor string `json:"assigned_executor,omitempty"`

	MaxRetries     int  `json:"max_retries"`
	RetryCount     int  `json:"retry_count"`
	TimeoutSeconds *int `json:"timeout_seconds,omitempty"`

	Result       map[string]any    `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Labels       map[string]string `json:"labels"`

	// Version is bumped on every store update and backs optimistic
	// concurrency detection in the SQL store.
	Version int64 `json:"version"`
}

// legalTransitions is the task state machine. Terminal statuses have no
// outgoing edges; cancellation from non-terminal statuses is handled in
// CanTransition directly. The in_progress -> pending edge is the crash
// recovery requeue: work interrupted by a restart goes back to the
// queue.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusScheduled:  {TaskStatusPending},
	TaskStatusBlocked:    {TaskStatusPending},
	TaskStatusPending:    {TaskStatusInProgress},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusRetrying, TaskStatusFailed, TaskStatusPending},
	TaskStatusRetrying:   {TaskStatusPending},
}

// CanTransition reports whether moving from one status to another is a
// legal state machine edge.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskStatusCancelled {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewTask creates a Task with the given id, title and type, status
// pending, and creation timestamp set. Callers adjust status, schedule
// and dependencies before persisting.
func NewTask(id uuid.UUID, title, taskType string) *Task {
	return &Task{
		ID:           id,
		Title:        title,
		Type:         taskType,
		Status:       TaskStatusPending,
		CreatedAt:    time.Now().UTC(),
		Dependencies: []TaskDependency{},
		BlockingFor:  []uuid.UUID{},
		Labels:       map[string]string{},
	}
}

// Validate checks that the task's fields are internally consistent.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyTaskID)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyTaskTitle)
	}
	if !isValidTaskStatus(t.Status) {
		return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidTaskStatus, t.Status)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrNegativeRetries)
	}
	if t.TimeoutSeconds != nil && *t.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrInvalidTimeout)
	}
	seen := make(map[uuid.UUID]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep.DependsOnID == uuid.Nil {
			return fmt.Errorf("%w: %w: nil dependency id", ErrValidation, ErrUnknownDependency)
		}
		if dep.DependsOnID == t.ID {
			return fmt.Errorf("%w: %w: task depends on itself", ErrValidation, ErrCyclicDependency)
		}
		if dep.Type != DependencyTypeCompletion {
			return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidDependencyType, dep.Type)
		}
		// Dependencies form a set: blocking_for registration would
		// otherwise record the dependent twice.
		if seen[dep.DependsOnID] {
			return fmt.Errorf("%w: %w: %s", ErrValidation, ErrDuplicateDependency, dep.DependsOnID)
		}
		seen[dep.DependsOnID] = true
	}
	return nil
}

// Clone returns a deep copy of the task. Stores hand out clones so
// callers never share mutable state with the cached record.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.ScheduledAt = cloneTime(t.ScheduledAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.ReadyAt = cloneTime(t.ReadyAt)
	if t.TimeoutSeconds != nil {
		v := *t.TimeoutSeconds
		cp.TimeoutSeconds = &v
	}
	cp.Dependencies = append([]TaskDependency(nil), t.Dependencies...)
	cp.BlockingFor = append([]uuid.UUID(nil), t.BlockingFor...)
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	if t.Labels != nil {
		cp.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

// DependsOn reports whether the task declares a dependency on the given id.
func (t *Task) DependsOn(id uuid.UUID) bool {
	for _, dep := range t.Dependencies {
		if dep.DependsOnID == id {
			return true
		}
	}
	return false
}

func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusScheduled, TaskStatusBlocked, TaskStatusPending,
		TaskStatusInProgress, TaskStatusRetrying, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
