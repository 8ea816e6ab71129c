// Package memory provides an in-memory TaskStore implementation. It is
// the storage backend for tests and for embedding the orchestrator
// without an external database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/store"
)

// Store is an in-memory store.TaskStore. All operations are guarded by
// a single mutex; tasks are deep-copied on the way in and out so
// callers never share mutable state with the stored records.
type Store struct {
	mu     sync.RWMutex
	tasks  map[uuid.UUID]*domain.Task
	events map[uuid.UUID][]*domain.ExecutionEvent
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		tasks:  make(map[uuid.UUID]*domain.Task),
		events: make(map[uuid.UUID][]*domain.ExecutionEvent),
	}
}

var _ store.TaskStore = (*Store)(nil)

// CreateTask persists a new task and appends its id to each
// dependency's blocking_for set within a single critical section.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
	}

	// Verify every dependency before mutating anything so a failed
	// creation persists nothing.
	for _, dep := range task.Dependencies {
		if _, exists := s.tasks[dep.DependsOnID]; !exists {
			return fmt.Errorf("%w: %s", store.ErrTaskNotFound, dep.DependsOnID)
		}
	}

	for _, dep := range task.Dependencies {
		target := s.tasks[dep.DependsOnID]
		target.BlockingFor = append(target.BlockingFor, task.ID)
		target.Version++
	}

	stored := task.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.tasks[task.ID] = stored
	task.Version = stored.Version
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// UpdateTask applies a partial merge to the stored task.
func (s *Store) UpdateTask(
	ctx context.Context,
	id uuid.UUID,
	update store.TaskUpdate,
) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}

	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.StartedAt != nil {
		v := *update.StartedAt
		task.StartedAt = &v
	}
	if update.CompletedAt != nil {
		v := *update.CompletedAt
		task.CompletedAt = &v
	}
	if update.ClearReadyAt {
		task.ReadyAt = nil
	} else if update.ReadyAt != nil {
		v := *update.ReadyAt
		task.ReadyAt = &v
	}
	if update.BlockingFor != nil {
		task.BlockingFor = append([]uuid.UUID(nil), (*update.BlockingFor)...)
	}
	if update.AssignedExecutor != nil {
		task.AssignedExecutor = *update.AssignedExecutor
	}
	if update.RetryCount != nil {
		task.RetryCount = *update.RetryCount
	}
	if update.Result != nil {
		task.Result = make(map[string]any, len(*update.Result))
		for k, v := range *update.Result {
			task.Result[k] = v
		}
	}
	if update.ErrorMessage != nil {
		task.ErrorMessage = *update.ErrorMessage
	}

	task.Version++
	return task.Clone(), nil
}

// ListTasksByStatus returns all tasks with the given status ordered by
// creation time ascending.
func (s *Store) ListTasksByStatus(
	ctx context.Context,
	status domain.TaskStatus,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*domain.Task
	for _, task := range s.tasks {
		if task.Status == status {
			tasks = append(tasks, task.Clone())
		}
	}
	sortByCreation(tasks)
	return tasks, nil
}

// ListScheduledBefore returns scheduled tasks due at or before ts.
func (s *Store) ListScheduledBefore(ctx context.Context, ts time.Time) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusScheduled &&
			task.ScheduledAt != nil && !task.ScheduledAt.After(ts) {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ScheduledAt.Before(*tasks[j].ScheduledAt)
	})
	return tasks, nil
}

// ListRetryingReadyBefore returns retrying tasks whose backoff expired
// at or before ts.
func (s *Store) ListRetryingReadyBefore(
	ctx context.Context,
	ts time.Time,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusRetrying &&
			task.ReadyAt != nil && !task.ReadyAt.After(ts) {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ReadyAt.Before(*tasks[j].ReadyAt)
	})
	return tasks, nil
}

// AppendEvent appends an execution event to the task's history.
func (s *Store) AppendEvent(ctx context.Context, event *domain.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[event.TaskID]; !exists {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, event.TaskID)
	}

	cp := *event
	if cp.Metadata != nil {
		cp.Metadata = make(map[string]any, len(event.Metadata))
		for k, v := range event.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.events[event.TaskID] = append(s.events[event.TaskID], &cp)
	return nil
}

// TaskHistory returns the task's events ordered by timestamp ascending.
func (s *Store) TaskHistory(
	ctx context.Context,
	taskID uuid.UUID,
) ([]*domain.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tasks[taskID]; !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}

	events := make([]*domain.ExecutionEvent, 0, len(s.events[taskID]))
	for _, evt := range s.events[taskID] {
		cp := *evt
		events = append(events, &cp)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// Statistics returns task counts per status.
func (s *Store) Statistics(ctx context.Context) (*store.TaskStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.TaskStatistics{
		Total:    len(s.tasks),
		ByStatus: make(map[domain.TaskStatus]int),
	}
	for _, task := range s.tasks {
		stats.ByStatus[task.Status]++
	}
	return stats, nil
}

func sortByCreation(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
