package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/store"
)

func newTask(t *testing.T, title string) *domain.Task {
	t.Helper()
	task := domain.NewTask(uuid.New(), title, "test")
	require.NoError(t, task.Validate())
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	task := newTask(t, "first")
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	// Duplicate ids are rejected.
	err = s.CreateTask(ctx, task)
	assert.ErrorIs(t, err, store.ErrTaskExists)

	// Unknown ids are a distinguishable error.
	_, err = s.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestCreateTaskRegistersBlockingFor(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	dep := newTask(t, "dependency")
	require.NoError(t, s.CreateTask(ctx, dep))

	dependent := newTask(t, "dependent")
	dependent.Dependencies = []domain.TaskDependency{
		{DependsOnID: dep.ID, Type: domain.DependencyTypeCompletion},
	}
	dependent.Status = domain.TaskStatusBlocked
	require.NoError(t, s.CreateTask(ctx, dependent))

	got, err := s.GetTask(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{dependent.ID}, got.BlockingFor)
}

func TestCreateTaskUnknownDependencyPersistsNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	dep := newTask(t, "existing dependency")
	require.NoError(t, s.CreateTask(ctx, dep))

	dependent := newTask(t, "dependent")
	dependent.Dependencies = []domain.TaskDependency{
		{DependsOnID: dep.ID, Type: domain.DependencyTypeCompletion},
		{DependsOnID: uuid.New(), Type: domain.DependencyTypeCompletion},
	}

	err := s.CreateTask(ctx, dependent)
	require.ErrorIs(t, err, store.ErrTaskNotFound)

	// The failed creation must not have touched the existing dependency.
	got, err := s.GetTask(ctx, dep.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockingFor)

	_, err = s.GetTask(ctx, dependent.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestUpdateTaskPartialMerge(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	task := newTask(t, "update me")
	require.NoError(t, s.CreateTask(ctx, task))

	started := time.Now().UTC()
	status := domain.TaskStatusInProgress
	executor := "executor-1"
	updated, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:           &status,
		StartedAt:        &started,
		AssignedExecutor: &executor,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusInProgress, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.Equal(t, "executor-1", updated.AssignedExecutor)
	// Untouched fields survive the merge.
	assert.Equal(t, "update me", updated.Title)
	assert.Greater(t, updated.Version, task.Version)

	_, err = s.UpdateTask(ctx, uuid.New(), store.TaskUpdate{Status: &status})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestUpdateTaskClearReadyAt(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	task := newTask(t, "retrying")
	require.NoError(t, s.CreateTask(ctx, task))

	ready := time.Now().UTC().Add(4 * time.Second)
	_, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{ReadyAt: &ready})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReadyAt)

	_, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{ClearReadyAt: true})
	require.NoError(t, err)

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReadyAt)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	task := newTask(t, "contended")
	require.NoError(t, s.CreateTask(ctx, task))

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		i := i
		go func() {
			defer wg.Done()
			count := i
			_, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &count})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	// Every update must have landed: version bumped once per writer.
	assert.Equal(t, task.Version+writers, got.Version)
}

func TestListTasksByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	first := newTask(t, "first")
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	second := newTask(t, "second")
	second.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
	blocked := newTask(t, "blocked")
	blocked.Status = domain.TaskStatusBlocked

	require.NoError(t, s.CreateTask(ctx, second))
	require.NoError(t, s.CreateTask(ctx, first))
	require.NoError(t, s.CreateTask(ctx, blocked))

	pending, err := s.ListTasksByStatus(ctx, domain.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Title, "pending tasks should be ordered by creation time")
	assert.Equal(t, "second", pending[1].Title)
}

func TestListScheduledBefore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()

	due := newTask(t, "due")
	due.Status = domain.TaskStatusScheduled
	dueAt := now.Add(-time.Second)
	due.ScheduledAt = &dueAt

	future := newTask(t, "future")
	future.Status = domain.TaskStatusScheduled
	futureAt := now.Add(time.Hour)
	future.ScheduledAt = &futureAt

	require.NoError(t, s.CreateTask(ctx, due))
	require.NoError(t, s.CreateTask(ctx, future))

	tasks, err := s.ListScheduledBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, due.ID, tasks[0].ID)
}

func TestListRetryingReadyBefore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()

	ready := newTask(t, "ready")
	ready.Status = domain.TaskStatusRetrying
	readyAt := now.Add(-time.Second)
	ready.ReadyAt = &readyAt

	waiting := newTask(t, "waiting")
	waiting.Status = domain.TaskStatusRetrying
	waitingAt := now.Add(time.Minute)
	waiting.ReadyAt = &waitingAt

	require.NoError(t, s.CreateTask(ctx, ready))
	require.NoError(t, s.CreateTask(ctx, waiting))

	tasks, err := s.ListRetryingReadyBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, ready.ID, tasks[0].ID)
}

func TestAppendEventAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	task := newTask(t, "with history")
	require.NoError(t, s.CreateTask(ctx, task))

	created := domain.NewExecutionEvent(task.ID, domain.EventTypeCreated, "")
	created.Timestamp = time.Now().UTC().Add(-time.Minute)
	started := domain.NewExecutionEvent(task.ID, domain.EventTypeStarted, "")

	// Append out of order; history must come back sorted by timestamp.
	require.NoError(t, s.AppendEvent(ctx, started))
	require.NoError(t, s.AppendEvent(ctx, created))

	history, err := s.TaskHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.EventTypeCreated, history[0].EventType)
	assert.Equal(t, domain.EventTypeStarted, history[1].EventType)

	err = s.AppendEvent(ctx, domain.NewExecutionEvent(uuid.New(), domain.EventTypeCreated, ""))
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	pending := newTask(t, "pending")
	completed := newTask(t, "completed")
	completed.Status = domain.TaskStatusCompleted
	failed := newTask(t, "failed")
	failed.Status = domain.TaskStatusFailed

	require.NoError(t, s.CreateTask(ctx, pending))
	require.NoError(t, s.CreateTask(ctx, completed))
	require.NoError(t, s.CreateTask(ctx, failed))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[domain.TaskStatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.TaskStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[domain.TaskStatusFailed])
}

func TestStoreHandsOutCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	task := newTask(t, "isolated")
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	got.Title = "mutated"
	got.Labels["injected"] = "true"

	fresh, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "isolated", fresh.Title)
	assert.NotContains(t, fresh.Labels, "injected")
}
