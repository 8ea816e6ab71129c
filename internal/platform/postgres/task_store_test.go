package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/platform/postgres"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/testdb"
)

func txStore(t *testing.T, db *sql.DB, tx *sql.Tx) store.TaskStore {
	t.Helper()
	return postgres.NewTaskStore(db, nil).WithTx(tx)
}

func newDBTask(t *testing.T, title string) *domain.Task {
	t.Helper()
	task := domain.NewTask(uuid.New(), title, "integration")
	require.NoError(t, task.Validate())
	return task
}

func TestTaskStoreCreateAndGet(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		timeout := 45
		task := newDBTask(t, "roundtrip")
		task.Description = "integration roundtrip"
		task.Priority = 7
		task.MaxRetries = 3
		task.TimeoutSeconds = &timeout
		task.Labels = map[string]string{"team": "core"}

		require.NoError(t, s.CreateTask(ctx, task))

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Title, got.Title)
		assert.Equal(t, task.Priority, got.Priority)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		require.NotNil(t, got.TimeoutSeconds)
		assert.Equal(t, 45, *got.TimeoutSeconds)
		assert.Equal(t, "core", got.Labels["team"])
		assert.Equal(t, int64(1), got.Version)

		_, err = s.GetTask(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskStoreCreateRegistersBlockingFor(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		dep := newDBTask(t, "dependency")
		require.NoError(t, s.CreateTask(ctx, dep))

		dependent := newDBTask(t, "dependent")
		dependent.Status = domain.TaskStatusBlocked
		dependent.Dependencies = []domain.TaskDependency{
			{DependsOnID: dep.ID, Type: domain.DependencyTypeCompletion},
		}
		require.NoError(t, s.CreateTask(ctx, dependent))

		got, err := s.GetTask(ctx, dep.ID)
		require.NoError(t, err)
		require.Len(t, got.BlockingFor, 1)
		assert.Equal(t, dependent.ID, got.BlockingFor[0])
	})
}

func TestTaskStoreCreateUnknownDependency(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		dependent := newDBTask(t, "orphan dependent")
		dependent.Dependencies = []domain.TaskDependency{
			{DependsOnID: uuid.New(), Type: domain.DependencyTypeCompletion},
		}
		err := s.CreateTask(ctx, dependent)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskStoreUpdatePartialMerge(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		task := newDBTask(t, "update target")
		require.NoError(t, s.CreateTask(ctx, task))

		status := domain.TaskStatusInProgress
		started := time.Now().UTC().Truncate(time.Microsecond)
		executor := "executor-7"
		updated, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status:           &status,
			StartedAt:        &started,
			AssignedExecutor: &executor,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusInProgress, updated.Status)
		require.NotNil(t, updated.StartedAt)
		assert.True(t, updated.StartedAt.Equal(started))
		assert.Equal(t, "executor-7", updated.AssignedExecutor)
		assert.Equal(t, task.Title, updated.Title, "unset fields must survive the merge")
		assert.Equal(t, int64(2), updated.Version)

		// Not-found must be a distinguishable error, never a silent no-op.
		_, err = s.UpdateTask(ctx, uuid.New(), store.TaskUpdate{Status: &status})
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskStoreReadyAtLifecycle(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		task := newDBTask(t, "backoff target")
		require.NoError(t, s.CreateTask(ctx, task))

		ready := time.Now().UTC().Add(-time.Second).Truncate(time.Microsecond)
		status := domain.TaskStatusRetrying
		_, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status:  &status,
			ReadyAt: &ready,
		})
		require.NoError(t, err)

		due, err := s.ListRetryingReadyBefore(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, task.ID, due[0].ID)

		pending := domain.TaskStatusPending
		updated, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status:       &pending,
			ClearReadyAt: true,
		})
		require.NoError(t, err)
		assert.Nil(t, updated.ReadyAt)
	})
}

func TestTaskStoreListScheduledBefore(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		now := time.Now().UTC()

		due := newDBTask(t, "due scheduled")
		due.Status = domain.TaskStatusScheduled
		dueAt := now.Add(-time.Minute)
		due.ScheduledAt = &dueAt
		require.NoError(t, s.CreateTask(ctx, due))

		future := newDBTask(t, "future scheduled")
		future.Status = domain.TaskStatusScheduled
		futureAt := now.Add(time.Hour)
		future.ScheduledAt = &futureAt
		require.NoError(t, s.CreateTask(ctx, future))

		tasks, err := s.ListScheduledBefore(ctx, now)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, due.ID, tasks[0].ID)
	})
}

func TestTaskStoreAppendEventUnknownTask(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	// Own transaction: the foreign key violation aborts it.
	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)
		err := s.AppendEvent(ctx, domain.NewExecutionEvent(uuid.New(), domain.EventTypeCreated, ""))
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskStoreEventsAndStatistics(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStore(t, db, tx)

		task := newDBTask(t, "event target")
		require.NoError(t, s.CreateTask(ctx, task))

		created := domain.NewExecutionEvent(task.ID, domain.EventTypeCreated, "task created")
		created.Timestamp = time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
		started := domain.NewExecutionEvent(task.ID, domain.EventTypeStarted, "task started").
			WithMetadata("attempt", 1)
		started.Timestamp = time.Now().UTC().Truncate(time.Microsecond)
		started.ExecutorID = "executor-1"

		require.NoError(t, s.AppendEvent(ctx, started))
		require.NoError(t, s.AppendEvent(ctx, created))

		history, err := s.TaskHistory(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, domain.EventTypeCreated, history[0].EventType)
		assert.Equal(t, domain.EventTypeStarted, history[1].EventType)
		assert.Equal(t, "executor-1", history[1].ExecutorID)

		_, err = s.TaskHistory(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)

		stats, err := s.Statistics(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.Total, 1)
		assert.GreaterOrEqual(t, stats.ByStatus[domain.TaskStatusPending], 1)
	})
}
