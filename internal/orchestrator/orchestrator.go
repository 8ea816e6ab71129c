package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/platform/metrics"
	"github.com/taskforge/taskforge/internal/store"
)

// Config holds the orchestrator's tuning knobs.
type Config struct {
	// MaxParallelTasks caps the number of tasks executing at once.
	MaxParallelTasks int

	// DefaultMaxRetries applies to tasks created without an explicit
	// retry budget.
	DefaultMaxRetries int

	// TickInterval is the period of the scheduler tick that promotes due
	// scheduled tasks and expired retry backoffs.
	TickInterval time.Duration

	// BackoffBase is the base of the exponential retry backoff: the
	// delay before retry attempt k is BackoffBase^k seconds.
	BackoffBase int

	// ExecutorID identifies this process in task records and events.
	ExecutorID string
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallelTasks:  4,
		DefaultMaxRetries: 3,
		TickInterval:      time.Second,
		BackoffBase:       2,
		ExecutorID:        "local",
	}
}

// TaskSpec describes a task to create. ID is optional; when zero a
// fresh id is generated. Dependency edges without an explicit type
// default to completion dependencies.
type TaskSpec struct {
	ID             uuid.UUID
	Title          string
	Description    string
	Type           string
	Priority       int
	ScheduledAt    *time.Time
	Dependencies   []domain.TaskDependency
	MaxRetries     *int
	TimeoutSeconds *int
	Labels         map[string]string
}

// TaskView is the read-only status view of a single task.
type TaskView struct {
	Task    *domain.Task
	Running bool
}

// DashboardView aggregates engine state for monitoring.
type DashboardView struct {
	Statistics       *store.TaskStatistics
	RunningTaskIDs   []uuid.UUID
	QueueDepth       int
	MaxParallelTasks int
}

// Orchestrator is the engine facade: it owns task creation,
// dependency-gated admission, bounded-parallelism dispatch, retry
// scheduling and cancellation. All state transitions for a given task
// are serialized through a per-task lock, and every transition is
// persisted through the store before side effects run.
type Orchestrator struct {
	store    store.TaskStore
	executor WorkExecutor
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector

	locks     *taskLocks
	callbacks *callbackRegistry

	// admitMu guards the ready queue, the running set and the slot count.
	admitMu      sync.Mutex
	queue        *readyQueue
	running      map[uuid.UUID]context.CancelFunc
	runningCount int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	wg     sync.WaitGroup
}

// New creates an orchestrator. Zero-valued config fields fall back to
// DefaultConfig. A nil metrics collector disables instrumentation.
func New(taskStore store.TaskStore, executor WorkExecutor, cfg Config, logger *slog.Logger, collector *metrics.Collector) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = defaults.MaxParallelTasks
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.ExecutorID == "" {
		cfg.ExecutorID = defaults.ExecutorID
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     taskStore,
		executor:  executor,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
		metrics:   collector,
		locks:     newTaskLocks(),
		callbacks: newCallbackRegistry(),
		queue:     newReadyQueue(),
		running:   make(map[uuid.UUID]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start reconciles persisted state and launches the scheduler loop.
// Tasks left in progress by a previous run are reset to pending and
// re-queued, so interrupted work runs at least once more.
func (o *Orchestrator) Start() error {
	if err := o.recoverTasks(o.ctx); err != nil {
		return fmt.Errorf("failed to recover persisted tasks: %w", err)
	}

	o.group, _ = errgroup.WithContext(o.ctx)
	o.group.Go(func() error {
		o.runScheduler()
		return nil
	})

	o.logger.Info("orchestrator started",
		slog.Int("max_parallel_tasks", o.cfg.MaxParallelTasks),
		slog.Duration("tick_interval", o.cfg.TickInterval))
	return nil
}

// Stop halts the scheduler and waits for in-flight attempts to settle.
// Attempts interrupted by shutdown are left in progress and picked up
// by recovery on the next Start.
func (o *Orchestrator) Stop() {
	o.cancel()
	if o.group != nil {
		_ = o.group.Wait()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// CreateTask validates the spec, persists the task with its dependency
// edges, and admits it for execution when it is immediately runnable.
// The initial status is blocked when any dependency is incomplete,
// scheduled when a future start time is set, and pending otherwise.
func (o *Orchestrator) CreateTask(ctx context.Context, spec TaskSpec) (*domain.Task, error) {
	id := spec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	task := domain.NewTask(id, spec.Title, spec.Type)
	task.Description = spec.Description
	task.Priority = spec.Priority
	task.ScheduledAt = spec.ScheduledAt
	task.MaxRetries = o.cfg.DefaultMaxRetries
	if spec.MaxRetries != nil {
		task.MaxRetries = *spec.MaxRetries
	}
	task.TimeoutSeconds = spec.TimeoutSeconds
	if spec.Labels != nil {
		task.Labels = spec.Labels
	}
	for _, dep := range spec.Dependencies {
		if dep.Type == "" {
			dep.Type = domain.DependencyTypeCompletion
		}
		task.Dependencies = append(task.Dependencies, dep)
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := validateGraph(ctx, o.store, task); err != nil {
		return nil, err
	}

	satisfied, err := dependenciesSatisfied(ctx, o.store, task)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	switch {
	case !satisfied:
		task.Status = domain.TaskStatusBlocked
	case task.ScheduledAt != nil && task.ScheduledAt.After(now):
		task.Status = domain.TaskStatusScheduled
	default:
		task.Status = domain.TaskStatusPending
	}

	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	event := domain.NewExecutionEvent(task.ID, domain.EventTypeCreated, "task created").
		WithMetadata("initial_status", string(task.Status))
	o.appendEvent(ctx, event)
	o.metrics.TaskCreated(string(task.Status))

	o.logger.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)),
		slog.Int("priority", task.Priority),
		slog.Int("dependencies", len(task.Dependencies)))

	switch task.Status {
	case domain.TaskStatusPending:
		o.enqueue(task)
	case domain.TaskStatusBlocked:
		// A dependency may have completed between the eligibility check
		// and the insert; its fan-out could not see this task yet.
		o.promoteIfUnblocked(ctx, task.ID)
	}

	return task.Clone(), nil
}

// CancelTask cancels the task. A queued task is dropped before it
// starts; an in-flight task has its execution context cancelled and
// its late result discarded. Returns false without error when the task
// is already terminal.
func (o *Orchestrator) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	o.locks.Lock(id)

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		return false, err
	}
	if err := guardTransition(task, domain.TaskStatusCancelled); err != nil {
		o.locks.Unlock(id)
		if errors.Is(err, domain.ErrTaskTerminal) {
			return false, nil
		}
		return false, err
	}

	wasInFlight := task.Status == domain.TaskStatusInProgress
	status := domain.TaskStatusCancelled
	completedAt := time.Now().UTC()
	updated, err := o.store.UpdateTask(ctx, id, store.TaskUpdate{
		Status:      &status,
		CompletedAt: &completedAt,
	})
	if err != nil {
		o.locks.Unlock(id)
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	event := domain.NewExecutionEvent(id, domain.EventTypeCancelled, "task cancelled").
		WithMetadata("was_in_flight", wasInFlight)
	o.appendEvent(ctx, event)
	o.metrics.TaskCancelled(wasInFlight)
	o.locks.Unlock(id)

	if wasInFlight {
		o.admitMu.Lock()
		cancelAttempt, ok := o.running[id]
		o.admitMu.Unlock()
		if ok {
			cancelAttempt()
		}
	}

	o.logger.Info("task cancelled",
		slog.String("task_id", id.String()),
		slog.Bool("was_in_flight", wasInFlight))

	o.callbacks.Fire(updated, o.logger)
	return true, nil
}

// GetStatus returns the task together with whether it is currently
// executing.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*TaskView, error) {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	o.admitMu.Lock()
	_, running := o.running[id]
	o.admitMu.Unlock()
	return &TaskView{Task: task, Running: running}, nil
}

// History returns the task's execution event log, oldest first.
func (o *Orchestrator) History(ctx context.Context, id uuid.UUID) ([]*domain.ExecutionEvent, error) {
	return o.store.TaskHistory(ctx, id)
}

// Dashboard returns aggregate engine state: per-status task counts,
// the set of running tasks, and the ready-queue depth.
func (o *Orchestrator) Dashboard(ctx context.Context) (*DashboardView, error) {
	stats, err := o.store.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load task statistics: %w", err)
	}

	o.admitMu.Lock()
	runningIDs := make([]uuid.UUID, 0, len(o.running))
	for id := range o.running {
		runningIDs = append(runningIDs, id)
	}
	depth := o.queue.Len()
	o.admitMu.Unlock()

	return &DashboardView{
		Statistics:       stats,
		RunningTaskIDs:   runningIDs,
		QueueDepth:       depth,
		MaxParallelTasks: o.cfg.MaxParallelTasks,
	}, nil
}

// RegisterCallback registers a callback fired once when the given task
// reaches a terminal status.
func (o *Orchestrator) RegisterCallback(taskID uuid.UUID, cb CompletionCallback) {
	o.callbacks.Register(taskID, cb)
}

// RegisterGlobalCallback registers a callback fired for every terminal
// transition.
func (o *Orchestrator) RegisterGlobalCallback(cb CompletionCallback) {
	o.callbacks.RegisterGlobal(cb)
}

// recoverTasks re-admits work left over from a previous run: tasks in
// progress are reset to pending and re-queued, and pending tasks are
// re-queued as-is.
func (o *Orchestrator) recoverTasks(ctx context.Context) error {
	interrupted, err := o.store.ListTasksByStatus(ctx, domain.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to list in-progress tasks: %w", err)
	}
	for _, task := range interrupted {
		if err := guardTransition(task, domain.TaskStatusPending); err != nil {
			o.logger.Error("refusing interrupted task requeue",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		status := domain.TaskStatusPending
		updated, err := o.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &status})
		if err != nil {
			o.logger.Error("failed to requeue interrupted task",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		event := domain.NewExecutionEvent(task.ID, domain.EventTypeRequeued, "requeued after restart").
			WithMetadata("retry_count", task.RetryCount)
		o.appendEvent(ctx, event)
		o.logger.Warn("requeued interrupted task", slog.String("task_id", task.ID.String()))
		o.enqueue(updated)
	}

	pending, err := o.store.ListTasksByStatus(ctx, domain.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	for _, task := range pending {
		o.enqueue(task)
	}

	// A crash between a completion write and its dependency fan-out
	// leaves eligible dependents blocked; re-evaluate them once here.
	blocked, err := o.store.ListTasksByStatus(ctx, domain.TaskStatusBlocked)
	if err != nil {
		return fmt.Errorf("failed to list blocked tasks: %w", err)
	}
	for _, task := range blocked {
		o.promoteIfUnblocked(ctx, task.ID)
	}

	if len(interrupted) > 0 || len(pending) > 0 || len(blocked) > 0 {
		o.logger.Info("recovery complete",
			slog.Int("requeued", len(interrupted)),
			slog.Int("pending", len(pending)),
			slog.Int("blocked_checked", len(blocked)))
	}
	return nil
}

// runScheduler ticks until shutdown, promoting due scheduled tasks and
// expired retry backoffs into the ready queue.
func (o *Orchestrator) runScheduler() {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.tick(time.Now().UTC())
		}
	}
}

// tick promotes every scheduled task whose start time has arrived and
// every retrying task whose backoff has expired. Failures on one task
// never stop the sweep.
func (o *Orchestrator) tick(now time.Time) {
	due, err := o.store.ListScheduledBefore(o.ctx, now)
	if err != nil {
		o.logger.Error("failed to list due scheduled tasks", slog.String("error", err.Error()))
	} else {
		for _, task := range due {
			o.promote(task.ID, domain.TaskStatusScheduled, store.TaskUpdate{})
		}
	}

	ready, err := o.store.ListRetryingReadyBefore(o.ctx, now)
	if err != nil {
		o.logger.Error("failed to list ready retrying tasks", slog.String("error", err.Error()))
	} else {
		for _, task := range ready {
			o.promote(task.ID, domain.TaskStatusRetrying, store.TaskUpdate{ClearReadyAt: true})
		}
	}
}

// promote moves a task from the given status to pending and enqueues
// it. Re-checks the status under the task lock so concurrent
// cancellation wins. The lock is released before enqueueing: dispatch
// re-acquires it in startAttempt, so enqueueing under the lock would
// deadlock against our own dispatch.
func (o *Orchestrator) promote(id uuid.UUID, from domain.TaskStatus, update store.TaskUpdate) {
	o.locks.Lock(id)

	task, err := o.store.GetTask(o.ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		o.logger.Error("failed to load task for promotion",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	if task.Status != from {
		o.locks.Unlock(id)
		return
	}
	if err := guardTransition(task, domain.TaskStatusPending); err != nil {
		o.locks.Unlock(id)
		o.logger.Error("refusing task promotion",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}

	status := domain.TaskStatusPending
	update.Status = &status
	updated, err := o.store.UpdateTask(o.ctx, id, update)
	o.locks.Unlock(id)
	if err != nil {
		o.logger.Error("failed to promote task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}

	o.logger.Debug("task promoted to pending",
		slog.String("task_id", id.String()),
		slog.String("from", string(from)))
	o.enqueue(updated)
}

// promoteIfUnblocked transitions a blocked task to pending when all of
// its dependencies have completed, and enqueues it. As in promote, the
// per-task lock must be released before the enqueue.
func (o *Orchestrator) promoteIfUnblocked(ctx context.Context, id uuid.UUID) {
	o.locks.Lock(id)

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		o.logger.Error("failed to load dependent task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	if task.Status != domain.TaskStatusBlocked {
		o.locks.Unlock(id)
		return
	}

	satisfied, err := dependenciesSatisfied(ctx, o.store, task)
	if err != nil {
		o.locks.Unlock(id)
		o.logger.Error("failed to check dependencies",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	if !satisfied {
		o.locks.Unlock(id)
		return
	}

	status := domain.TaskStatusPending
	updated, err := o.store.UpdateTask(ctx, id, store.TaskUpdate{Status: &status})
	if err != nil {
		o.locks.Unlock(id)
		o.logger.Error("failed to unblock task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}

	o.appendEvent(ctx, domain.NewExecutionEvent(id, domain.EventTypeUnblocked, "all dependencies completed"))
	o.locks.Unlock(id)

	o.logger.Info("task unblocked", slog.String("task_id", id.String()))
	o.enqueue(updated)
}

// enqueue puts the task on the ready queue and triggers dispatch.
func (o *Orchestrator) enqueue(task *domain.Task) {
	o.admitMu.Lock()
	o.queue.Push(task)
	o.metrics.SetQueueDepth(o.queue.Len())
	o.admitMu.Unlock()

	o.dispatch()
}

// dispatch starts queued tasks while execution slots are free. A
// popped task that is no longer pending (cancelled while queued) is
// skipped and its slot returned.
func (o *Orchestrator) dispatch() {
	for {
		if o.ctx.Err() != nil {
			return
		}

		o.admitMu.Lock()
		if o.runningCount >= o.cfg.MaxParallelTasks {
			o.admitMu.Unlock()
			return
		}
		id, ok := o.queue.Pop()
		if !ok {
			o.admitMu.Unlock()
			return
		}
		o.runningCount++
		o.metrics.SetQueueDepth(o.queue.Len())
		o.admitMu.Unlock()

		task, attemptCtx, started := o.startAttempt(id)
		if !started {
			o.admitMu.Lock()
			o.runningCount--
			o.admitMu.Unlock()
			continue
		}

		o.wg.Add(1)
		go o.runAttempt(attemptCtx, task)
	}
}

// startAttempt transitions a pending task to in progress under its
// lock, registers the attempt's cancel function, and returns the task
// snapshot to execute.
func (o *Orchestrator) startAttempt(id uuid.UUID) (*domain.Task, context.Context, bool) {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	task, err := o.store.GetTask(o.ctx, id)
	if err != nil {
		o.logger.Error("failed to load queued task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, nil, false
	}
	if task.Status != domain.TaskStatusPending {
		o.logger.Debug("skipping queued task",
			slog.String("task_id", id.String()),
			slog.String("status", string(task.Status)))
		return nil, nil, false
	}
	if err := guardTransition(task, domain.TaskStatusInProgress); err != nil {
		o.logger.Error("refusing task start",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, nil, false
	}

	status := domain.TaskStatusInProgress
	startedAt := time.Now().UTC()
	updated, err := o.store.UpdateTask(o.ctx, id, store.TaskUpdate{
		Status:           &status,
		StartedAt:        &startedAt,
		AssignedExecutor: &o.cfg.ExecutorID,
	})
	if err != nil {
		o.logger.Error("failed to mark task in progress",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, nil, false
	}

	event := domain.NewExecutionEvent(id, domain.EventTypeStarted, "execution attempt started").
		WithMetadata("attempt", updated.RetryCount+1)
	event.ExecutorID = o.cfg.ExecutorID
	o.appendEvent(o.ctx, event)
	o.metrics.TaskStarted()

	attemptCtx, cancelAttempt := context.WithCancel(o.ctx)
	o.admitMu.Lock()
	o.running[id] = cancelAttempt
	o.admitMu.Unlock()

	o.logger.Info("task started",
		slog.String("task_id", id.String()),
		slog.Int("attempt", updated.RetryCount+1))
	return updated, attemptCtx, true
}

// runAttempt executes the task with its wall-clock timeout and settles
// the outcome. Runs on its own goroutine, one per execution slot.
func (o *Orchestrator) runAttempt(attemptCtx context.Context, task *domain.Task) {
	defer o.wg.Done()
	defer o.releaseSlot(task.ID)

	execCtx := attemptCtx
	if task.TimeoutSeconds != nil {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(attemptCtx, time.Duration(*task.TimeoutSeconds)*time.Second)
		defer cancelTimeout()
	}

	attemptStart := time.Now()
	resultCh := make(chan ExecutionResult, 1)
	go func() {
		resultCh <- o.executor.Execute(execCtx, task.Clone())
	}()

	var result ExecutionResult
	select {
	case result = <-resultCh:
		// An executor that ignored an expired deadline still counts as
		// timed out.
		if result.Success && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result = Fail(FailureKindTimeout, fmt.Sprintf("timed out after %ds", *task.TimeoutSeconds))
		}
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result = Fail(FailureKindTimeout, fmt.Sprintf("timed out after %ds", *task.TimeoutSeconds))
		} else if o.ctx.Err() != nil {
			// Shutdown: leave the task in progress so the next run's
			// recovery requeues it.
			o.logger.Warn("attempt interrupted by shutdown", slog.String("task_id", task.ID.String()))
			return
		} else {
			// Cancelled via CancelTask; settle discards the late result.
			result = Fail(FailureKindExecution, "execution cancelled")
		}
	}

	o.settleAttempt(task.ID, result, time.Since(attemptStart))
}

// settleAttempt persists the outcome of a finished attempt. The task
// is re-read under its lock first: a task cancelled mid-flight stays
// cancelled and the attempt's result is discarded.
func (o *Orchestrator) settleAttempt(id uuid.UUID, result ExecutionResult, duration time.Duration) {
	// Terminal writes use a fresh context so a finished attempt records
	// its outcome even while the orchestrator shuts down.
	ctx := context.Background()

	o.locks.Lock(id)
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		o.logger.Error("failed to reload task after attempt",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	if task.Status != domain.TaskStatusInProgress {
		o.locks.Unlock(id)
		o.logger.Info("discarding result of superseded attempt",
			slog.String("task_id", id.String()),
			slog.String("status", string(task.Status)))
		return
	}

	var settled *domain.Task
	switch {
	case result.Success:
		settled, err = o.completeTask(ctx, task, result, duration)
	case task.RetryCount < task.MaxRetries:
		settled, err = o.scheduleRetry(ctx, task, result)
	default:
		settled, err = o.failTask(ctx, task, result)
	}
	o.locks.Unlock(id)

	if err != nil {
		o.logger.Error("failed to settle attempt",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}

	if settled.Status.IsTerminal() {
		o.callbacks.Fire(settled, o.logger)
	}
	if settled.Status == domain.TaskStatusCompleted {
		o.fanOut(ctx, settled)
	}
}

func (o *Orchestrator) completeTask(ctx context.Context, task *domain.Task, result ExecutionResult, duration time.Duration) (*domain.Task, error) {
	if err := guardTransition(task, domain.TaskStatusCompleted); err != nil {
		return nil, err
	}
	status := domain.TaskStatusCompleted
	completedAt := time.Now().UTC()
	noError := ""
	updated, err := o.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:       &status,
		CompletedAt:  &completedAt,
		Result:       &result.Data,
		ErrorMessage: &noError,
	})
	if err != nil {
		return nil, err
	}

	event := domain.NewExecutionEvent(task.ID, domain.EventTypeCompleted, "task completed").
		WithMetadata("duration_seconds", duration.Seconds())
	event.ExecutorID = o.cfg.ExecutorID
	o.appendEvent(ctx, event)
	o.metrics.TaskCompleted(duration)

	o.logger.Info("task completed",
		slog.String("task_id", task.ID.String()),
		slog.Duration("duration", duration))
	return updated, nil
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, task *domain.Task, result ExecutionResult) (*domain.Task, error) {
	if err := guardTransition(task, domain.TaskStatusRetrying); err != nil {
		return nil, err
	}
	retryCount := task.RetryCount + 1
	delay := backoffDelay(o.cfg.BackoffBase, retryCount)
	readyAt := time.Now().UTC().Add(delay)
	status := domain.TaskStatusRetrying

	updated, err := o.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:       &status,
		RetryCount:   &retryCount,
		ReadyAt:      &readyAt,
		ErrorMessage: &result.Message,
	})
	if err != nil {
		return nil, err
	}

	event := domain.NewExecutionEvent(task.ID, domain.EventTypeRetrying, result.Message).
		WithMetadata("retry_count", retryCount).
		WithMetadata("failure_kind", string(result.Kind)).
		WithMetadata("ready_at", readyAt.Format(time.RFC3339))
	event.ExecutorID = o.cfg.ExecutorID
	o.appendEvent(ctx, event)
	o.metrics.TaskRetried()

	o.logger.Warn("task attempt failed, retry scheduled",
		slog.String("task_id", task.ID.String()),
		slog.Int("retry_count", retryCount),
		slog.Int("max_retries", task.MaxRetries),
		slog.Duration("backoff", delay),
		slog.String("failure_kind", string(result.Kind)),
		slog.String("error", result.Message))
	return updated, nil
}

func (o *Orchestrator) failTask(ctx context.Context, task *domain.Task, result ExecutionResult) (*domain.Task, error) {
	if err := guardTransition(task, domain.TaskStatusFailed); err != nil {
		return nil, err
	}
	status := domain.TaskStatusFailed
	completedAt := time.Now().UTC()
	updated, err := o.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:       &status,
		CompletedAt:  &completedAt,
		ErrorMessage: &result.Message,
	})
	if err != nil {
		return nil, err
	}

	event := domain.NewExecutionEvent(task.ID, domain.EventTypeFailed, result.Message).
		WithMetadata("retry_count", task.RetryCount).
		WithMetadata("failure_kind", string(result.Kind))
	event.ExecutorID = o.cfg.ExecutorID
	o.appendEvent(ctx, event)
	o.metrics.TaskFailed()

	o.logger.Error("task failed permanently",
		slog.String("task_id", task.ID.String()),
		slog.Int("retry_count", task.RetryCount),
		slog.String("error", result.Message))
	return updated, nil
}

// fanOut re-evaluates every dependent of a completed task. Dependents
// of failed or cancelled tasks are deliberately left blocked.
func (o *Orchestrator) fanOut(ctx context.Context, completed *domain.Task) {
	for _, dependentID := range completed.BlockingFor {
		o.promoteIfUnblocked(ctx, dependentID)
	}
}

// releaseSlot returns an execution slot and removes the attempt from
// the running set, then dispatches any queued work.
func (o *Orchestrator) releaseSlot(id uuid.UUID) {
	o.admitMu.Lock()
	if cancelAttempt, ok := o.running[id]; ok {
		cancelAttempt()
		delete(o.running, id)
	}
	o.runningCount--
	o.admitMu.Unlock()

	o.dispatch()
}

// appendEvent writes an execution event, logging rather than failing
// the transition when the write errors. The task record remains the
// source of truth; events are audit history.
func (o *Orchestrator) appendEvent(ctx context.Context, event *domain.ExecutionEvent) {
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Error("failed to append execution event",
			slog.String("task_id", event.TaskID.String()),
			slog.String("event_type", string(event.EventType)),
			slog.String("error", err.Error()))
	}
}

// backoffDelay computes the exponential backoff before retry attempt k.
func backoffDelay(base, attempt int) time.Duration {
	seconds := math.Pow(float64(base), float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}

// guardTransition rejects status writes that violate the task state
// machine. Every orchestrator status write passes through it before
// reaching the store.
func guardTransition(task *domain.Task, to domain.TaskStatus) error {
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTaskTerminal, task.ID, task.Status)
	}
	if !domain.CanTransition(task.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, to)
	}
	return nil
}
