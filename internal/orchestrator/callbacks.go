package orchestrator

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/domain"
)

// CompletionCallback is invoked with a copy of the task after it
// reaches a terminal status.
type CompletionCallback func(task *domain.Task)

// callbackRegistry holds per-task and global completion callbacks.
// Per-task callbacks fire once, on the terminal transition of their
// task, and are then discarded. Global callbacks fire for every
// terminal transition.
type callbackRegistry struct {
	mu      sync.Mutex
	perTask map[uuid.UUID][]CompletionCallback
	global  []CompletionCallback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{
		perTask: make(map[uuid.UUID][]CompletionCallback),
	}
}

func (r *callbackRegistry) Register(taskID uuid.UUID, cb CompletionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perTask[taskID] = append(r.perTask[taskID], cb)
}

func (r *callbackRegistry) RegisterGlobal(cb CompletionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, cb)
}

// Fire invokes the task's callbacks followed by the global ones, each
// with its own task copy. A panicking callback is logged and skipped so
// user code cannot take down the dispatch goroutine.
func (r *callbackRegistry) Fire(task *domain.Task, log *slog.Logger) {
	r.mu.Lock()
	callbacks := append([]CompletionCallback(nil), r.perTask[task.ID]...)
	delete(r.perTask, task.ID)
	callbacks = append(callbacks, r.global...)
	r.mu.Unlock()

	for _, cb := range callbacks {
		invokeCallback(cb, task, log)
	}
}

func invokeCallback(cb CompletionCallback, task *domain.Task, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("completion callback panicked",
				slog.String("task_id", task.ID.String()),
				slog.Any("panic", r))
		}
	}()
	cb(task.Clone())
}
