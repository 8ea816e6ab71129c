package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// taskLocks provides per-task mutual exclusion for orchestrator
// bookkeeping. Uses a keyed mutex pattern: each task id gets its own
// mutex, so transitions on different tasks proceed concurrently while
// transitions on the same task are serialized.
type taskLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[uuid.UUID]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Lock acquires the per-task mutex for the given id, creating it on
// first access.
func (l *taskLocks) Lock(id uuid.UUID) {
	l.mu.Lock()
	taskLock, exists := l.locks[id]
	if !exists {
		taskLock = &sync.Mutex{}
		l.locks[id] = taskLock
	}
	l.mu.Unlock()

	// Acquire the per-task lock outside the manager lock to avoid
	// blocking unrelated tasks.
	taskLock.Lock()
}

// Unlock releases the per-task mutex for the given id.
func (l *taskLocks) Unlock(id uuid.UUID) {
	l.mu.Lock()
	taskLock, exists := l.locks[id]
	l.mu.Unlock()

	if exists {
		taskLock.Unlock()
	}
}
