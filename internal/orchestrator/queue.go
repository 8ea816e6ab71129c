package orchestrator

import (
	"container/heap"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/domain"
)

// queueEntry is a ready-queue element. Ordering is by priority
// descending, then creation time ascending, then insertion order so
// ties are deterministic.
type queueEntry struct {
	id        uuid.UUID
	priority  int
	createdAt time.Time
	seq       uint64
}

// entryHeap implements heap.Interface over queue entries.
type entryHeap []queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// readyQueue holds pending task ids awaiting a free execution slot.
// Not safe for concurrent use; the orchestrator serializes access
// under its admission lock.
type readyQueue struct {
	entries entryHeap
	queued  map[uuid.UUID]bool
	seq     uint64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		entries: entryHeap{},
		queued:  make(map[uuid.UUID]bool),
	}
}

// Push enqueues the task for dispatch. A task already in the queue is
// not enqueued twice.
func (q *readyQueue) Push(task *domain.Task) {
	if q.queued[task.ID] {
		return
	}
	q.seq++
	heap.Push(&q.entries, queueEntry{
		id:        task.ID,
		priority:  task.Priority,
		createdAt: task.CreatedAt,
		seq:       q.seq,
	})
	q.queued[task.ID] = true
}

// Pop removes and returns the highest-priority task id, or false when
// the queue is empty.
func (q *readyQueue) Pop() (uuid.UUID, bool) {
	if len(q.entries) == 0 {
		return uuid.Nil, false
	}
	entry := heap.Pop(&q.entries).(queueEntry)
	delete(q.queued, entry.id)
	return entry.id, true
}

// Len returns the number of queued task ids.
func (q *readyQueue) Len() int {
	return len(q.entries)
}
