// Package orchestrator implements the task orchestration engine:
// dependency-gated admission, priority dispatch under a bounded
// parallelism budget, retry with exponential backoff, and durable
// lifecycle recording through a store.TaskStore.
package orchestrator
