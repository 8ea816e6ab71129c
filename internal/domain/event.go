package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an execution event.
type EventType string

// Recognized execution event types.
const (
	EventTypeCreated   EventType = "created"
	EventTypeStarted   EventType = "started"
	EventTypeRetrying  EventType = "retrying"
	EventTypeCompleted EventType = "completed"
	EventTypeFailed    EventType = "failed"
	EventTypeCancelled EventType = "cancelled"
	EventTypeUnblocked EventType = "unblocked"
	EventTypeRequeued  EventType = "requeued"
)

// ExecutionEvent is an append-only record of a task lifecycle
// transition. Events are never mutated after being written and are used
// to reconstruct history and for audit.
type ExecutionEvent struct {
	ID         uuid.UUID      `json:"id"`
	TaskID     uuid.UUID      `json:"task_id"`
	EventType  EventType      `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	ExecutorID string         `json:"executor_id,omitempty"`
}

// NewExecutionEvent creates an event for the given task with a fresh id
// and the current timestamp.
func NewExecutionEvent(taskID uuid.UUID, eventType EventType, message string) *ExecutionEvent {
	return &ExecutionEvent{
		ID:        uuid.New(),
		TaskID:    taskID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Metadata:  map[string]any{},
	}
}

// WithMetadata attaches a metadata key/value pair and returns the event
// for chaining during construction.
func (e *ExecutionEvent) WithMetadata(key string, value any) *ExecutionEvent {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}
