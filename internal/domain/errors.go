package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a task spec fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownDependency is returned when a task declares a dependency
	// on a task id that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCyclicDependency is returned when a new task's dependency edges
	// would close a cycle in the dependency graph.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrInvalidDependencyType is returned when a dependency declares a
	// type that is not recognized.
	ErrInvalidDependencyType = errors.New("invalid dependency type")

	// ErrDuplicateDependency is returned when a task declares more than
	// one edge on the same dependency id.
	ErrDuplicateDependency = errors.New("duplicate dependency")

	// ErrInvalidTransition is returned when a status change violates the
	// task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTaskTerminal is returned when an operation targets a task that
	// has already reached a terminal status.
	ErrTaskTerminal = errors.New("task is in a terminal status")

	// ErrEmptyTaskTitle is returned when a task is created without a title.
	ErrEmptyTaskTitle = errors.New("task title cannot be empty")

	// ErrEmptyTaskID is returned when a task has a nil id.
	ErrEmptyTaskID = errors.New("task ID cannot be empty")

	// ErrInvalidTaskStatus is returned when a task status is not valid.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrNegativeRetries is returned when max retries is negative.
	ErrNegativeRetries = errors.New("max retries cannot be negative")

	// ErrInvalidTimeout is returned when a timeout is zero or negative.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)
