package orchestrator

import (
	"context"

	"github.com/taskforge/taskforge/internal/domain"
)

// FailureKind classifies why an execution attempt failed.
type FailureKind string

// Failure classifications. Timeouts are failures like any other and
// consume a retry attempt.
const (
	FailureKindExecution FailureKind = "execution"
	FailureKindTimeout   FailureKind = "timeout"
)

// ExecutionResult is the outcome of a single execution attempt: either
// a success carrying structured result data, or a failure carrying a
// kind and message. Use Succeed and Fail to construct one.
type ExecutionResult struct {
	Success bool
	Data    map[string]any
	Kind    FailureKind
	Message string
}

// Succeed builds a successful result with optional structured data.
func Succeed(data map[string]any) ExecutionResult {
	return ExecutionResult{Success: true, Data: data}
}

// Fail builds a failed result with the given classification and message.
func Fail(kind FailureKind, message string) ExecutionResult {
	return ExecutionResult{Success: false, Kind: kind, Message: message}
}

// WorkExecutor performs the actual work of a task. Implementations
// receive a private copy of the task and must honor context
// cancellation: the orchestrator cancels the context on task
// cancellation and when the task's wall-clock timeout expires.
//
// Execute reports the business outcome through the returned
// ExecutionResult rather than an error; a failed attempt is a normal
// result, not a transport problem.
type WorkExecutor interface {
	Execute(ctx context.Context, task *domain.Task) ExecutionResult
}
