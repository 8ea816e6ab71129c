// Package worker ships WorkExecutor implementations: a function
// adapter for embedding and a command executor that shells out.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/orchestrator"
)

// Func adapts a plain function to the WorkExecutor interface.
type Func func(ctx context.Context, task *domain.Task) orchestrator.ExecutionResult

// Execute calls the wrapped function.
func (f Func) Execute(ctx context.Context, task *domain.Task) orchestrator.ExecutionResult {
	return f(ctx, task)
}

var _ orchestrator.WorkExecutor = (Func)(nil)

// TypeMux routes tasks to executors by task type. Tasks with an
// unregistered type fail without consuming external resources.
type TypeMux struct {
	handlers map[string]orchestrator.WorkExecutor
}

// NewTypeMux creates an empty type router.
func NewTypeMux() *TypeMux {
	return &TypeMux{handlers: make(map[string]orchestrator.WorkExecutor)}
}

// Handle registers an executor for the given task type, replacing any
// previous registration. Not safe to call after execution has begun.
func (m *TypeMux) Handle(taskType string, executor orchestrator.WorkExecutor) {
	m.handlers[taskType] = executor
}

// HandleFunc registers a function for the given task type.
func (m *TypeMux) HandleFunc(taskType string, fn Func) {
	m.Handle(taskType, fn)
}

// Execute dispatches to the executor registered for the task's type.
func (m *TypeMux) Execute(ctx context.Context, task *domain.Task) orchestrator.ExecutionResult {
	handler, ok := m.handlers[task.Type]
	if !ok {
		return orchestrator.Fail(orchestrator.FailureKindExecution,
			fmt.Sprintf("no executor registered for task type %q", task.Type))
	}
	return handler.Execute(ctx, task)
}

var _ orchestrator.WorkExecutor = (*TypeMux)(nil)

// CommandExecutor runs the shell command named in the task's "command"
// label. The process inherits the execution context, so cancellation
// and timeouts kill it.
type CommandExecutor struct {
	logger *slog.Logger

	// Shell is the interpreter invoked with -c. Defaults to /bin/sh.
	Shell string
}

// NewCommandExecutor creates a command executor logging through the
// given logger.
func NewCommandExecutor(logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		logger: logger.With(slog.String("component", "command_executor")),
		Shell:  "/bin/sh",
	}
}

var _ orchestrator.WorkExecutor = (*CommandExecutor)(nil)

// Execute runs the task's command and captures its output into the
// result data. A missing command label, a start failure or a non-zero
// exit all count as execution failures; a kill caused by the context
// deadline surfaces as a timeout via the engine, not here.
func (e *CommandExecutor) Execute(ctx context.Context, task *domain.Task) orchestrator.ExecutionResult {
	command, ok := task.Labels["command"]
	if !ok || strings.TrimSpace(command) == "" {
		return orchestrator.Fail(orchestrator.FailureKindExecution, "task has no command label")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("running task command",
		slog.String("task_id", task.ID.String()),
		slog.String("command", command))

	if err := cmd.Run(); err != nil {
		message := err.Error()
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s: %s", message, strings.TrimSpace(stderr.String()))
		}
		return orchestrator.Fail(orchestrator.FailureKindExecution, message)
	}

	return orchestrator.Succeed(map[string]any{
		"stdout":    stdout.String(),
		"exit_code": 0,
	})
}
