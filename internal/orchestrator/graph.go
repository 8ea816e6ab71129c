package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/store"
)

// validateGraph checks that every dependency of the new task references
// an existing task and that adding the task keeps the dependency graph
// acyclic. The cycle check walks the transitive dependency closure and
// runs a topological sort over it together with the new task's edges.
func validateGraph(ctx context.Context, taskStore store.TaskStore, task *domain.Task) error {
	if len(task.Dependencies) == 0 {
		return nil
	}

	// Edge (dep, task) means dep must complete before task.
	var edges []toposort.Edge
	visited := map[uuid.UUID]bool{task.ID: true}
	frontier := make([]uuid.UUID, 0, len(task.Dependencies))

	for _, dep := range task.Dependencies {
		edges = append(edges, toposort.Edge{dep.DependsOnID, task.ID})
		frontier = append(frontier, dep.DependsOnID)
	}

	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		dep, err := taskStore.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrTaskNotFound) {
				return fmt.Errorf("%w: %w: %s", domain.ErrValidation, domain.ErrUnknownDependency, id)
			}
			return fmt.Errorf("failed to load dependency %s: %w", id, err)
		}
		for _, edge := range dep.Dependencies {
			edges = append(edges, toposort.Edge{edge.DependsOnID, dep.ID})
			frontier = append(frontier, edge.DependsOnID)
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %w: %v", domain.ErrValidation, domain.ErrCyclicDependency, err)
	}
	return nil
}

// dependenciesSatisfied reports whether every dependency of the task
// has reached completed status.
func dependenciesSatisfied(ctx context.Context, taskStore store.TaskStore, task *domain.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		depTask, err := taskStore.GetTask(ctx, dep.DependsOnID)
		if err != nil {
			return false, fmt.Errorf("failed to load dependency %s: %w", dep.DependsOnID, err)
		}
		if depTask.Status != domain.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
