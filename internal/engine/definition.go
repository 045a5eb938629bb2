package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// TaskDef is one task in a workflow definition. Type names a registered
// node id like "source.spotify_playlist".
type TaskDef struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config,omitempty"`
	Upstream  []string       `json:"upstream,omitempty"`
	ResultKey string         `json:"result_key,omitempty"`
}

// Definition is a parsed workflow: a named DAG of tasks.
type Definition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tasks       []TaskDef `json:"tasks"`
}

// ParseDefinition parses and validates a JSON workflow definition.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", shared.ErrInvalidWorkflow, err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadDefinition reads and parses a workflow definition file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks structural soundness: task ids present and unique,
// every task typed, upstream references known, and the graph acyclic.
func (d Definition) Validate() error {
	if len(d.Tasks) == 0 {
		return fmt.Errorf("%w: workflow has no tasks", shared.ErrInvalidWorkflow)
	}
	byID := make(map[string]bool, len(d.Tasks))
	for _, task := range d.Tasks {
		if task.ID == "" {
			return fmt.Errorf("%w: task without id", shared.ErrInvalidWorkflow)
		}
		if task.Type == "" {
			return fmt.Errorf("%w: task %q has no type", shared.ErrInvalidWorkflow, task.ID)
		}
		if byID[task.ID] {
			return fmt.Errorf("%w: duplicate task id %q", shared.ErrInvalidWorkflow, task.ID)
		}
		byID[task.ID] = true
	}
	for _, task := range d.Tasks {
		for _, up := range task.Upstream {
			if !byID[up] {
				return fmt.Errorf("%w: task %q references unknown upstream %q",
					shared.ErrInvalidWorkflow, task.ID, up)
			}
		}
	}
	if _, err := d.executionOrder(); err != nil {
		return err
	}
	return nil
}

// executionOrder returns the tasks in dependency order. Depth-first from
// each task in declaration order, so independent tasks keep their
// declared relative order.
func (d Definition) executionOrder() ([]TaskDef, error) {
	byID := make(map[string]TaskDef, len(d.Tasks))
	for _, task := range d.Tasks {
		byID[task.ID] = task
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(d.Tasks))
	order := make([]TaskDef, 0, len(d.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: cycle through task %q", shared.ErrCyclicWorkflow, id)
		}
		state[id] = visiting
		for _, up := range byID[id].Upstream {
			if err := visit(up); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, byID[id])
		return nil
	}

	for _, task := range d.Tasks {
		if err := visit(task.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
