// Package engine executes declarative workflows. A workflow is a JSON
// DAG of typed tasks; the engine topologically sorts them, resolves
// config templates against the accumulated context, and runs each task's
// node with retries, emitting progress events along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// NodeFunc is the unit of workflow execution. Nodes read upstream results
// from the workflow context and return their own result map; they never
// write to the context directly.
type NodeFunc func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error)

// Registry resolves node ids to node functions.
type Registry interface {
	Get(id string) (NodeFunc, bool)
}

// Progress event types.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventTaskStarted       = "task_started"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
)

// Event is one progress notification. Task fields are empty on workflow
// level events; Result carries a small summary (not the full payload).
type Event struct {
	Type     string
	RunID    string
	Workflow string
	TaskID   string
	TaskType string
	Result   map[string]any
	Err      error
}

// ProgressFunc receives events synchronously and must not block.
type ProgressFunc func(Event)

// TaskError reports which task aborted a workflow run.
type TaskError struct {
	TaskID  string
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed: %s: %v", e.TaskID, e.Message, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

const (
	defaultTaskRetries = 3
	defaultRetryDelay  = 30 * time.Second
)

// Engine runs workflow definitions against a node registry.
type Engine struct {
	registry   Registry
	logger     *log.Logger
	callbacks  []ProgressFunc
	retries    int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine with the default retry policy.
func NewEngine(registry Registry, logger *log.Logger) *Engine {
	return &Engine{
		registry:   registry,
		logger:     logger,
		retries:    defaultTaskRetries,
		retryDelay: defaultRetryDelay,
		sleep:      sleepCtx,
	}
}

// OnProgress registers a callback for all subsequent runs. Not safe to
// call concurrently with Run.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.callbacks = append(e.callbacks, fn)
}

func (e *Engine) emit(ev Event) {
	for _, fn := range e.callbacks {
		fn(ev)
	}
}

// Run executes the workflow to completion and returns the final context.
// A task that fails after all retries aborts the run with a *TaskError.
func (e *Engine) Run(ctx context.Context, def Definition, params map[string]any) (*Context, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	order, err := def.executionOrder()
	if err != nil {
		return nil, err
	}

	runID := shared.GenerateID()
	ec := NewContext(params)
	logger := e.logger.With("workflow", def.Name, "run_id", runID)
	logger.Info("workflow started", "tasks", len(order))
	e.emit(Event{Type: EventWorkflowStarted, RunID: runID, Workflow: def.Name})

	for _, task := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		config := ec.ResolveConfig(task.Config)
		e.emit(Event{Type: EventTaskStarted, RunID: runID, Workflow: def.Name,
			TaskID: task.ID, TaskType: task.Type})

		result, err := e.runTask(ctx, logger, ec, task, config)
		if err != nil {
			e.emit(Event{Type: EventTaskFailed, RunID: runID, Workflow: def.Name,
				TaskID: task.ID, TaskType: task.Type, Err: err})
			return nil, &TaskError{TaskID: task.ID, Message: "aborted workflow", Err: err}
		}

		ec.set(task.ID, result)
		if task.ResultKey != "" {
			ec.set(task.ResultKey, result)
		}
		e.emit(Event{Type: EventTaskCompleted, RunID: runID, Workflow: def.Name,
			TaskID: task.ID, TaskType: task.Type, Result: summarize(result)})
	}

	logger.Info("workflow completed")
	e.emit(Event{Type: EventWorkflowCompleted, RunID: runID, Workflow: def.Name})
	return ec, nil
}

// runTask invokes the task's node, retrying failures on a fixed delay.
// Validation and dependency errors are programming or definition faults
// and are not retried.
func (e *Engine) runTask(ctx context.Context, logger *log.Logger, ec *Context, task TaskDef, config map[string]any) (map[string]any, error) {
	fn, ok := e.registry.Get(task.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownNode, task.Type)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying task", "task", task.ID, "attempt", attempt, "error", lastErr)
			if err := e.sleep(ctx, e.retryDelay); err != nil {
				return nil, err
			}
		}
		result, err := fn(ctx, ec, config)
		if err == nil {
			logger.Info("task completed", "task", task.ID, "type", task.Type,
				"duration", time.Since(start))
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	for _, sentinel := range []error{
		shared.ErrValidation,
		shared.ErrDependency,
		shared.ErrUnknownNode,
		shared.ErrMissingCredentials,
		shared.ErrPermanent,
		shared.ErrNotFound,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	return true
}

// summarize keeps the scalar fields of a task result for event payloads,
// dropping heavyweight values like tracklists.
func summarize(result map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range result {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out[k] = v
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
