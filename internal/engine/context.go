package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// ParametersKey holds the invocation parameters in the workflow context.
const ParametersKey = "parameters"

// Context is the shared workflow state. Each completed task's result map
// is stored under the task id (and its result_key when set); downstream
// tasks read upstream results through it. Only the engine writes to it.
type Context struct {
	values map[string]any
}

// NewContext creates a Context seeded with invocation parameters.
func NewContext(params map[string]any) *Context {
	values := map[string]any{}
	if params != nil {
		values[ParametersKey] = params
	}
	return &Context{values: values}
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) set(key string, value any) {
	c.values[key] = value
}

// Lookup resolves a dotted path like "fetch.tracks_count" through nested
// maps.
func (c *Context) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = c.values
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// TaskResult returns the result map a task stored, or a dependency error
// when the task has not run.
func (c *Context) TaskResult(taskID string) (map[string]any, error) {
	v, ok := c.values[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: no result for task %q", shared.ErrDependency, taskID)
	}
	result, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: result for task %q is %T, not a map", shared.ErrDependency, taskID, v)
	}
	return result, nil
}

// TrackList returns the tracklist a task produced.
func (c *Context) TrackList(taskID string) (models.TrackList, error) {
	result, err := c.TaskResult(taskID)
	if err != nil {
		return models.TrackList{}, err
	}
	tl, ok := result["tracklist"].(models.TrackList)
	if !ok {
		return models.TrackList{}, fmt.Errorf("%w: task %q produced no tracklist", shared.ErrDependency, taskID)
	}
	return tl, nil
}

var templatePattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// ResolveConfig returns config with every {dotted.path} template replaced
// by the stringified context value at that path, recursively through maps
// and lists. Unresolvable tokens are left verbatim.
func (c *Context) ResolveConfig(config map[string]any) map[string]any {
	resolved := c.resolveValue(config)
	if m, ok := resolved.(map[string]any); ok {
		return m
	}
	return config
}

func (c *Context) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		return templatePattern.ReplaceAllStringFunc(val, func(token string) string {
			path := token[1 : len(token)-1]
			resolved, ok := c.Lookup(path)
			if !ok {
				return token
			}
			return fmt.Sprintf("%v", resolved)
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = c.resolveValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = c.resolveValue(inner)
		}
		return out
	default:
		return v
	}
}
