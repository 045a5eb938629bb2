package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

type mapRegistry map[string]NodeFunc

func (m mapRegistry) Get(id string) (NodeFunc, bool) {
	fn, ok := m[id]
	return fn, ok
}

func testEngine(registry Registry) *Engine {
	e := NewEngine(registry, shared.NewLogger(io.Discard))
	e.retryDelay = time.Millisecond
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func taskNode(order *[]string, id string) NodeFunc {
	return func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
		*order = append(*order, id)
		return map[string]any{"operation": id}, nil
	}
}

func TestParseDefinition(t *testing.T) {
	t.Run("ValidWorkflow", func(t *testing.T) {
		def, err := ParseDefinition([]byte(`{
			"id": "wf", "name": "Discover",
			"tasks": [
				{"id": "fetch", "type": "source.spotify_playlist", "config": {"playlist_id": "abc"}},
				{"id": "dedupe", "type": "filter.tracks", "upstream": ["fetch"], "result_key": "clean"}
			]
		}`))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if def.Name != "Discover" || len(def.Tasks) != 2 {
			t.Errorf("unexpected definition %+v", def)
		}
		if def.Tasks[1].ResultKey != "clean" {
			t.Errorf("expected result_key parsed, got %q", def.Tasks[1].ResultKey)
		}
	})

	t.Run("RejectsBadJSON", func(t *testing.T) {
		if _, err := ParseDefinition([]byte("{")); !errors.Is(err, shared.ErrInvalidWorkflow) {
			t.Fatalf("expected invalid workflow error, got %v", err)
		}
	})

	t.Run("RejectsDuplicateIDs", func(t *testing.T) {
		_, err := ParseDefinition([]byte(`{"name": "x", "tasks": [
			{"id": "a", "type": "t"}, {"id": "a", "type": "t"}
		]}`))
		if !errors.Is(err, shared.ErrInvalidWorkflow) {
			t.Fatalf("expected invalid workflow error, got %v", err)
		}
	})

	t.Run("RejectsUnknownUpstream", func(t *testing.T) {
		_, err := ParseDefinition([]byte(`{"name": "x", "tasks": [
			{"id": "a", "type": "t", "upstream": ["ghost"]}
		]}`))
		if !errors.Is(err, shared.ErrInvalidWorkflow) {
			t.Fatalf("expected invalid workflow error, got %v", err)
		}
	})

	t.Run("RejectsCycles", func(t *testing.T) {
		_, err := ParseDefinition([]byte(`{"name": "x", "tasks": [
			{"id": "a", "type": "t", "upstream": ["b"]},
			{"id": "b", "type": "t", "upstream": ["a"]}
		]}`))
		if !errors.Is(err, shared.ErrCyclicWorkflow) {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})
}

func TestExecutionOrder(t *testing.T) {
	t.Run("DiamondDependency", func(t *testing.T) {
		var order []string
		registry := mapRegistry{
			"n.a": taskNode(&order, "a"),
			"n.b": taskNode(&order, "b"),
			"n.c": taskNode(&order, "c"),
			"n.d": taskNode(&order, "d"),
		}
		def := Definition{Name: "diamond", Tasks: []TaskDef{
			{ID: "d", Type: "n.d", Upstream: []string{"b", "c"}},
			{ID: "b", Type: "n.b", Upstream: []string{"a"}},
			{ID: "c", Type: "n.c", Upstream: []string{"a"}},
			{ID: "a", Type: "n.a"},
		}}

		ec, err := testEngine(registry).Run(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		// First declared task is d, so DFS resolves its upstream first.
		want := []string{"a", "b", "c", "d"}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, order)
			}
		}
		for _, id := range want {
			if _, err := ec.TaskResult(id); err != nil {
				t.Errorf("expected result for %q: %v", id, err)
			}
		}
	})

	t.Run("DeclarationOrderBreaksTies", func(t *testing.T) {
		var order []string
		registry := mapRegistry{
			"n.x": taskNode(&order, "x"),
			"n.y": taskNode(&order, "y"),
		}
		def := Definition{Name: "ties", Tasks: []TaskDef{
			{ID: "y", Type: "n.y"},
			{ID: "x", Type: "n.x"},
		}}
		if _, err := testEngine(registry).Run(context.Background(), def, nil); err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if order[0] != "y" || order[1] != "x" {
			t.Errorf("expected declaration order, got %v", order)
		}
	})
}

func TestTemplateResolution(t *testing.T) {
	ec := NewContext(map[string]any{"playlist_id": "abc123", "limit": 30})
	ec.set("fetch", map[string]any{"tracks_count": 12})

	t.Run("ResolvesDottedPaths", func(t *testing.T) {
		out := ec.ResolveConfig(map[string]any{
			"playlist": "{parameters.playlist_id}",
			"note":     "fetched {fetch.tracks_count} tracks",
			"nested":   map[string]any{"limit": "{parameters.limit}"},
			"list":     []any{"{parameters.playlist_id}", "literal"},
			"number":   7,
		})
		if out["playlist"] != "abc123" {
			t.Errorf("expected resolved playlist id, got %v", out["playlist"])
		}
		if out["note"] != "fetched 12 tracks" {
			t.Errorf("expected inline substitution, got %v", out["note"])
		}
		if out["nested"].(map[string]any)["limit"] != "30" {
			t.Errorf("expected stringified nested value, got %v", out["nested"])
		}
		if out["list"].([]any)[0] != "abc123" {
			t.Errorf("expected list element resolved, got %v", out["list"])
		}
		if out["number"] != 7 {
			t.Errorf("non-strings must pass through, got %v", out["number"])
		}
	})

	t.Run("UnresolvedTokensLeftVerbatim", func(t *testing.T) {
		out := ec.ResolveConfig(map[string]any{"v": "{no.such.path}"})
		if out["v"] != "{no.such.path}" {
			t.Errorf("expected verbatim token, got %v", out["v"])
		}
	})
}

func TestRetries(t *testing.T) {
	t.Run("TransientFailureThenSuccess", func(t *testing.T) {
		calls := 0
		registry := mapRegistry{"n.flaky": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("%w: hiccup", shared.ErrTransient)
			}
			return map[string]any{"tracks_count": 5}, nil
		}}
		def := Definition{Name: "flaky", Tasks: []TaskDef{{ID: "t", Type: "n.flaky"}}}

		ec, err := testEngine(registry).Run(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 attempts, got %d", calls)
		}
		result, _ := ec.TaskResult("t")
		if result["tracks_count"] != 5 {
			t.Errorf("expected final result stored, got %v", result)
		}
	})

	t.Run("ExhaustedRetriesAbort", func(t *testing.T) {
		calls := 0
		registry := mapRegistry{"n.broken": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
			calls++
			return nil, errors.New("boom")
		}}
		def := Definition{Name: "broken", Tasks: []TaskDef{{ID: "t", Type: "n.broken"}}}

		_, err := testEngine(registry).Run(context.Background(), def, nil)
		var taskErr *TaskError
		if !errors.As(err, &taskErr) {
			t.Fatalf("expected TaskError, got %v", err)
		}
		if taskErr.TaskID != "t" {
			t.Errorf("expected failing task id, got %q", taskErr.TaskID)
		}
		if calls != 4 {
			t.Errorf("expected 1 + 3 retries, got %d attempts", calls)
		}
	})

	t.Run("ValidationErrorsNotRetried", func(t *testing.T) {
		calls := 0
		registry := mapRegistry{"n.bad": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
			calls++
			return nil, fmt.Errorf("%w: bad config", shared.ErrValidation)
		}}
		def := Definition{Name: "bad", Tasks: []TaskDef{{ID: "t", Type: "n.bad"}}}

		_, err := testEngine(registry).Run(context.Background(), def, nil)
		if !errors.Is(err, shared.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected single attempt, got %d", calls)
		}
	})

	t.Run("MissingTrackNotRetried", func(t *testing.T) {
		calls := 0
		registry := mapRegistry{"n.lookup": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
			calls++
			return nil, fmt.Errorf("%w: no spotify match", shared.ErrTrackNotFound)
		}}
		def := Definition{Name: "lookup", Tasks: []TaskDef{{ID: "t", Type: "n.lookup"}}}

		_, err := testEngine(registry).Run(context.Background(), def, nil)
		if !errors.Is(err, shared.ErrNotFound) {
			t.Fatalf("expected not-found error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected single attempt, got %d", calls)
		}
	})

	t.Run("UnknownNodeAborts", func(t *testing.T) {
		def := Definition{Name: "missing", Tasks: []TaskDef{{ID: "t", Type: "n.ghost"}}}
		_, err := testEngine(mapRegistry{}).Run(context.Background(), def, nil)
		if !errors.Is(err, shared.ErrUnknownNode) {
			t.Fatalf("expected unknown node error, got %v", err)
		}
	})
}

func TestProgressEvents(t *testing.T) {
	t.Run("FullEventSequence", func(t *testing.T) {
		var order []string
		registry := mapRegistry{"n.a": taskNode(&order, "a"), "n.b": taskNode(&order, "b")}
		def := Definition{Name: "wf", Tasks: []TaskDef{
			{ID: "a", Type: "n.a"},
			{ID: "b", Type: "n.b", Upstream: []string{"a"}},
		}}

		var events []Event
		e := testEngine(registry)
		e.OnProgress(func(ev Event) { events = append(events, ev) })
		if _, err := e.Run(context.Background(), def, nil); err != nil {
			t.Fatalf("run failed: %v", err)
		}

		types := make([]string, len(events))
		for i, ev := range events {
			types[i] = ev.Type
		}
		want := []string{
			EventWorkflowStarted,
			EventTaskStarted, EventTaskCompleted,
			EventTaskStarted, EventTaskCompleted,
			EventWorkflowCompleted,
		}
		if len(types) != len(want) {
			t.Fatalf("expected %v, got %v", want, types)
		}
		for i := range want {
			if types[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, types)
			}
		}
		if events[0].RunID == "" {
			t.Error("expected run id on events")
		}
		if events[1].TaskID != "a" || events[1].TaskType != "n.a" {
			t.Errorf("unexpected task event %+v", events[1])
		}
		if events[2].Result["operation"] != "a" {
			t.Errorf("expected result summary on completion, got %+v", events[2].Result)
		}
	})

	t.Run("FailureEmitsTaskFailed", func(t *testing.T) {
		registry := mapRegistry{"n.bad": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("%w: nope", shared.ErrValidation)
		}}
		def := Definition{Name: "wf", Tasks: []TaskDef{{ID: "t", Type: "n.bad"}}}

		var failed []Event
		e := testEngine(registry)
		e.OnProgress(func(ev Event) {
			if ev.Type == EventTaskFailed {
				failed = append(failed, ev)
			}
		})
		if _, err := e.Run(context.Background(), def, nil); err == nil {
			t.Fatal("expected run to fail")
		}
		if len(failed) != 1 || failed[0].TaskID != "t" {
			t.Fatalf("expected one task_failed event, got %+v", failed)
		}
	})
}

func TestResultKey(t *testing.T) {
	registry := mapRegistry{"n.a": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
		return map[string]any{"tracks_count": 9}, nil
	}}
	def := Definition{Name: "wf", Tasks: []TaskDef{
		{ID: "fetch", Type: "n.a", ResultKey: "main_playlist"},
	}}

	ec, err := testEngine(registry).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, key := range []string{"fetch", "main_playlist"} {
		result, err := ec.TaskResult(key)
		if err != nil {
			t.Fatalf("expected result under %q: %v", key, err)
		}
		if result["tracks_count"] != 9 {
			t.Errorf("unexpected result under %q: %v", key, result)
		}
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	registry := mapRegistry{"n.a": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{}, nil
	}, "n.b": func(ctx context.Context, ec *Context, config map[string]any) (map[string]any, error) {
		t.Error("second task must not run after cancellation")
		return map[string]any{}, nil
	}}
	def := Definition{Name: "wf", Tasks: []TaskDef{
		{ID: "a", Type: "n.a"},
		{ID: "b", Type: "n.b", Upstream: []string{"a"}},
	}}

	_, err := testEngine(registry).Run(ctx, def, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}
