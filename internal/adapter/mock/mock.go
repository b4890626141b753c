// Package mock is a deterministic adapter for tests and demos, grounded
// on the teacher's own test-fixture-style engine.Brain doubles
// (predictable canned responses driven by config, no external I/O)
// generalized into a first-class, registerable adapter.
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/store"
)

// Adapter emits `steps` Progress events spaced `step_duration` apart,
// then a terminal event carrying `final`. Args shape:
//
//	{"steps": 3, "step_duration_ms": 100, "final": {"ok": true}, "fail": false}
type Adapter struct{}

func New() (adapter.Adapter, error) {
	return &Adapter{}, nil
}

func (a *Adapter) Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan adapter.Event, error) {
	steps := intArg(args, "steps", 3)
	stepDuration := time.Duration(intArg(args, "step_duration_ms", 50)) * time.Millisecond
	fail, _ := args["fail"].(bool)
	final, _ := args["final"].(map[string]any)
	if final == nil {
		final = map[string]any{}
	}

	out := make(chan adapter.Event, 1)
	go func() {
		defer close(out)
		out <- adapter.Event{Kind: store.KindStarted, Payload: map[string]any{}}

		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					out <- adapter.Event{Kind: store.KindTimedOut, Payload: map[string]any{}}
				} else {
					out <- adapter.Event{Kind: store.KindCanceled, Payload: map[string]any{"reason": "context_done"}}
				}
				return
			case <-cancel:
				out <- adapter.Event{Kind: store.KindCanceled, Payload: map[string]any{"reason": "canceled"}}
				return
			case <-time.After(stepDuration):
			}
			out <- adapter.Event{Kind: store.KindProgress, Payload: map[string]any{"step": i, "of": steps}}
		}

		if fail {
			out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": fmt.Sprintf("mock failure after %d steps", steps)}}
			return
		}
		out <- adapter.Event{Kind: store.KindSuccess, Payload: final}
	}()
	return out, nil
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
