package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/axonstream/axonstream/internal/bus"
	"github.com/axonstream/axonstream/internal/eventpipeline"
	"github.com/axonstream/axonstream/internal/safety"
	"github.com/axonstream/axonstream/internal/store"
)

var leakDetector = safety.NewLeakDetector()

// Worker repeatedly reserves one Pending task and runs it to completion.
// It is the generalization of the teacher's ClaimNextPendingTask polling
// loop: reserve, run, checkpoint, repeat.
type Worker struct {
	ID         string
	engine     *Engine
	pollEvery  time.Duration
	idleBackoff time.Duration
}

func NewWorker(id string, e *Engine) *Worker {
	return &Worker{ID: id, engine: e, pollEvery: 250 * time.Millisecond, idleBackoff: time.Second}
}

// Run loops until ctx is canceled, reserving and executing tasks one at
// a time. Callers typically run several Workers concurrently to size
// parallelism.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok, err := w.engine.store.ReserveOne(ctx, w.ID)
		if err != nil {
			w.engine.logger.Error("reserve failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idleBackoff):
			}
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollEvery):
			}
			continue
		}

		w.runOne(ctx, task)
	}
}

// runOne drives a single reserved task through its adapter to a
// terminal state, streaming every adapter event through the event
// pipeline and refreshing the heartbeat on an interval.
func (w *Worker) runOne(ctx context.Context, task store.Task) {
	e := w.engine
	logger := e.logger.With(slog.String("task_id", task.ID), slog.String("worker_id", w.ID))

	runCtx, cancelRun := context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
	defer cancelRun()

	cancelSignal := e.buf.SubscribeCancel(task.ID)
	if task.CancelRequested {
		e.buf.PublishCancel(task.ID)
	}

	inst, err := e.registry.Lookup(task.AdapterName)
	if err != nil {
		w.finish(ctx, task, store.StateFailed, err.Error(), nil)
		return
	}

	var args map[string]any
	if task.Args != "" {
		if err := json.Unmarshal([]byte(task.Args), &args); err != nil {
			w.finish(ctx, task, store.StateFailed, fmt.Sprintf("invalid task args: %v", err), nil)
			return
		}
	}

	// A task whose cursor is already non-negative has emitted events under
	// a prior worker (create_task always starts a task at cursor -1); this
	// only happens when the watchdog reclaimed it after a missed
	// heartbeat. Document the interruption in the hash chain before any
	// adapter output, per the watchdog reclamation contract.
	if task.Cursor >= 0 {
		reclaimed := eventpipeline.RawEvent{Kind: store.KindProgress, Payload: map[string]any{"reclaimed": true}}
		if _, err := e.pipeline.Append(ctx, task.TenantID, task.ID, reclaimed); err != nil {
			logger.Error("reclaimed marker append failed", slog.Any("error", err))
		}
	}

	events, err := inst.Start(runCtx, args, cancelSignal)
	if err != nil {
		w.finish(ctx, task, store.StateFailed, err.Error(), nil)
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, task.ID)
	defer stopHeartbeat()

	var terminalState store.TaskState
	var terminalErr string
	var exitCode *int

	for ev := range events {
		for _, key := range []string{"message", "output", "stdout", "stderr"} {
			if s, ok := ev.Payload[key].(string); ok {
				for _, warn := range leakDetector.Scan(s) {
					logger.Warn("possible secret leak in adapter output",
						slog.String("field", key), slog.String("pattern", warn.Pattern))
				}
			}
		}
		raw := eventpipeline.RawEvent{Kind: ev.Kind, Payload: ev.Payload, Bytes: ev.Bytes}
		if _, err := e.pipeline.Append(ctx, task.TenantID, task.ID, raw); err != nil {
			logger.Error("event append failed", slog.Any("error", err))
		}
		if ev.Kind.Terminal() {
			terminalState = terminalKindToState(ev.Kind)
			if msg, ok := ev.Payload["message"].(string); ok {
				terminalErr = msg
			}
			if code, ok := ev.Payload["exit_code"]; ok {
				n := toIntPayload(code)
				exitCode = &n
			}
		}
	}

	if terminalState == "" {
		// The adapter closed its channel without a terminal event; treat
		// as an execution fault rather than leaving the task stuck.
		terminalState = store.StateFailed
		terminalErr = "adapter closed its event channel without a terminal event"
	}

	w.finish(ctx, task, terminalState, terminalErr, exitCode)

	if e.compactor != nil {
		tenant, terr := e.store.GetTenant(ctx, task.TenantID)
		plan := store.PlanTrial
		if terr == nil {
			plan = tenant.Plan
		}
		compact := func(compactCtx context.Context) {
			if err := e.compactor.CompactIfNeeded(compactCtx, task.ID, plan); err != nil {
				logger.Warn("compaction failed", slog.Any("error", err))
			}
		}
		if e.pool != nil {
			// Run off the worker goroutine: compaction is a size-management
			// optimization, not correctness-critical, so it's fine for it to
			// queue behind other tasks' compactions on the bounded pool.
			e.pool.Submit(func(poolCtx context.Context) { compact(poolCtx) })
		} else {
			compact(ctx)
		}
	}
}

// finish transitions the task to its terminal state, reconciles usage
// counters and the quota concurrency mirror, and clears heartbeat state.
func (w *Worker) finish(ctx context.Context, task store.Task, to store.TaskState, errMsg string, exitCode *int) {
	e := w.engine
	from := task.State
	if from == "" {
		from = store.StateRunning
	}
	_, err := e.store.TransitionTask(ctx, task.TenantID, task.ID, from, to, store.TransitionFields{
		Error: errMsg, ExitCode: exitCode,
	})
	if err != nil {
		e.logger.Error("terminal transition failed",
			slog.String("task_id", task.ID), slog.String("to", string(to)), slog.Any("error", err))
	}

	e.store.ClearHeartbeat(ctx, task.ID)
	e.buf.ClearHeartbeat(task.ID)
	e.quota.OnTaskTerminal(task.TenantID)

	elapsed := time.Duration(0)
	if task.StartedAt.Valid {
		if started, perr := time.Parse(time.RFC3339Nano, task.StartedAt.String); perr == nil {
			elapsed = time.Since(started)
		}
	}
	minutesUsed := math.Ceil(elapsed.Minutes())
	if err := e.store.UpdateMinutesUsed(ctx, task.ID, minutesUsed); err != nil {
		e.logger.Error("minutes_used update failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}

	period := time.Now().UTC().Format("2006-01-02")
	_ = e.store.IncrementUsage(ctx, task.TenantID, period, store.UsageDeltas{TaskMinutes: minutesUsed})

	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: task.ID, TenantID: task.TenantID, OldState: string(from), NewState: string(to),
		})
		e.bus.Publish(bus.TopicTaskTerminal, bus.TaskStateChangedEvent{
			TaskID: task.ID, TenantID: task.TenantID, OldState: string(from), NewState: string(to),
		})
	}
}

// startHeartbeat refreshes the stream buffer's short-TTL liveness marker
// and the store's low-rate checkpoint every HeartbeatInterval, until the
// returned stop function is called.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		w.engine.buf.Heartbeat(taskID, w.ID)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.engine.buf.Heartbeat(taskID, w.ID)
				if err := w.engine.store.CheckpointHeartbeat(ctx, taskID, w.ID); err != nil {
					w.engine.logger.Warn("heartbeat checkpoint failed", slog.String("task_id", taskID), slog.Any("error", err))
				}
			}
		}
	}()
	return func() { close(done) }
}

func terminalKindToState(kind store.EventKind) store.TaskState {
	switch kind {
	case store.KindSuccess:
		return store.StateSucceeded
	case store.KindCanceled:
		return store.StateCanceled
	case store.KindTimedOut:
		return store.StateTimedOut
	default:
		return store.StateFailed
	}
}

func toIntPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
