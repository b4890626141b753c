package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/adapter/mock"
	"github.com/axonstream/axonstream/internal/bus"
	"github.com/axonstream/axonstream/internal/eventpipeline"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(nil)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.EnsureTenant(context.Background(), "tenant-1", store.PlanPro); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}

	buf := stream.New(nil)
	b := bus.New()
	pipeline := eventpipeline.New(st, buf, b, nil)
	registry := adapter.NewRegistry()
	registry.Register("mock", func() (adapter.Adapter, error) { return mock.New() })
	gate := quota.New(st, nil)

	e := New(Config{Store: st, Buffer: buf, Bus: b, Pipeline: pipeline, Registry: registry, Quota: gate})
	return e, st
}

func waitForTerminal(t *testing.T, st *store.Store, tenantID, taskID string, timeout time.Duration) store.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), tenantID, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.State.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return store.Task{}
}

func TestSubmitAndRunToSuccess(t *testing.T) {
	e, st := newTestEngine(t)

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		TenantID: "tenant-1", CreatedBy: "user-1", APIKeyID: "key-1",
		Name: "demo", AdapterName: "mock",
		Args:           map[string]any{"steps": 2, "step_duration_ms": 1},
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.State != store.StatePending {
		t.Fatalf("expected Pending, got %s", task.State)
	}

	w := NewWorker("worker-1", e)
	go w.Run(context.Background())

	final := waitForTerminal(t, st, "tenant-1", task.ID, 2*time.Second)
	if final.State != store.StateSucceeded {
		t.Fatalf("expected Succeeded, got %s", final.State)
	}

	events, err := st.EventRange(context.Background(), task.ID, 0, 100)
	if err != nil {
		t.Fatalf("event range: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != store.KindSuccess {
		t.Fatalf("expected a trailing Success event, got %v", events)
	}
	if mismatch := eventpipeline.VerifyChain(events); mismatch != -1 {
		t.Fatalf("hash chain broken at index %d", mismatch)
	}
}

func TestCancelPendingTaskBeforeReservation(t *testing.T) {
	e, st := newTestEngine(t)

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		TenantID: "tenant-1", CreatedBy: "user-1", APIKeyID: "key-1",
		Name: "demo", AdapterName: "mock",
		Args:           map[string]any{"steps": 100, "step_duration_ms": 50},
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := e.CancelTask(context.Background(), "tenant-1", task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, err := st.GetTask(context.Background(), "tenant-1", task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.State != store.StateCanceled {
		t.Fatalf("expected Canceled, got %s", final.State)
	}
}

func TestTaskTimeoutEmitsTimedOutAndRecordsMinutesUsed(t *testing.T) {
	e, st := newTestEngine(t)

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		TenantID: "tenant-1", CreatedBy: "user-1", APIKeyID: "key-1",
		Name: "demo", AdapterName: "mock",
		Args:           map[string]any{"steps": 100, "step_duration_ms": 500},
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := NewWorker("worker-1", e)
	go w.Run(context.Background())

	final := waitForTerminal(t, st, "tenant-1", task.ID, 3*time.Second)
	if final.State != store.StateTimedOut {
		t.Fatalf("expected TimedOut, got %s", final.State)
	}
	if final.MinutesUsed < 1 {
		t.Fatalf("expected minutes_used rounded up to at least 1, got %v", final.MinutesUsed)
	}
}

func TestCancelRunningTaskStopsAdapter(t *testing.T) {
	e, st := newTestEngine(t)

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		TenantID: "tenant-1", CreatedBy: "user-1", APIKeyID: "key-1",
		Name: "demo", AdapterName: "mock",
		Args:           map[string]any{"steps": 1000, "step_duration_ms": 20},
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := NewWorker("worker-1", e)
	go w.Run(context.Background())

	time.Sleep(50 * time.Millisecond)
	if _, err := e.CancelTask(context.Background(), "tenant-1", task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForTerminal(t, st, "tenant-1", task.ID, 2*time.Second)
	if final.State != store.StateCanceled {
		t.Fatalf("expected Canceled, got %s", final.State)
	}
}

func TestWatchdogReclaimEmitsReclaimedMarker(t *testing.T) {
	e, st := newTestEngine(t)

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		TenantID: "tenant-1", CreatedBy: "user-1", APIKeyID: "key-1",
		Name: "demo", AdapterName: "mock",
		Args:           map[string]any{"steps": 1, "step_duration_ms": 1},
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Simulate a worker that reserved the task, emitted one event, then
	// vanished without ever checkpointing a heartbeat again.
	if _, ok, err := st.ReserveOne(context.Background(), "dead-worker"); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if _, err := e.pipeline.Append(context.Background(), "tenant-1", task.ID,
		eventpipeline.RawEvent{Kind: store.KindStarted, Payload: map[string]any{}}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	wd := NewWatchdog(e, time.Millisecond, time.Millisecond)
	wd.sweep(context.Background())

	reopened, err := st.GetTask(context.Background(), "tenant-1", task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reopened.State != store.StatePending {
		t.Fatalf("expected reclaimed task back to Pending, got %s", reopened.State)
	}

	w := NewWorker("worker-2", e)
	go w.Run(context.Background())

	final := waitForTerminal(t, st, "tenant-1", task.ID, 2*time.Second)
	if final.State != store.StateSucceeded {
		t.Fatalf("expected Succeeded, got %s", final.State)
	}

	events, err := st.EventRange(context.Background(), task.ID, 0, 100)
	if err != nil {
		t.Fatalf("event range: %v", err)
	}
	if len(events) < 2 || events[0].Kind != store.KindStarted {
		t.Fatalf("expected a leading Started event, got %v", events)
	}
	if events[1].Kind != store.KindProgress || events[1].Seq != 1 {
		t.Fatalf("expected a Progress reclaimed marker at seq 1, got %v", events[1])
	}
	if mismatch := eventpipeline.VerifyChain(events); mismatch != -1 {
		t.Fatalf("hash chain broken at index %d", mismatch)
	}
}

func TestUnknownAdapterFailsTaskImmediately(t *testing.T) {
	e, st := newTestEngine(t)

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		TenantID: "tenant-1", CreatedBy: "user-1", APIKeyID: "key-1",
		Name: "demo", AdapterName: "does-not-exist",
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := NewWorker("worker-1", e)
	go w.Run(context.Background())

	final := waitForTerminal(t, st, "tenant-1", task.ID, 2*time.Second)
	if final.State != store.StateFailed {
		t.Fatalf("expected Failed, got %s", final.State)
	}
}
