// Package lifecycle is the task lifecycle engine (C5): it composes the
// store (C2), stream buffer (C3), quota gate (C4), event pipeline (C6),
// and adapter registry (C7) into the spec's operations — SubmitTask,
// reserve-and-run, heartbeat, CancelTask, and the watchdog reclaim
// sweep. It is grounded on the teacher's persistence.{CreateTask,
// ClaimNextPendingTask, StartTaskRun, HeartbeatLease,
// RequeueExpiredLeases, CompleteTask} plus engine.LoopRunner's
// checkpoint/budget loop shape, with states renamed to
// Pending/Running/Succeeded/Failed/Canceled/TimedOut but the
// reservation-lease-watchdog machinery carried over wholesale.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/bus"
	"github.com/axonstream/axonstream/internal/eventpipeline"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

// HeartbeatInterval is how often a running worker refreshes liveness
// (spec.md §4.5: ~30s). WatchdogInterval*ReclaimMultiple is the staleness
// threshold a Running task must cross before the watchdog reclaims it.
const (
	HeartbeatInterval = 30 * time.Second
	ReclaimMultiple   = 3
	WatchdogInterval  = 20 * time.Second
)

// TaskStore is the narrow persistence surface the engine needs beyond
// what eventpipeline.EventStore already covers.
type TaskStore interface {
	eventpipeline.EventStore
	CreateTask(ctx context.Context, spec store.TaskSpec) (store.Task, error)
	GetTask(ctx context.Context, tenantID, id string) (store.Task, error)
	ReserveOne(ctx context.Context, workerID string) (store.Task, bool, error)
	TransitionTask(ctx context.Context, tenantID, id string, from, to store.TaskState, fields store.TransitionFields) (store.Task, error)
	SetCancelRequested(ctx context.Context, tenantID, id string) error
	ReclaimExpired(ctx context.Context, olderThan string) ([]store.Task, error)
	CheckpointHeartbeat(ctx context.Context, taskID, workerID string) error
	ClearHeartbeat(ctx context.Context, taskID string) error
	GetTenant(ctx context.Context, id string) (store.Tenant, error)
	IncrementUsage(ctx context.Context, tenantID, period string, d store.UsageDeltas) error
}

// Engine is the process-wide lifecycle coordinator. One Engine is shared
// by every worker goroutine in the process.
type Engine struct {
	store     TaskStore
	buf       *stream.Buffer
	bus       *bus.Bus
	pipeline  *eventpipeline.Pipeline
	compactor *eventpipeline.Compactor
	registry  *adapter.Registry
	quota     *quota.Gate
	pool      *eventpipeline.WorkerPool
	logger    *slog.Logger

	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

type Config struct {
	Store     TaskStore
	Buffer    *stream.Buffer
	Bus       *bus.Bus
	Pipeline  *eventpipeline.Pipeline
	Compactor *eventpipeline.Compactor
	Registry  *adapter.Registry
	Quota     *quota.Gate
	// Pool, if set, runs CompactIfNeeded off the worker goroutine so a
	// compaction-heavy task doesn't delay that worker picking up its next
	// reservation. Nil means compaction runs inline (tests, small installs).
	Pool   *eventpipeline.WorkerPool
	Logger *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     cfg.Store,
		buf:       cfg.Buffer,
		bus:       cfg.Bus,
		pipeline:  cfg.Pipeline,
		compactor: cfg.Compactor,
		registry:  cfg.Registry,
		quota:     cfg.Quota,
		pool:      cfg.Pool,
		logger:    logger,
	}
}

// SubmitRequest is the validated input to SubmitTask.
type SubmitRequest struct {
	TenantID       string
	CreatedBy      string
	APIKeyID       string
	Name           string
	AdapterName    string
	Args           map[string]any
	TimeoutSeconds int
	Priority       int
}

// SubmitTask admits the request against the quota gate, then persists a
// Pending task row. It is the only entry point that creates tasks —
// CreateTask on the store has no quota awareness by design (spec.md
// §4.4: admission is the engine's job, not the store's).
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (store.Task, error) {
	tenant, err := e.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return store.Task{}, err
	}

	subject := quota.Subject{TenantID: req.TenantID, APIKeyID: req.APIKeyID, Route: "create_task"}
	decision, err := e.quota.Admit(ctx, subject, tenant.Plan, quota.ClassCreateTask)
	if err != nil {
		return store.Task{}, err
	}
	if !decision.Allowed {
		return store.Task{}, apierr.Newf(apierr.CodeQuotaExceeded, "quota denied: %s", decision.Reason).
			WithDetails(map[string]any{"retry_after_seconds": decision.RetryIn.Seconds()})
	}

	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return store.Task{}, apierr.Wrap(apierr.CodeValidationError, "encode args", err)
	}

	task, err := e.store.CreateTask(ctx, store.TaskSpec{
		TenantID:       req.TenantID,
		CreatedBy:      req.CreatedBy,
		Name:           req.Name,
		AdapterName:    req.AdapterName,
		Args:           string(argsJSON),
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
	})
	if err != nil {
		return store.Task{}, err
	}

	e.quota.OnTaskAdmitted(req.TenantID)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: task.ID, TenantID: task.TenantID, OldState: "", NewState: string(task.State),
		})
	}
	return task, nil
}

// CancelTask requests cancellation: it sets the persisted intent flag
// (observed by a reclaiming watchdog even if the worker never polls)
// and fires the in-process cancel signal a live worker is selecting on.
// A still-Pending task has no worker to observe that signal, so it is
// moved straight to Canceled here instead. It returns the task's
// resulting state so the caller (the CancelTask gateway handler) can
// report {state, canceled_at} without a second round trip.
func (e *Engine) CancelTask(ctx context.Context, tenantID, taskID string) (store.Task, error) {
	if err := e.store.SetCancelRequested(ctx, tenantID, taskID); err != nil {
		return store.Task{}, err
	}
	if e.buf != nil {
		e.buf.PublishCancel(taskID)
	}

	task, err := e.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if task.State == store.StatePending {
		if updated, err := e.store.TransitionTask(ctx, tenantID, taskID, store.StatePending, store.StateCanceled, store.TransitionFields{}); err != nil {
			// Lost the race to a worker that reserved it in the meantime; the
			// live cancel signal above will reach it instead.
			e.logger.Debug("pending cancel raced a reservation", slog.String("task_id", taskID), slog.Any("error", err))
		} else {
			e.quota.OnTaskTerminal(tenantID)
			task = updated
		}
	}
	return task, nil
}

// GetTask is a thin passthrough, kept on Engine so callers (C8) don't
// need a separate store handle for a read.
func (e *Engine) GetTask(ctx context.Context, tenantID, id string) (store.Task, error) {
	return e.store.GetTask(ctx, tenantID, id)
}
