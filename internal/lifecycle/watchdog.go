package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axonstream/axonstream/internal/bus"
)

// Watchdog periodically reclaims Running tasks whose heartbeat has gone
// stale, reopening them to Pending so another worker picks them up. It
// is shaped exactly like the teacher's cron.Scheduler: a time.Ticker in
// a cancellable goroutine, a sync.WaitGroup for graceful shutdown,
// generalized from "fire due cron schedules" to "reclaim stale Running
// tasks".
type Watchdog struct {
	engine   *Engine
	interval time.Duration
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog builds a Watchdog for e. interval and maxAge of zero fall
// back to the package defaults (WatchdogInterval, ReclaimMultiple *
// HeartbeatInterval) so callers that don't need to tune them from
// config can pass zero values.
func NewWatchdog(e *Engine, interval, maxAge time.Duration) *Watchdog {
	if interval <= 0 {
		interval = WatchdogInterval
	}
	if maxAge <= 0 {
		maxAge = ReclaimMultiple * HeartbeatInterval
	}
	return &Watchdog{engine: e, interval: interval, maxAge: maxAge}
}

// Start begins the watchdog loop in a background goroutine.
func (wd *Watchdog) Start(ctx context.Context) {
	ctx, wd.cancel = context.WithCancel(ctx)
	wd.wg.Add(1)
	go wd.loop(ctx)
	wd.engine.logger.Info("watchdog started", slog.Duration("interval", wd.interval), slog.Duration("max_age", wd.maxAge))
}

// Stop cancels the loop and waits for it to exit.
func (wd *Watchdog) Stop() {
	if wd.cancel != nil {
		wd.cancel()
	}
	wd.wg.Wait()
	wd.engine.logger.Info("watchdog stopped")
}

func (wd *Watchdog) loop(ctx context.Context) {
	defer wd.wg.Done()

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wd.sweep(ctx)
		}
	}
}

func (wd *Watchdog) sweep(ctx context.Context) {
	olderThan := time.Now().Add(-wd.maxAge).UTC().Format(time.RFC3339Nano)
	reclaimed, err := wd.engine.store.ReclaimExpired(ctx, olderThan)
	if err != nil {
		wd.engine.logger.Error("watchdog sweep failed", slog.Any("error", err))
		return
	}
	for _, task := range reclaimed {
		wd.engine.buf.ClearHeartbeat(task.ID)
		wd.engine.logger.Warn("task_reclaimed",
			slog.String("task_id", task.ID), slog.String("tenant_id", task.TenantID))
		if wd.engine.bus != nil {
			wd.engine.bus.Publish(bus.TopicTaskReclaimed, bus.TaskStateChangedEvent{
				TaskID: task.ID, TenantID: task.TenantID, OldState: "Running", NewState: "Pending",
			})
		}
	}
}
