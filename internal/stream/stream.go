// Package stream is the stream buffer (C3): a per-task ordered,
// cursor-addressable log held in process memory. It generalizes the
// teacher's internal/bus non-blocking, bounded-channel fan-out (drop
// counter with exponential-threshold logging) from "broadcast to
// whoever is currently subscribed" into "append to an ordered buffer
// that late readers can page through from any retained cursor, then
// block-wait on the tail" — the shape a pure pub/sub bus cannot give,
// since a bus has no memory of what it already delivered.
//
// The buffer is a cache: the persistent store (internal/store) is the
// source of truth (per spec.md §9's outbox-style dual-write design);
// Trim only ever discards the buffer's own mirror, never store rows.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/store"
)

// RetentionByPlan maps a plan to its retention window, per spec.md §4.3.
var RetentionByPlan = map[store.Plan]time.Duration{
	store.PlanTrial:      24 * time.Hour,
	store.PlanEntry:      7 * 24 * time.Hour,
	store.PlanPro:        30 * 24 * time.Hour,
	store.PlanEnterprise: 90 * 24 * time.Hour,
}

const defaultMaxBuffered = 4096

type taskBuffer struct {
	mu         sync.Mutex
	events     []store.Event // ascending by Seq, contiguous
	floor      int64         // lowest retained Seq (events[0].Seq if len>0)
	lastHash   []byte
	terminal   bool
	heartbeat  time.Time
	workerID   string
	cancelSubs   []chan struct{}
	cancelFired  bool
	// waiters is closed and replaced every time an event is appended,
	// a one-shot broadcast channel so ReadRange can select on it
	// alongside a timeout/ctx.Done() without the goroutine-leak risk a
	// sync.Cond + timeout combination has (Cond.Wait cannot itself be
	// interrupted by a channel).
	waiters chan struct{}
}

func newTaskBuffer() *taskBuffer {
	return &taskBuffer{floor: -1, waiters: make(chan struct{})}
}

// Buffer is the process-wide registry of per-task buffers.
type Buffer struct {
	mu      sync.RWMutex
	tasks   map[string]*taskBuffer
	logger  *slog.Logger
	maxSize int

	droppedAppends int64
}

func New(logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{tasks: make(map[string]*taskBuffer), logger: logger, maxSize: defaultMaxBuffered}
}

func (b *Buffer) bufferFor(taskID string) *taskBuffer {
	b.mu.RLock()
	tb, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if ok {
		return tb
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tb, ok = b.tasks[taskID]; ok {
		return tb
	}
	tb = newTaskBuffer()
	b.tasks[taskID] = tb
	return tb
}

// Append adds an event to the task's buffer. It is idempotent on seq:
// re-appending the same seq with an identical payload is a no-op; a
// different payload at an already-seen seq is SeqDivergence, per
// spec.md §4.3 and invariant 9.
func (b *Buffer) Append(ev store.Event) error {
	tb := b.bufferFor(ev.TaskID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if len(tb.events) > 0 {
		last := tb.events[len(tb.events)-1]
		if ev.Seq <= last.Seq {
			// Already have this seq (or an earlier one) — check for divergence.
			for _, existing := range tb.events {
				if existing.Seq == ev.Seq {
					if existing.Payload != ev.Payload {
						return apierr.Newf(apierr.CodeSeqDivergence,
							"task %s seq %d re-appended with a different payload", ev.TaskID, ev.Seq)
					}
					return nil // idempotent no-op
				}
			}
		} else if ev.Seq != last.Seq+1 {
			return apierr.Newf(apierr.CodeChainBroken,
				"task %s expected seq %d, got %d", ev.TaskID, last.Seq+1, ev.Seq)
		}
	}

	tb.events = append(tb.events, ev)
	if tb.floor < 0 {
		tb.floor = ev.Seq
	}
	tb.lastHash = ev.HashCurr
	if len(tb.events) > b.maxSize {
		// Drop the oldest retained event from the in-memory mirror only;
		// the store keeps the authoritative copy. Mirrors bus.Publish's
		// non-blocking-drop idiom but here it's a ring eviction, not a
		// per-subscriber drop.
		tb.events = tb.events[1:]
		tb.floor = tb.events[0].Seq
		b.mu.Lock()
		b.droppedAppends++
		b.mu.Unlock()
	}
	if ev.Kind.Terminal() {
		tb.terminal = true
	}
	close(tb.waiters)
	tb.waiters = make(chan struct{})
	return nil
}

// ReadRangeResult reports whether the requested fromSeq fell below the
// buffer's retained floor, so the caller (C8) knows to fall back to the
// persistent store for a snapshot bridge.
type ReadRangeResult struct {
	Events       []store.Event
	NextCursor   int64
	BelowFloor   bool
	Terminal     bool
}

// ReadRange returns events with seq >= fromCursor, up to maxCount. If
// none are immediately available it blocks up to maxWait for at least
// one to arrive (via a sync.Cond-backed waiter, the same event-driven
// wait-for-something pattern as coordinator.Waiter's wait-for-task-
// completion loop, generalized from "wait for one signal" to "wait for
// the next append").
func (b *Buffer) ReadRange(ctx context.Context, taskID string, fromCursor int64, maxCount int, maxWait time.Duration) (ReadRangeResult, error) {
	if maxCount <= 0 {
		maxCount = 256
	}
	tb := b.bufferFor(taskID)

	deadline := time.Now().Add(maxWait)
	for {
		tb.mu.Lock()
		if len(tb.events) > 0 && fromCursor < tb.floor {
			belowFloor := true
			tb.mu.Unlock()
			return ReadRangeResult{BelowFloor: belowFloor}, nil
		}
		events, next, terminal := tb.slice(fromCursor, maxCount)
		if len(events) > 0 || terminal || maxWait <= 0 {
			tb.mu.Unlock()
			return ReadRangeResult{Events: events, NextCursor: next, Terminal: terminal}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			tb.mu.Unlock()
			return ReadRangeResult{NextCursor: fromCursor}, nil
		}
		waitCh := tb.waiters
		tb.mu.Unlock()

		select {
		case <-waitCh:
			// An append happened; re-check under lock at the top of the loop.
		case <-time.After(remaining):
			return ReadRangeResult{NextCursor: fromCursor}, nil
		case <-ctx.Done():
			return ReadRangeResult{}, apierr.Wrap(apierr.CodeStreamUnavailable, "context canceled", ctx.Err())
		}
	}
}

// slice must be called with tb.mu held.
func (tb *taskBuffer) slice(fromCursor int64, maxCount int) ([]store.Event, int64, bool) {
	if len(tb.events) == 0 {
		return nil, fromCursor, tb.terminal
	}
	startIdx := -1
	for i, ev := range tb.events {
		if ev.Seq >= fromCursor {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		last := tb.events[len(tb.events)-1]
		return nil, last.Seq + 1, tb.terminal
	}
	end := startIdx + maxCount
	if end > len(tb.events) {
		end = len(tb.events)
	}
	out := make([]store.Event, end-startIdx)
	copy(out, tb.events[startIdx:end])
	next := out[len(out)-1].Seq + 1
	return out, next, tb.terminal && end == len(tb.events)
}

// Trim discards buffered events older than the retention window for
// plan, or past snapshotUpto (whichever floor is later), per spec.md
// §4.3. It never touches the persistent store.
func (b *Buffer) Trim(taskID string, plan store.Plan, snapshotUpto int64, now time.Time) {
	window, ok := RetentionByPlan[plan]
	if !ok {
		window = RetentionByPlan[store.PlanTrial]
	}
	cutoff := now.Add(-window)

	tb := b.bufferFor(taskID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	kept := tb.events[:0:0]
	for _, ev := range tb.events {
		ts, err := time.Parse(time.RFC3339Nano, ev.TS)
		tooOld := err == nil && ts.Before(cutoff)
		if ev.Seq <= snapshotUpto || tooOld {
			continue
		}
		kept = append(kept, ev)
	}
	tb.events = kept
	if len(kept) > 0 {
		tb.floor = kept[0].Seq
	}
}

// Heartbeat refreshes the short-TTL liveness marker for a task.
func (b *Buffer) Heartbeat(taskID, workerID string) {
	tb := b.bufferFor(taskID)
	tb.mu.Lock()
	tb.heartbeat = time.Now()
	tb.workerID = workerID
	tb.mu.Unlock()
}

// HeartbeatAge reports how long it has been since the last heartbeat for
// taskID, and whether one has ever been recorded.
func (b *Buffer) HeartbeatAge(taskID string) (time.Duration, bool) {
	tb := b.bufferFor(taskID)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.heartbeat.IsZero() {
		return 0, false
	}
	return time.Since(tb.heartbeat), true
}

func (b *Buffer) ClearHeartbeat(taskID string) {
	tb := b.bufferFor(taskID)
	tb.mu.Lock()
	tb.heartbeat = time.Time{}
	tb.mu.Unlock()
}

// PublishCancel signals every current cancel subscriber for taskID and
// marks the buffer so future SubscribeCancel calls return an
// already-fired channel — this is the per-task control channel of
// spec.md §4.3/§4.5. It does not close the buffer to further Append
// calls: the running adapter still needs to land its own terminal
// Canceled event after it observes the signal and winds down.
func (b *Buffer) PublishCancel(taskID string) {
	tb := b.bufferFor(taskID)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, ch := range tb.cancelSubs {
		close(ch)
	}
	tb.cancelSubs = nil
	tb.cancelFired = true
}

func (b *Buffer) SubscribeCancel(taskID string) <-chan struct{} {
	tb := b.bufferFor(taskID)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ch := make(chan struct{})
	if tb.cancelFired {
		close(ch)
		return ch
	}
	tb.cancelSubs = append(tb.cancelSubs, ch)
	return ch
}

// Release drops all in-memory state for a task (called once its
// terminal event has been durably delivered and retention has expired).
func (b *Buffer) Release(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, taskID)
}

func (b *Buffer) DroppedAppendCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.droppedAppends
}
