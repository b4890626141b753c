package eventpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

// Compactor generalizes the teacher's context/token compactor
// (internal/engine/compactor.go: threshold check, summarize, archive,
// insert-summary) from "keep conversation history under a token budget"
// to "keep a task's retained event count under a row budget": once a
// task's event count crosses CompactThreshold, the oldest events are
// folded into a Snapshot and trimmed from both the store and the stream
// buffer's mirror, with hash_curr at upto_seq carried forward so the
// chain stays verifiable.
type CompactorConfig struct {
	CompactThreshold int // compact when retained event count exceeds this (default 2000)
	KeepRecent       int // always keep at least this many of the most recent events (default 200)
}

type compactorStore interface {
	TaskEventBounds(ctx context.Context, taskID string) (min, max int64, err error)
	EventRange(ctx context.Context, taskID string, fromSeq int64, limit int) ([]store.Event, error)
	AppendSnapshot(ctx context.Context, snap store.Snapshot) error
	TrimEventsUpTo(ctx context.Context, taskID string, uptoSeq int64) error
}

type Compactor struct {
	store  compactorStore
	buf    *stream.Buffer
	config CompactorConfig
	logger *slog.Logger
}

func NewCompactor(st compactorStore, buf *stream.Buffer, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = 2000
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{store: st, buf: buf, config: cfg, logger: logger}
}

// CompactIfNeeded checks a task's retained event count against
// CompactThreshold. If over, it builds a Snapshot summarizing the
// retired prefix, persists it, trims the store's event rows, and
// instructs the stream buffer to trim its mirror.
func (c *Compactor) CompactIfNeeded(ctx context.Context, taskID string, plan store.Plan) error {
	minSeq, maxSeq, err := c.store.TaskEventBounds(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task event bounds: %w", err)
	}
	if minSeq < 0 {
		return nil
	}
	retained := maxSeq - minSeq + 1
	if retained <= int64(c.config.CompactThreshold) {
		return nil
	}

	uptoSeq := maxSeq - int64(c.config.KeepRecent)
	if uptoSeq < minSeq {
		return nil // not enough retired events to make compaction worthwhile
	}

	c.logger.Info("compacting task events",
		slog.String("task_id", taskID), slog.Int64("retained", retained), slog.Int64("upto_seq", uptoSeq))

	events, err := c.store.EventRange(ctx, taskID, minSeq, int(uptoSeq-minSeq+1))
	if err != nil {
		return fmt.Errorf("load retiring events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	summary, stdoutBytes, stderrBytes := summarize(events)
	last := events[len(events)-1]

	snap := store.Snapshot{
		TaskID:      taskID,
		UptoSeq:     last.Seq,
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
		Summary:     summary,
		StdoutBytes: stdoutBytes,
		StderrBytes: stderrBytes,
		HashCurr:    last.HashCurr,
	}
	if err := c.store.AppendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	if err := c.store.TrimEventsUpTo(ctx, taskID, last.Seq); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	if c.buf != nil {
		c.buf.Trim(taskID, plan, last.Seq, time.Now())
	}
	return nil
}

// summarize builds a human-readable rollup of a retiring event window:
// counts per kind and accumulated stdout/stderr byte totals, the same
// "counts + totals, not full content" shape as the teacher's compaction
// summary (which keeps key facts and drops verbatim transcript).
func summarize(events []store.Event) (summary string, stdoutBytes, stderrBytes int64) {
	counts := make(map[store.EventKind]int)
	var lastProgress string
	for _, ev := range events {
		counts[ev.Kind]++
		switch ev.Kind {
		case store.KindStdout:
			stdoutBytes += int64(len(ev.Payload))
		case store.KindStderr:
			stderrBytes += int64(len(ev.Payload))
		case store.KindProgress:
			lastProgress = ev.Payload
		}
	}
	summary = fmt.Sprintf("compacted %d events (started=%d progress=%d stdout=%d stderr=%d); last_progress=%s",
		len(events), counts[store.KindStarted], counts[store.KindProgress],
		counts[store.KindStdout], counts[store.KindStderr], lastProgress)
	return summary, stdoutBytes, stderrBytes
}
