package eventpipeline

import (
	"context"
	"log/slog"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/bus"
	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

// defaultDigestEveryN matches SPEC_FULL.md §4.6's configurable interval,
// defaulted the way the teacher's internal/config knobs are defaulted.
const defaultDigestEveryN = 256

// EventStore is the narrow persistence surface the pipeline needs.
type EventStore interface {
	LastPersisted(ctx context.Context, taskID string) (seq int64, hash []byte, err error)
	AppendEvent(ctx context.Context, ev store.Event) error
	UpdateCursorAndUsage(ctx context.Context, taskID string, seq int64, hashCurr []byte, addBytes int64) error
	MarkIntegrityBroken(ctx context.Context, tenantID, taskID, reason string) error
}

// Pipeline turns adapter-yielded events into hash-chained, durably
// persisted, stream-published events. One Pipeline instance is shared
// across all tasks; per-task ordering is provided by the caller holding
// a per-task lock (store.taskGate, via Store.withTx's per-row UPDATE
// serialization) while Append runs.
type Pipeline struct {
	store        EventStore
	buf          *stream.Buffer
	bus          *bus.Bus
	logger       *slog.Logger
	digestEveryN int64
}

func New(st EventStore, buf *stream.Buffer, b *bus.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, buf: buf, bus: b, logger: logger, digestEveryN: defaultDigestEveryN}
}

// RawEvent is what an adapter yields: a kind and an already-structured
// payload (map[string]any, or any value Canonicalize can render).
type RawEvent struct {
	Kind    store.EventKind
	Payload any
	// Bytes is the payload's contribution to bytes_streamed (only
	// meaningful for Stdout/Stderr kinds).
	Bytes int64
}

// Append implements spec.md §4.6 steps 1-4 for one adapter-yielded
// event: read (last_seq, last_hash), compute the next seq and hash,
// write to the store, then publish to the stream buffer. It returns the
// persisted store.Event (including the seq it was assigned) so the
// caller can decide whether a Digest is due.
//
// Failure semantics: if the store write fails, the event is discarded
// for that seq and an error is returned — the caller (C5) must retry or
// fail the task. If the store write succeeds but the stream publish
// fails, the event is still durable (served from the store on next
// read); that divergence is logged and bumps a metric rather than
// failing the call.
func (p *Pipeline) Append(ctx context.Context, tenantID, taskID string, raw RawEvent) (store.Event, error) {
	lastSeq, lastHash, err := p.store.LastPersisted(ctx, taskID)
	if err != nil {
		return store.Event{}, apierr.Wrap(apierr.CodeStoreUnavailable, "read chain tail", err)
	}
	seq := lastSeq + 1
	payload := Canonicalize(raw.Payload)
	hashCurr := ComputeHash(lastHash, seq, raw.Kind, payload)

	ev := store.Event{
		TaskID:   taskID,
		Seq:      seq,
		TS:       nowRFC3339(),
		Kind:     raw.Kind,
		Payload:  string(payload),
		HashPrev: lastHash,
		HashCurr: hashCurr,
	}

	if err := p.store.AppendEvent(ctx, ev); err != nil {
		return store.Event{}, apierr.Wrap(apierr.CodeStoreUnavailable, "append event", err)
	}

	// minutes_used is left untouched here: the caller (C5's Worker.finish)
	// computes elapsed runtime from started_at and applies it directly via
	// UpdateMinutesUsed once the task reaches a terminal state.
	if err := p.store.UpdateCursorAndUsage(ctx, taskID, seq, hashCurr, raw.Bytes); err != nil {
		p.logger.Error("cursor/usage update failed after durable append",
			slog.String("task_id", taskID), slog.Int64("seq", seq), slog.Any("error", err))
	}

	if p.buf != nil {
		if err := p.buf.Append(ev); err != nil {
			// Durable but not mirrored: metric-worthy divergence, not fatal.
			p.logger.Warn("store_stream_divergence",
				slog.String("task_id", taskID), slog.Int64("seq", seq), slog.Any("error", err))
			if apierr.Is(err, apierr.CodeChainBroken) || apierr.Is(err, apierr.CodeSeqDivergence) {
				_ = p.store.MarkIntegrityBroken(ctx, tenantID, taskID, err.Error())
			}
		}
	}

	if p.bus != nil {
		p.bus.Publish(bus.TopicTaskEventAppended, bus.TaskEventAppendedEvent{TaskID: taskID, Seq: seq, Kind: string(raw.Kind)})
	}

	if seq > 0 && seq%p.digestEveryN == 0 {
		if _, err := p.appendDigest(ctx, tenantID, taskID, seq, hashCurr); err != nil {
			p.logger.Warn("digest_append_failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}

	return ev, nil
}

// appendDigest emits the periodic Digest{hash, upto_seq} event from
// spec.md §4.6 step 5, itself chained like any other event.
func (p *Pipeline) appendDigest(ctx context.Context, tenantID, taskID string, uptoSeq int64, lastHash []byte) (store.Event, error) {
	return p.Append(ctx, tenantID, taskID, RawEvent{
		Kind: store.KindDigest,
		Payload: map[string]any{
			"hash":     encodeHex(lastHash),
			"upto_seq": uptoSeq,
		},
	})
}
