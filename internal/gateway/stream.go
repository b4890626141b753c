package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/identity"
	"github.com/axonstream/axonstream/internal/store"
)

// sseEvent is the wire shape of one line of the resumable delivery
// protocol (spec.md §4.6): a task event plus the cursor a reconnecting
// client should resume from. gap-summary digests ride the same shape —
// their Kind is "Digest" and their Payload summarizes the skipped range.
type sseEvent struct {
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

const maxRangeWait = 20 * time.Second

// handleTaskEvents implements GET /v1/tasks/{id}/events?from_seq=N, the
// resumable SSE delivery endpoint: Backfilling (store bridge for
// cursors below the buffer's retained floor) then Live (buffer
// ReadRange poll loop) then Terminal. It mirrors the teacher's
// handleTaskStream shape (SSE headers, flusher, ctx.Done() select loop)
// generalized from "bus fan-out filtered by task_id" to "cursor-paged
// replay with a persistent-store fallback".
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeValidationError, "method not allowed"))
		return
	}

	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "no identity on request"))
		return
	}

	if _, err := s.tasks.GetTask(r.Context(), id.TenantID, taskID); err != nil {
		writeError(w, err)
		return
	}

	fromSeq := int64(0)
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, apierr.New(apierr.CodeValidationError, "from_seq must be an integer"))
			return
		}
		fromSeq = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.CodeStreamUnavailable, "streaming not supported"))
		return
	}

	ctx := r.Context()
	cursor := fromSeq

	keepalive := time.NewTicker(s.keepaliveInterval)
	defer keepalive.Stop()

	for {
		result, err := s.buf.ReadRange(ctx, taskID, cursor, 64, maxRangeWait)
		if err != nil {
			writeError(w, err)
			return
		}
		if result.BelowFloor {
			events, err := s.eventStore.EventRange(ctx, taskID, cursor, s.backfillWindow)
			if err != nil {
				writeError(w, err)
				return
			}
			if len(events) > 0 && events[0].Seq == cursor {
				// The store still holds the raw events at this cursor;
				// only the stream buffer's mirror has trimmed past it.
				for _, ev := range events {
					if !writeSSE(w, flusher, ev) {
						return
					}
					cursor = ev.Seq + 1
				}
				continue
			}

			// Either nothing is retained yet (dual-write lag) or
			// compaction has retired the prefix covering cursor into a
			// Snapshot. Consult the snapshot before deciding which.
			snap, serr := s.eventStore.LatestSnapshot(ctx, taskID)
			if serr != nil {
				writeError(w, serr)
				return
			}
			if snap == nil || cursor > snap.UptoSeq {
				// Store is still catching up to the dual write; wait
				// out one tick rather than spin.
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}

			lostCount := snap.UptoSeq - cursor + 1
			if !writeSyntheticSSE(w, flusher, snap.UptoSeq, "Digest", map[string]any{
				"snapshot_summary": snap.Summary,
				"hash":             fmt.Sprintf("%x", snap.HashCurr),
				"upto_seq":         snap.UptoSeq,
			}) {
				return
			}
			if !writeSyntheticSSE(w, flusher, snap.UptoSeq, "Progress", map[string]any{
				"gap": map[string]any{"lost_count": lostCount, "summarized": true},
			}) {
				return
			}
			cursor = snap.UptoSeq + 1
			continue
		}
		for _, ev := range result.Events {
			if !writeSSE(w, flusher, ev) {
				return
			}
			cursor = ev.Seq + 1
		}
		if result.Terminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		default:
		}
	}
}

// writeSyntheticSSE emits a delivery-session-only event that bridges a
// compaction gap: it rides the same wire shape as a persisted event
// (spec.md §4.8 step 3) but never advances the persisted hash chain —
// upto_seq is the snapshot boundary it bridges, not a newly appended seq.
func writeSyntheticSSE(w http.ResponseWriter, flusher http.Flusher, uptoSeq int64, kind string, payload map[string]any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse: marshal synthetic event", "error", err)
		return true
	}
	out := sseEvent{Seq: uptoSeq, Kind: kind, Payload: string(body)}
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("sse: marshal synthetic envelope", "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", uptoSeq, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev store.Event) bool {
	payload := sseEvent{Seq: ev.Seq, Kind: string(ev.Kind), Payload: ev.Payload}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse: marshal event", "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
