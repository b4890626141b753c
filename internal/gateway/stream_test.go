package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/axonstream/axonstream/internal/store"
)

func TestTaskEventsStreamsToTerminal(t *testing.T) {
	srv, _, apiKey := newTestServer(t)

	body, _ := json.Marshal(submitTaskRequest{
		Name: "demo", Adapter: "mock",
		Args:           map[string]any{"steps": 2, "step_duration_ms": 1},
		TimeoutSeconds: 10,
	})
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/tasks", apiKey, body))
	var created taskDTO
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}

	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodGet, "/v1/tasks/"+created.ID+"/events?from_seq=0", apiKey, nil)
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"kind":"Success"`) {
		t.Fatalf("expected a Success event in the stream, got: %s", rec.Body.String())
	}
}

// TestTaskEventsBridgesCompactionGap mirrors spec.md's S6 scenario: a
// cursor below the snapshot boundary gets one Digest{snapshot_summary},
// one Progress{gap} carrying the lost count, then resumes with the raw
// events that survived compaction.
func TestTaskEventsBridgesCompactionGap(t *testing.T) {
	srv, st, apiKey := newTestServer(t)
	ctx := context.Background()

	body, _ := json.Marshal(submitTaskRequest{
		Name: "demo", Adapter: "mock",
		Args:           map[string]any{"steps": 30, "step_duration_ms": 1},
		TimeoutSeconds: 10,
	})
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(http.MethodPost, "/v1/tasks", apiKey, body))
	var created taskDTO
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		task, err := st.GetTask(ctx, "tenant-1", created.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task did not reach a terminal state in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events, err := st.EventRange(ctx, created.ID, 0, 100)
	if err != nil || len(events) <= 21 {
		t.Fatalf("expected at least 22 events, got %d, err %v", len(events), err)
	}
	uptoSeq := events[20].Seq

	snap := store.Snapshot{
		TaskID: created.ID, UptoSeq: uptoSeq, TS: time.Now().UTC().Format(time.RFC3339Nano),
		Summary: "compacted 21 events", HashCurr: events[20].HashCurr,
	}
	if err := st.AppendSnapshot(ctx, snap); err != nil {
		t.Fatalf("append snapshot: %v", err)
	}
	if err := st.TrimEventsUpTo(ctx, created.ID, uptoSeq); err != nil {
		t.Fatalf("trim store events: %v", err)
	}
	srv.buf.Trim(created.ID, store.PlanPro, uptoSeq, time.Now())

	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodGet, "/v1/tasks/"+created.ID+"/events?from_seq=5", apiKey, nil)
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"kind":"Digest"`) {
		t.Fatalf("expected a Digest snapshot bridge event, got: %s", out)
	}
	if !strings.Contains(out, `"gap"`) || !strings.Contains(out, `"lost_count":16`) {
		t.Fatalf("expected a Progress gap event with lost_count 16, got: %s", out)
	}
	if !strings.Contains(out, `"kind":"Success"`) {
		t.Fatalf("expected the stream to resume through the trailing Success event, got: %s", out)
	}
}

func TestTaskEventsRejectsUnknownTask(t *testing.T) {
	srv, _, apiKey := newTestServer(t)

	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodGet, "/v1/tasks/does-not-exist/events", apiKey, nil)
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
