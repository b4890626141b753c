package eventpipeline

import (
	"context"
	"testing"

	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

type fakeCompactorStore struct {
	events    []store.Event
	snapshots []store.Snapshot
	trimmedTo int64
}

func (f *fakeCompactorStore) TaskEventBounds(ctx context.Context, taskID string) (int64, int64, error) {
	if len(f.events) == 0 {
		return -1, -1, nil
	}
	return f.events[0].Seq, f.events[len(f.events)-1].Seq, nil
}

func (f *fakeCompactorStore) EventRange(ctx context.Context, taskID string, fromSeq int64, limit int) ([]store.Event, error) {
	var out []store.Event
	for _, ev := range f.events {
		if ev.Seq >= fromSeq && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeCompactorStore) AppendSnapshot(ctx context.Context, snap store.Snapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeCompactorStore) TrimEventsUpTo(ctx context.Context, taskID string, uptoSeq int64) error {
	f.trimmedTo = uptoSeq
	var kept []store.Event
	for _, ev := range f.events {
		if ev.Seq > uptoSeq {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return nil
}

func makeEvents(n int) []store.Event {
	out := make([]store.Event, n)
	for i := range out {
		out[i] = store.Event{TaskID: "t1", Seq: int64(i), Kind: store.KindProgress, Payload: "{}", HashCurr: []byte{byte(i)}}
	}
	return out
}

func TestCompactorNoopBelowThreshold(t *testing.T) {
	fs := &fakeCompactorStore{events: makeEvents(10)}
	c := NewCompactor(fs, stream.New(nil), CompactorConfig{CompactThreshold: 100, KeepRecent: 5}, nil)
	if err := c.CompactIfNeeded(context.Background(), "t1", store.PlanTrial); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(fs.snapshots) != 0 {
		t.Fatal("expected no snapshot below threshold")
	}
}

func TestCompactorTrimsAboveThreshold(t *testing.T) {
	fs := &fakeCompactorStore{events: makeEvents(100)}
	c := NewCompactor(fs, stream.New(nil), CompactorConfig{CompactThreshold: 50, KeepRecent: 10}, nil)
	if err := c.CompactIfNeeded(context.Background(), "t1", store.PlanTrial); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(fs.snapshots) != 1 {
		t.Fatalf("expected exactly one snapshot, got %d", len(fs.snapshots))
	}
	if fs.snapshots[0].UptoSeq != 89 {
		t.Fatalf("expected upto_seq 89 (99-10), got %d", fs.snapshots[0].UptoSeq)
	}
	if len(fs.events) != 10 {
		t.Fatalf("expected 10 events retained after trim, got %d", len(fs.events))
	}
}
