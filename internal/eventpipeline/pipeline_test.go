package eventpipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/axonstream/axonstream/internal/bus"
	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string][]store.Event
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string][]store.Event)}
}

func (f *fakeEventStore) LastPersisted(ctx context.Context, taskID string) (int64, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[taskID]
	if len(evs) == 0 {
		return -1, nil, nil
	}
	last := evs[len(evs)-1]
	return last.Seq, last.HashCurr, nil
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.TaskID] = append(f.events[ev.TaskID], ev)
	return nil
}

func (f *fakeEventStore) UpdateCursorAndUsage(ctx context.Context, taskID string, seq int64, hashCurr []byte, addBytes int64) error {
	return nil
}

func (f *fakeEventStore) MarkIntegrityBroken(ctx context.Context, tenantID, taskID, reason string) error {
	return nil
}

func TestPipelineAppendAssignsSequentialSeq(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, stream.New(nil), bus.New(), nil)

	ev0, err := p.Append(context.Background(), "tenant1", "task1", RawEvent{Kind: store.KindStarted, Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev0.Seq != 0 {
		t.Fatalf("expected first seq 0, got %d", ev0.Seq)
	}

	ev1, err := p.Append(context.Background(), "tenant1", "task1", RawEvent{Kind: store.KindProgress, Payload: map[string]any{"pct": 50}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev1.Seq != 1 {
		t.Fatalf("expected second seq 1, got %d", ev1.Seq)
	}
	if string(ev1.HashPrev) != string(ev0.HashCurr) {
		t.Fatal("expected hash_prev of second event to equal hash_curr of first")
	}
}

func TestPipelineEmitsDigestEveryN(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, stream.New(nil), bus.New(), nil)
	p.digestEveryN = 4

	// seq runs 0,1,2,3,4 across 5 appends; seq=4 is a multiple of 4 and
	// triggers a recursive Digest append at seq=5.
	for i := 0; i < 5; i++ {
		if _, err := p.Append(context.Background(), "tenant1", "task1", RawEvent{Kind: store.KindProgress, Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	evs := st.events["task1"]
	last := evs[len(evs)-1]
	if last.Kind != store.KindDigest {
		t.Fatalf("expected a digest event after seq reaches a multiple of %d, got kind %s", p.digestEveryN, last.Kind)
	}
}
