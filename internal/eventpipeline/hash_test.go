package eventpipeline

import (
	"bytes"
	"testing"

	"github.com/axonstream/axonstream/internal/store"
)

func TestComputeHashDeterministic(t *testing.T) {
	payload := Canonicalize(map[string]any{"msg": "hello"})
	h1 := ComputeHash(nil, 0, store.KindStarted, payload)
	h2 := ComputeHash(nil, 0, store.KindStarted, payload)
	if !bytes.Equal(h1, h2) {
		t.Fatal("expected identical inputs to produce identical hashes")
	}
}

func TestComputeHashChangesWithSeq(t *testing.T) {
	payload := Canonicalize(map[string]any{"msg": "hello"})
	h0 := ComputeHash(nil, 0, store.KindStarted, payload)
	h1 := ComputeHash(nil, 1, store.KindStarted, payload)
	if bytes.Equal(h0, h1) {
		t.Fatal("expected different seq to produce different hash")
	}
}

func TestComputeHashChangesWithPrev(t *testing.T) {
	payload := Canonicalize(map[string]any{"msg": "hello"})
	h0 := ComputeHash(nil, 1, store.KindProgress, payload)
	h1 := ComputeHash([]byte("some-other-prev-hash-32-bytes!!"), 1, store.KindProgress, payload)
	if bytes.Equal(h0, h1) {
		t.Fatal("expected different hash_prev to produce different hash")
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	p0 := Canonicalize(map[string]any{"n": 1})
	h0 := ComputeHash(nil, 0, store.KindStarted, p0)
	p1 := Canonicalize(map[string]any{"n": 2})
	h1 := ComputeHash(h0, 1, store.KindProgress, p1)

	events := []store.Event{
		{Seq: 0, Kind: store.KindStarted, Payload: string(p0), HashCurr: h0},
		{Seq: 1, Kind: store.KindProgress, Payload: string(p1), HashCurr: h1},
	}
	if idx := VerifyChain(events); idx != -1 {
		t.Fatalf("expected valid chain to verify, got mismatch at %d", idx)
	}

	events[1].Payload = string(Canonicalize(map[string]any{"n": 999}))
	if idx := VerifyChain(events); idx != 1 {
		t.Fatalf("expected tamper detected at index 1, got %d", idx)
	}
}
