package eventpipeline

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/axonstream/axonstream/internal/store"
)

// chainVersion is prepended to every hash preimage so a future change to
// the chain's framing (kind tag width, canonicalization rules) can be
// distinguished from data corruption rather than silently producing a
// different-looking but equally "valid" chain.
const chainVersion byte = 1

var zeroHash = make([]byte, sha256.Size)

// kindTags assigns each EventKind a stable single-byte tag for the hash
// preimage, independent of the string spelling used elsewhere so a
// future rename of the Go constant never perturbs the chain.
var kindTags = map[store.EventKind]byte{
	store.KindStarted:  1,
	store.KindProgress: 2,
	store.KindStdout:   3,
	store.KindStderr:   4,
	store.KindSuccess:  5,
	store.KindError:    6,
	store.KindCanceled: 7,
	store.KindTimedOut: 8,
	store.KindDigest:   9,
}

// ComputeHash implements spec.md §3's
// hash_curr = SHA256(hash_prev || seq_be || kind_tag || canonical(payload)),
// with a leading chain_version byte per SPEC_FULL.md §4.6 / Design Notes.
// hashPrev must be 32 bytes; pass zeroHash (or nil) for seq 0.
// canonicalPayload must already be in canonical form (the output of
// Canonicalize, or the stored Event.Payload bytes verbatim) — ComputeHash
// never re-canonicalizes, so the same bytes always hash the same way
// whether computed fresh or read back from the store.
func ComputeHash(hashPrev []byte, seq int64, kind store.EventKind, canonicalPayload []byte) []byte {
	prev := hashPrev
	if len(prev) == 0 {
		prev = zeroHash
	}
	var seqBE [8]byte
	binary.BigEndian.PutUint64(seqBE[:], uint64(seq))

	tag, ok := kindTags[kind]
	if !ok {
		tag = 0
	}

	h := sha256.New()
	h.Write([]byte{chainVersion})
	h.Write(prev)
	h.Write(seqBE[:])
	h.Write([]byte{tag})
	h.Write(canonicalPayload)
	return h.Sum(nil)
}

// VerifyChain walks events in seq order and reports the first index at
// which the stored hash_curr does not match a recomputed hash, or -1 if
// the whole slice verifies. events must be contiguous and sorted
// ascending by Seq.
func VerifyChain(events []store.Event) int {
	var prev []byte
	for i, ev := range events {
		want := ComputeHash(prev, ev.Seq, ev.Kind, []byte(ev.Payload))
		if string(want) != string(ev.HashCurr) {
			return i
		}
		prev = ev.HashCurr
	}
	return -1
}
