// Package receipt signs and verifies the terminal-task chain root
// (spec.md §4.8/§9): a structured record whose canonical bytes are
// signed with crypto/ed25519, the key ID embedded so a verifier can
// pick the right public key across rotations. The rotatable-key-by-ID
// registry is grounded on the same copy-on-write-map shape as
// internal/adapter's Registry (generalized from "name -> constructor"
// to "key ID -> keypair"), and digest computation reuses
// internal/eventpipeline's canonical encoder so a receipt's signed
// bytes are produced the same deterministic way a chain hash is.
package receipt

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync/atomic"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/eventpipeline"
)

// Receipt is the signed record returned by GetReceipt for a terminal
// task: the chain root is the hash_curr of the task's last event, the
// range is [0, last_seq] inclusive.
type Receipt struct {
	TaskID    string `json:"task_id"`
	ChainRoot string `json:"chain_root"` // hex-encoded hash_curr at LastSeq
	FirstSeq  int64  `json:"first_seq"`
	LastSeq   int64  `json:"last_seq"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"` // hex-encoded ed25519 signature
}

// signingPayload returns the canonical bytes a Receipt's signature
// covers — every field except the signature itself.
func signingPayload(r Receipt) []byte {
	return eventpipeline.Canonicalize(map[string]any{
		"task_id":    r.TaskID,
		"chain_root": r.ChainRoot,
		"first_seq":  r.FirstSeq,
		"last_seq":   r.LastSeq,
		"key_id":     r.KeyID,
	})
}

type keypair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

type keyringSnapshot map[string]keypair

// Keyring is the process-wide signing/verification key registry,
// swapped atomically on Rotate so readers never observe a half-updated
// map — the same pattern as adapter.Registry.
type Keyring struct {
	snapshot  atomic.Pointer[keyringSnapshot]
	activeID  atomic.Pointer[string]
}

func NewKeyring() *Keyring {
	k := &Keyring{}
	empty := make(keyringSnapshot)
	k.snapshot.Store(&empty)
	return k
}

// GenerateKey creates a fresh ed25519 keypair under keyID and, if
// makeActive is true, switches Sign to use it going forward. Previously
// registered keys remain available for Verify so old receipts keep
// validating across a rotation.
func (k *Keyring) GenerateKey(keyID string, makeActive bool) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreUnavailable, "generate signing key", err)
	}
	k.AddKey(keyID, pub, priv, makeActive)
	return nil
}

// AddKey registers an externally-provisioned keypair (e.g. loaded from
// configuration at startup) under keyID.
func (k *Keyring) AddKey(keyID string, pub ed25519.PublicKey, priv ed25519.PrivateKey, makeActive bool) {
	for {
		old := k.snapshot.Load()
		next := make(keyringSnapshot, len(*old)+1)
		for id, kp := range *old {
			next[id] = kp
		}
		next[keyID] = keypair{public: pub, private: priv}
		if k.snapshot.CompareAndSwap(old, &next) {
			break
		}
	}
	if makeActive {
		id := keyID
		k.activeID.Store(&id)
	}
}

// ActiveKeyID reports the key ID Sign currently uses.
func (k *Keyring) ActiveKeyID() (string, bool) {
	p := k.activeID.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Sign produces a Receipt for the given task/chain-root/range, signed
// under the currently active key.
func (k *Keyring) Sign(taskID, chainRootHex string, firstSeq, lastSeq int64) (Receipt, error) {
	keyID, ok := k.ActiveKeyID()
	if !ok {
		return Receipt{}, apierr.New(apierr.CodeStoreUnavailable, "no active signing key")
	}
	snap := *k.snapshot.Load()
	kp, ok := snap[keyID]
	if !ok {
		return Receipt{}, apierr.Newf(apierr.CodeStoreUnavailable, "active key %q not found in keyring", keyID)
	}

	r := Receipt{TaskID: taskID, ChainRoot: chainRootHex, FirstSeq: firstSeq, LastSeq: lastSeq, KeyID: keyID}
	sig := ed25519.Sign(kp.private, signingPayload(r))
	r.Signature = encodeHex(sig)
	return r, nil
}

// Verify reports whether r's signature is valid under its embedded key
// ID. Verification requires only the receipt and the registered public
// key — the private key never leaves Sign's caller.
func (k *Keyring) Verify(r Receipt) (bool, error) {
	snap := *k.snapshot.Load()
	kp, ok := snap[r.KeyID]
	if !ok {
		return false, apierr.Newf(apierr.CodeValidationError, "unknown signing key id %q", r.KeyID)
	}
	sig, err := decodeHex(r.Signature)
	if err != nil {
		return false, apierr.Wrap(apierr.CodeValidationError, "invalid signature encoding", err)
	}
	return ed25519.Verify(kp.public, signingPayload(r), sig), nil
}
