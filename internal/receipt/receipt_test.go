package receipt

import (
	"context"
	"testing"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/store"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	k := NewKeyring()
	if err := k.GenerateKey("k1", true); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	r, err := k.Sign("task-1", "deadbeef", 0, 4)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := k.Verify(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedReceipt(t *testing.T) {
	k := NewKeyring()
	_ = k.GenerateKey("k1", true)
	r, _ := k.Sign("task-1", "deadbeef", 0, 4)
	r.LastSeq = 99

	ok, err := k.Verify(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected a tampered receipt to fail verification")
	}
}

func TestRotationKeepsOldReceiptsValid(t *testing.T) {
	k := NewKeyring()
	_ = k.GenerateKey("k1", true)
	oldReceipt, _ := k.Sign("task-1", "deadbeef", 0, 4)

	_ = k.GenerateKey("k2", true)
	newReceipt, _ := k.Sign("task-2", "feedface", 0, 9)

	if oldReceipt.KeyID == newReceipt.KeyID {
		t.Fatal("expected distinct key IDs across rotation")
	}
	for _, r := range []Receipt{oldReceipt, newReceipt} {
		ok, err := k.Verify(r)
		if err != nil || !ok {
			t.Fatalf("expected receipt signed under %s to still verify: ok=%v err=%v", r.KeyID, ok, err)
		}
	}
}

type fakeTaskLookup struct {
	task store.Task
	err  error
}

func (f fakeTaskLookup) GetTask(ctx context.Context, tenantID, id string) (store.Task, error) {
	return f.task, f.err
}

func TestServiceRejectsNonTerminalTask(t *testing.T) {
	k := NewKeyring()
	_ = k.GenerateKey("k1", true)
	svc := NewService(k, fakeTaskLookup{task: store.Task{ID: "t1", State: store.StateRunning}})

	_, err := svc.GetReceipt(context.Background(), "tenant-1", "t1")
	if apierr.CodeOf(err) != apierr.CodeNotTerminal {
		t.Fatalf("expected NotTerminal, got %v", err)
	}
}

func TestServiceSignsTerminalTask(t *testing.T) {
	k := NewKeyring()
	_ = k.GenerateKey("k1", true)
	svc := NewService(k, fakeTaskLookup{task: store.Task{
		ID: "t1", State: store.StateSucceeded, Cursor: 4, LastHash: []byte{0xde, 0xad},
	}})

	r, err := svc.GetReceipt(context.Background(), "tenant-1", "t1")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	ok, err := k.Verify(r)
	if err != nil || !ok {
		t.Fatalf("expected receipt to verify: ok=%v err=%v", ok, err)
	}
}
