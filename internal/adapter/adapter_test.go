package adapter

import (
	"context"
	"testing"

	"github.com/axonstream/axonstream/internal/apierr"
)

type fakeAdapter struct{}

func (fakeAdapter) Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan Event, error) {
	ch := make(chan Event)
	close(ch)
	return ch, nil
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("nope"); apierr.CodeOf(err) != apierr.CodeUnknownAdapter {
		t.Fatalf("expected CodeUnknownAdapter, got %v", err)
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func() (Adapter, error) { return fakeAdapter{}, nil })

	a, err := r.Lookup("fake")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, ok := a.(fakeAdapter); !ok {
		t.Fatalf("Lookup returned %T, want fakeAdapter", a)
	}
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func() (Adapter, error) { return fakeAdapter{}, nil })
	r.Register("fake", func() (Adapter, error) { return nil, apierr.New(apierr.CodeAdapterError, "replaced") })

	if _, err := r.Lookup("fake"); apierr.CodeOf(err) != apierr.CodeAdapterError {
		t.Fatalf("expected the second registration to win, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func() (Adapter, error) { return fakeAdapter{}, nil })
	r.Register("b", func() (Adapter, error) { return fakeAdapter{}, nil })

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}
