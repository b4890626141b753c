// Package adapter defines the adapter contract (C7): a name→constructor
// registry of pluggable task backends. The registry is a copy-on-write
// map swapped atomically at startup, the same static-registry pattern
// as the teacher's config.BuiltinModels provider table, generalized from
// "known LLM providers" to "known task adapters".
package adapter

import (
	"context"
	"sync/atomic"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/store"
)

// Event is what an adapter yields: a kind and a structured payload. The
// event pipeline (internal/eventpipeline) turns these into hash-chained,
// durable, stream-published events.
type Event struct {
	Kind    store.EventKind
	Payload map[string]any
	// Bytes is this event's contribution to bytes_streamed (stdout/stderr only).
	Bytes int64
}

// Adapter is the contract every task backend implements: Start begins
// the work and returns a channel of events the caller drains until
// close, honoring cancel as a cooperative stop signal.
type Adapter interface {
	// Start begins executing args and returns a channel of events. The
	// channel is closed when the adapter has emitted its terminal event
	// (Success/Error/Canceled/TimedOut) or when ctx is done. cancel is
	// closed by the caller to request cooperative cancellation; the
	// adapter must still emit exactly one terminal event afterward.
	Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan Event, error)
}

// Constructor builds an Adapter instance from task args-independent
// configuration (e.g. image name, docker client, poll interval).
type Constructor func() (Adapter, error)

type registrySnapshot map[string]Constructor

// Registry is a name→constructor lookup, swapped atomically on Register
// so readers never observe a half-updated map.
type Registry struct {
	snapshot atomic.Pointer[registrySnapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(registrySnapshot)
	r.snapshot.Store(&empty)
	return r
}

// Register adds or replaces a constructor under name via copy-on-write.
func (r *Registry) Register(name string, ctor Constructor) {
	for {
		old := r.snapshot.Load()
		next := make(registrySnapshot, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[name] = ctor
		if r.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Lookup resolves name to a fresh Adapter instance, or UnknownAdapter.
func (r *Registry) Lookup(name string) (Adapter, error) {
	snap := *r.snapshot.Load()
	ctor, ok := snap[name]
	if !ok {
		return nil, apierr.Newf(apierr.CodeUnknownAdapter, "unknown adapter %q", name)
	}
	return ctor()
}

// Names lists every registered adapter name.
func (r *Registry) Names() []string {
	snap := *r.snapshot.Load()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	return names
}
