// Package wasm runs a WASI module as a task, grounded on the teacher's
// sandbox/wasm.Host (wazero runtime with WithMemoryLimitPages /
// WithCloseOnContextDone, deterministic SkillFault reason codes via
// classifyFault) generalized from "invoke one exported skill function"
// to "run a module's _start entrypoint to completion, capturing its
// stdout as task output".
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/store"
)

// DefaultMemoryLimitPages mirrors the teacher's per-module cap (1 page = 64KB).
const DefaultMemoryLimitPages = 160

const DefaultInvokeTimeout = 30 * time.Second

// Fault reason codes, carried over from the teacher's SkillFault
// vocabulary so operators reading logs recognize the same taxonomy.
const (
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultExecError      = "WASM_FAULT"
)

type Config struct {
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

type Adapter struct {
	config Config
}

func New(cfg Config) (adapter.Adapter, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = DefaultInvokeTimeout
	}
	return &Adapter{config: cfg}, nil
}

// Start implements adapter.Adapter. args shape:
//
//	{"module_bytes": <[]byte>}
//
// module_bytes is expected to already be decoded (the gateway layer
// base64-decodes an inbound JSON string before constructing args).
func (a *Adapter) Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan adapter.Event, error) {
	wasmBytes, ok := args["module_bytes"].([]byte)
	if !ok || len(wasmBytes) == 0 {
		return nil, fmt.Errorf("wasm adapter: missing module_bytes")
	}

	out := make(chan adapter.Event, 4)
	go a.run(ctx, wasmBytes, cancel, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, wasmBytes []byte, cancel <-chan struct{}, out chan<- adapter.Event) {
	defer close(out)
	out <- adapter.Event{Kind: store.KindStarted, Payload: map[string]any{}}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(a.config.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": "instantiate wasi: " + err.Error()}}
		return
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": "compile module: " + err.Error()}}
		return
	}

	var stdout, stderr bytes.Buffer
	invokeCtx, stop := context.WithTimeout(ctx, a.config.InvokeTimeout)
	defer stop()

	go func() {
		select {
		case <-cancel:
			stop()
		case <-invokeCtx.Done():
		}
	}()

	moduleCfg := wazero.NewModuleConfig().WithStdout(&stdout).WithStderr(&stderr)
	_, err = runtime.InstantiateModule(invokeCtx, compiled, moduleCfg)

	if stdout.Len() > 0 {
		out <- adapter.Event{Kind: store.KindStdout, Payload: map[string]any{"output": stdout.String()}, Bytes: int64(stdout.Len())}
	}
	if stderr.Len() > 0 {
		out <- adapter.Event{Kind: store.KindStderr, Payload: map[string]any{"output": stderr.String()}, Bytes: int64(stderr.Len())}
	}

	select {
	case <-cancel:
		out <- adapter.Event{Kind: store.KindCanceled, Payload: map[string]any{}}
		return
	default:
	}

	if err == nil {
		out <- adapter.Event{Kind: store.KindSuccess, Payload: map[string]any{}}
		return
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			out <- adapter.Event{Kind: store.KindSuccess, Payload: map[string]any{}}
			return
		}
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"exit_code": exitErr.ExitCode()}}
		return
	}

	fault := classifyFault(err)
	out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error(), "fault_reason": fault}}
}

// classifyFault maps a wazero execution error to a deterministic fault
// reason code, mirroring the teacher's sandbox/wasm.classifyFault.
func classifyFault(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FaultTimeout
	}
	if strings.Contains(err.Error(), "memory") {
		return FaultMemoryExceeded
	}
	return FaultExecError
}
