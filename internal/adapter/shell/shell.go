// Package shell runs task args as a shell command via os/exec, grounded
// on the teacher's tools.HostExecutor/ShellInput (deny-list, output
// truncation, shared.Redact pipeline), generalized with the sandbox
// properties spec.md §4.7 requires: a scratch working directory,
// process-group isolation for clean cancellation, and byte-capped
// line-buffered streaming instead of buffer-to-completion.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/shared"
	"github.com/axonstream/axonstream/internal/store"
)

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 120 * time.Second
	maxLineBytes   = 8 * 1024 // per-line cap before truncation, matches the teacher's maxShellOutput order of magnitude
	maxTotalBytes  = 1 << 20  // 1MB of captured output before we stop capturing and just drain
)

// denyList blocks commands the teacher considers too destructive for an
// unprivileged sandbox to run.
var denyList = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mkfs": {}, "dd": {}, "shutdown": {}, "reboot": {},
	"halt": {}, "poweroff": {}, "kill": {}, "killall": {}, "pkill": {},
	"sudo": {}, "su": {}, "chmod": {}, "chown": {},
}

type Adapter struct{}

func New() (adapter.Adapter, error) {
	return &Adapter{}, nil
}

// Start implements adapter.Adapter. args shape:
//
//	{"command": "go test ./...", "timeout_sec": 60, "working_dir": "optional"}
func (a *Adapter) Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan adapter.Event, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("shell adapter: empty command")
	}
	if err := checkDenyList(command); err != nil {
		return nil, err
	}

	timeout := defaultTimeout
	if v, ok := args["timeout_sec"]; ok {
		if secs := toInt(v); secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	scratch, err := os.MkdirTemp("", "axon-task-*")
	if err != nil {
		return nil, fmt.Errorf("shell adapter: scratch dir: %w", err)
	}

	out := make(chan adapter.Event, 16)
	go a.run(ctx, command, scratch, timeout, cancel, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, command, scratch string, timeout time.Duration, cancel <-chan struct{}, out chan<- adapter.Event) {
	defer close(out)
	defer os.RemoveAll(scratch)

	runCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = scratch
	// Process-group isolation: a SIGKILL/SIGTERM sent to -pid on cancel
	// reaches every descendant, not just the immediate shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
		return
	}

	out <- adapter.Event{Kind: store.KindStarted, Payload: map[string]any{"command": shared.Redact(command)}}

	if err := cmd.Start(); err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
		return
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			killProcessGroup(cmd)
		case <-runCtx.Done():
			killProcessGroup(cmd)
		case <-done:
		}
	}()

	var pipesDone sync.WaitGroup
	pipesDone.Add(2)
	go func() { defer pipesDone.Done(); scanPipe(stdoutPipe, store.KindStdout, out) }()
	go func() { defer pipesDone.Done(); scanPipe(stderrPipe, store.KindStderr, out) }()
	pipesDone.Wait()

	waitErr := cmd.Wait()
	close(done)

	canceled := false
	select {
	case <-cancel:
		canceled = true
	default:
	}

	switch {
	case canceled:
		out <- adapter.Event{Kind: store.KindCanceled, Payload: map[string]any{}}
	case runCtx.Err() == context.DeadlineExceeded:
		out <- adapter.Event{Kind: store.KindTimedOut, Payload: map[string]any{}}
	case waitErr != nil:
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": shared.Redact(waitErr.Error()), "exit_code": exitCode}}
	default:
		out <- adapter.Event{Kind: store.KindSuccess, Payload: map[string]any{"exit_code": 0}}
	}
}

// scanPipe line-buffers a pipe's output, capping both per-line and total
// captured bytes; beyond the cap it emits one Progress{truncated:true}
// and stops capturing (but the underlying reader is still drained so the
// process isn't blocked on a full pipe buffer).
func scanPipe(r io.Reader, kind store.EventKind, out chan<- adapter.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var total int64
	truncated := false
	for scanner.Scan() {
		line := scanner.Text()
		total += int64(len(line))
		if truncated {
			continue
		}
		if total > maxTotalBytes {
			truncated = true
			out <- adapter.Event{Kind: store.KindProgress, Payload: map[string]any{"truncated": true}}
			continue
		}
		out <- adapter.Event{Kind: kind, Payload: map[string]any{"line": shared.Redact(line)}, Bytes: int64(len(line))}
	}
}

func checkDenyList(command string) error {
	for _, seg := range strings.FieldsFunc(command, func(r rune) bool { return r == '|' || r == ';' }) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("shell adapter: command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
