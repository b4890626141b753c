// Package container runs task args in an ephemeral Docker container via
// github.com/docker/docker/client, grounded on the teacher's
// tools.DockerSandbox (ContainerCreate/Start/Wait/Logs, AutoRemove,
// memory/network-mode limits). Unlike the teacher's buffer-to-completion
// Exec, this adapter demuxes ContainerLogs line-by-line as it streams so
// Stdout/Stderr become incremental Progress-grade events instead of one
// giant payload at the end.
package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/store"
)

type Config struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	Workspace   string // host path bind-mounted read-only at /workspace:ro
}

type Adapter struct {
	cli    *client.Client
	config Config
}

func New(cfg Config) (adapter.Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container adapter: docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:latest"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	return &Adapter{cli: cli, config: cfg}, nil
}

// Start implements adapter.Adapter. args shape:
//
//	{"command": "go test ./..."}
func (a *Adapter) Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan adapter.Event, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("container adapter: empty command")
	}

	out := make(chan adapter.Event, 16)
	go a.run(ctx, command, cancel, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, command string, cancel <-chan struct{}, out chan<- adapter.Event) {
	defer close(out)

	binds := []string{}
	if a.config.Workspace != "" {
		binds = append(binds, a.config.Workspace+":/workspace:ro")
	}

	resp, err := a.cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image:      a.config.Image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &dockercontainer.HostConfig{
		Resources:   dockercontainer.Resources{Memory: a.config.MemoryMB * 1024 * 1024},
		NetworkMode: dockercontainer.NetworkMode(a.config.NetworkMode),
		Binds:       binds,
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
		return
	}
	containerID := resp.ID

	out <- adapter.Event{Kind: store.KindStarted, Payload: map[string]any{"container_id": containerID}}

	if err := a.cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
		return
	}

	go func() {
		<-cancel
		_ = a.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
	}()

	logs, err := a.cli.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
		return
	}
	defer logs.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.Close()
		stderrW.Close()
	}()
	var linesDone sync.WaitGroup
	linesDone.Add(2)
	go func() { defer linesDone.Done(); streamLines(stdoutR, store.KindStdout, out) }()
	go func() { defer linesDone.Done(); streamLines(stderrR, store.KindStderr, out) }()
	linesDone.Wait()

	statusCh, errCh := a.cli.ContainerWait(ctx, containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": err.Error()}}
	case status := <-statusCh:
		select {
		case <-cancel:
			out <- adapter.Event{Kind: store.KindCanceled, Payload: map[string]any{}}
		default:
			if status.StatusCode == 0 {
				out <- adapter.Event{Kind: store.KindSuccess, Payload: map[string]any{"exit_code": 0}}
			} else {
				out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"exit_code": status.StatusCode}}
			}
		}
	case <-ctx.Done():
		_ = a.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		out <- adapter.Event{Kind: store.KindTimedOut, Payload: map[string]any{}}
	}
}

func streamLines(r io.Reader, kind store.EventKind, out chan<- adapter.Event) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		out <- adapter.Event{Kind: kind, Payload: map[string]any{"line": line}, Bytes: int64(len(line))}
	}
}

func (a *Adapter) Close() error {
	return a.cli.Close()
}
