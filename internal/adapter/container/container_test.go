package container

import "testing"

// New always succeeds at building a docker client (it doesn't dial the
// daemon until first use), so this only exercises the config defaulting
// logic — the same thing the teacher's TestDockerSandbox_Config checks,
// minus the daemon-availability skip since client construction here
// never touches the daemon.
func TestNew_Defaults(t *testing.T) {
	a, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.(*Adapter).Close()

	impl := a.(*Adapter)
	if impl.config.Image != "alpine:latest" {
		t.Errorf("Image = %q, want alpine:latest", impl.config.Image)
	}
	if impl.config.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", impl.config.MemoryMB)
	}
	if impl.config.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", impl.config.NetworkMode)
	}
}

func TestNew_PreservesExplicitConfig(t *testing.T) {
	a, err := New(Config{Image: "golang:1.24", MemoryMB: 1024, NetworkMode: "bridge"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.(*Adapter).Close()

	impl := a.(*Adapter)
	if impl.config.Image != "golang:1.24" {
		t.Errorf("Image = %q, want golang:1.24", impl.config.Image)
	}
	if impl.config.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want 1024", impl.config.MemoryMB)
	}
	if impl.config.NetworkMode != "bridge" {
		t.Errorf("NetworkMode = %q, want bridge", impl.config.NetworkMode)
	}
}
