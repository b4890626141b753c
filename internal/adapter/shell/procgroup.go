package shell

import (
	"os/exec"
	"syscall"
)

// killProcessGroup sends SIGKILL to the whole process group started with
// Setpgid, so a shell's children (and their children) are reaped too,
// not just the immediate "sh -c" process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
