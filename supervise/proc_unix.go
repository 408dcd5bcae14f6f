//go:build !windows

package supervise

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess places the command in its own process group so that
// termination reaches the command and every child it spawns.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the process group, waits out the
// grace period, then sends SIGKILL. Safe to call on an already-exited
// process.
func terminateProcess(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(grace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
