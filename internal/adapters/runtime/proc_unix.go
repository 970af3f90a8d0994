//go:build !windows

package runtime

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr sets up process group isolation so child processes
// can be signaled as a group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// gracefulKill sends SIGTERM to the process group, waits for gracePeriod,
// then sends SIGKILL if the process hasn't exited. done is closed by the
// session reader once the process has been reaped.
func gracefulKill(cmd *exec.Cmd, done <-chan struct{}, gracePeriod time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process may have already exited
		return nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("sigterm pgid %d: %w", pgid, err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}
