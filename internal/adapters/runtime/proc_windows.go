//go:build windows

package runtime

import (
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on Windows; process groups are not used.
func configureProcAttr(cmd *exec.Cmd) {}

// gracefulKill terminates the process. Windows has no SIGTERM, so the
// process is killed directly after the grace period if it has not exited.
func gracefulKill(cmd *exec.Cmd, done <-chan struct{}, gracePeriod time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(gracePeriod):
		return cmd.Process.Kill()
	}
}
