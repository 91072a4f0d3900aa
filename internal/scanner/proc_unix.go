//go:build unix

package scanner

import (
	"context"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group. A timeout kills the whole
// group so helpers a plugin spawned die with it. Cancellation of parent
// sends SIGTERM instead, letting the child clear its sentinel line; WaitDelay
// escalates to a kill if it does not exit.
func isolate(parent context.Context, cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if parent.Err() != nil {
			return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
