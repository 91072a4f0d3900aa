//go:build !unix

package scanner

import (
	"context"
	"os/exec"
)

func isolate(_ context.Context, cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
