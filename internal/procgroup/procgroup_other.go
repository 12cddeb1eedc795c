//go:build !unix

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set is a no-op: process groups are a unix concept.
func Set(cmd *exec.Cmd) {}

// Kill falls back to terminating the direct child only.
func Kill(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
