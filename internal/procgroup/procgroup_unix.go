//go:build unix

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
)

// Set marks cmd to start in a new process group. With Setpgid the child
// becomes group leader, so its PID doubles as the PGID.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill delivers sig to cmd's whole process group. A command that never
// started or already exited counts as success.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	// Negative PGID addresses the group.
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
