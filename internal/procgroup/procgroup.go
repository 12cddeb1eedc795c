// Package procgroup confines external tools to their own process group so
// that cancellation reaches helper processes they spawn, not just the
// direct child.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Attach wires group-wide cancellation into cmd: the command starts as a
// process group leader, context cancellation delivers SIGTERM to the whole
// group and exec escalates to a hard kill after grace. Must be called before
// the command starts.
func Attach(cmd *exec.Cmd, grace time.Duration) {
	Set(cmd)
	cmd.Cancel = func() error { return Kill(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = grace
}
