//go:build unix

package procgroup

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachKillsGroupOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The shell spawns a grandchild; both must die with the group.
	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 30 & wait")
	Attach(cmd, 2*time.Second)
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived cancellation")
	}
}

func TestSetMarksGroupLeader(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestKillToleratesUnstartedCommand(t *testing.T) {
	assert.NoError(t, Kill(nil, syscall.SIGTERM))
	assert.NoError(t, Kill(exec.Command("true"), syscall.SIGTERM))
}

func TestKillToleratesFinishedProcess(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Run())

	assert.NoError(t, Kill(cmd, syscall.SIGTERM))
}
