package procutil

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPIDAliveForSelf(t *testing.T) {
	require.True(t, PIDAlive(os.Getpid()))
}

func TestPIDAliveFalseForBogusPID(t *testing.T) {
	require.False(t, PIDAlive(999999))
}

func TestPIDZombieFalseForSelf(t *testing.T) {
	require.False(t, PIDZombie(os.Getpid()))
}

func TestReadPIDStartTimeForSelf(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix procfs/ps")
	}
	ts, err := ReadPIDStartTime(os.Getpid())
	require.NoError(t, err)
	require.False(t, ts.IsZero())
}

func TestReadPIDCmdlineForSelf(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix procfs/ps")
	}
	cmdline, err := ReadPIDCmdline(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, cmdline)
}

func TestParentPIDForSelfIsPositive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix procfs/ps")
	}
	ppid, err := ParentPID(os.Getpid())
	require.NoError(t, err)
	require.Greater(t, ppid, 0)
}

func TestPortOwnerPIDReturnsZeroWhenNothingListening(t *testing.T) {
	// Port 1 is privileged and essentially never bound in test environments.
	require.Equal(t, 0, PortOwnerPID(1))
}
