package shutdown

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/headless-pm/pmcore/internal/procutil"
	"github.com/headless-pm/pmcore/internal/registry"
)

func TestSamePIDRejectsDriftedStartTime(t *testing.T) {
	if runtime.GOOS == "windows" || !procutil.ProcFSAvailable() {
		t.Skip("requires procfs")
	}
	actual, err := procutil.ReadPIDStartTime(selfPID())
	require.NoError(t, err)

	require.True(t, SamePID(selfPID(), actual, ""))
	require.False(t, SamePID(selfPID(), actual.Add(10*time.Second), ""))
}

func TestSamePIDRejectsDeadPID(t *testing.T) {
	require.False(t, SamePID(999999, time.Now(), ""))
}

func TestStopIsNoopForDeadPID(t *testing.T) {
	require.NoError(t, Stop(999999, time.Second))
}

func TestStopTerminatesLongRunningProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix signals")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	go cmd.Wait()

	require.True(t, procutil.PIDAlive(pid))
	require.NoError(t, Stop(pid, 2*time.Second))
	require.False(t, procutil.PIDAlive(pid))
}

func TestUnregisterAndMaybeStopSkipsWhenClientsRemain(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix signals")
	}
	path := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(path)
	require.NoError(t, reg.RegisterAPIServer(selfPID(), "/repo"))
	_, err := reg.RegisterMCPClient(selfPID()+1, "client-a")
	require.NoError(t, err)
	_, err = reg.RegisterMCPClient(selfPID()+2, "client-b")
	require.NoError(t, err)

	c := New(path)
	// Unregistering one of two clients should not trigger cleanup.
	err = c.UnregisterAndMaybeStop(selfPID()+1, registry.TypeMCPClient, time.Now(), "", time.Second)
	require.NoError(t, err)
	st := reg.GetStatus()
	require.NotNil(t, st.PrimaryAPI)
}

func selfPID() int {
	return os.Getpid()
}
