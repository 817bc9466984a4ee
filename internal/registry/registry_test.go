package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAPIServerSetsPrimary(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	pid := os.Getpid()

	require.NoError(t, r.RegisterAPIServer(pid, "/repo"))

	st := r.GetStatus()
	require.NotNil(t, st.PrimaryAPI)
	require.Equal(t, pid, *st.PrimaryAPI)
	require.Equal(t, []int{pid}, st.APIServers)
}

func TestRegisterMCPClientShouldStartWhenNoAPIServer(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	pid := os.Getpid()

	shouldStart, err := r.RegisterMCPClient(pid, "client-1")
	require.NoError(t, err)
	require.True(t, shouldStart)
}

func TestRegisterMCPClientShouldNotStartWhenAPIServerPresent(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	apiPID := os.Getpid()
	require.NoError(t, r.RegisterAPIServer(apiPID, "/repo"))

	shouldStart, err := r.RegisterMCPClient(apiPID+1000000, "client-1")
	require.NoError(t, err)
	require.False(t, shouldStart)
}

func TestPIDConflictRejected(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	pid := os.Getpid()

	require.NoError(t, r.RegisterAPIServer(pid, "/repo"))
	_, err := r.RegisterMCPClient(pid, "client-1")
	require.ErrorIs(t, err, ErrPIDConflict)
}

func TestUnregisterClearsPrimaryWhenNoOtherAPIServer(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	pid := os.Getpid()

	require.NoError(t, r.RegisterAPIServer(pid, "/repo"))
	_, err := r.Unregister(pid, TypeAPIServer)
	require.NoError(t, err)

	st := r.GetStatus()
	require.Nil(t, st.PrimaryAPI)
	require.Equal(t, 0, st.TotalProcesses)
}

func TestUnregisterShouldCleanupOnlyWhenNoClientsRemain(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	pid := os.Getpid()

	shouldCleanup, err := r.Unregister(pid, TypeMCPClient)
	require.NoError(t, err)
	require.True(t, shouldCleanup) // empty registry: no clients remain

	_, err = r.RegisterMCPClient(pid, "a")
	require.NoError(t, err)
	_, err = r.RegisterMCPClient(pid+1, "b")
	require.NoError(t, err)

	shouldCleanup, err = r.Unregister(pid, TypeMCPClient)
	require.NoError(t, err)
	require.False(t, shouldCleanup) // one client (pid+1) remains
}

func TestPruneStaleRemovesDeadPIDs(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	const deadPID = 999999 // astronomically unlikely to be alive in test env

	_, err := r.RegisterMCPClient(deadPID, "ghost")
	require.NoError(t, err)

	require.NoError(t, r.PruneStale())
	st := r.GetStatus()
	require.Equal(t, 0, st.TotalProcesses)
}

func TestDeleteIfEmptyRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r := New(path)
	pid := os.Getpid()
	require.NoError(t, r.RegisterAPIServer(pid, "/repo"))
	_, err := r.Unregister(pid, TypeAPIServer)
	require.NoError(t, err)
	require.NoError(t, r.DeleteIfEmpty())

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
