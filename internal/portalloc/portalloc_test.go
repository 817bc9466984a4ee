package portalloc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChooseReturnsRequestedPortWhenFree(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	p := Choose(free, "", "PORTALLOC_TEST_UNSET")
	require.Equal(t, free, p)
}

func TestChooseScansUpwardWhenOccupied(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	occupied := l.Addr().(*net.TCPAddr).Port

	p := Choose(occupied, "", "PORTALLOC_TEST_UNSET")
	require.NotEqual(t, occupied, p)
	require.Greater(t, p, occupied)
	require.LessOrEqual(t, p, occupied+maxScan)
}

func TestChooseHonorsEnvOverride(t *testing.T) {
	t.Setenv("PORTALLOC_TEST_ENV", "54321")
	p := Choose(9999, "", "PORTALLOC_TEST_ENV")
	require.Equal(t, 54321, p)
}

func TestChooseIsDeterministicForSameInstanceID(t *testing.T) {
	a := Choose(20000, "agent-1", "PORTALLOC_TEST_UNSET")
	b := Choose(20000, "agent-1", "PORTALLOC_TEST_UNSET")
	require.Equal(t, a, b)
}
