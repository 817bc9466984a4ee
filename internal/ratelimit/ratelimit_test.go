package ratelimit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreeAttemptsAllowedFourthRejected(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "registry.json"))

	for i := 0; i < maxAttempts; i++ {
		ok, err := l.CheckStartup(6969)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be allowed", i+1)
	}

	ok, err := l.CheckStartup(6969)
	require.NoError(t, err)
	require.False(t, ok, "4th attempt within the window must be rejected")
}

func TestRejectedAttemptIsNotRecorded(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "registry.json"))
	for i := 0; i < maxAttempts; i++ {
		_, err := l.CheckStartup(6969)
		require.NoError(t, err)
	}
	_, err := l.CheckStartup(6969)
	require.NoError(t, err)

	// A rejected attempt must not itself count toward future windows; the
	// limiter state should still reflect exactly maxAttempts entries.
	doc := l.store.Read(map[string]any{})
	rateLimits, _ := doc["rate_limits"].(map[string]any)
	entry, _ := rateLimits["6969"].(map[string]any)
	attempts := toFloatSlice(entry["attempts"])
	require.Len(t, attempts, maxAttempts)
}

func TestDifferentPortsAreIndependent(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "registry.json"))
	for i := 0; i < maxAttempts; i++ {
		ok, err := l.CheckStartup(6969)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.CheckStartup(7070)
	require.NoError(t, err)
	require.True(t, ok, "a different port has its own independent window")
}
