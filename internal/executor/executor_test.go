package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModelForSkillLevel(t *testing.T) {
	require.Equal(t, "claude-3-opus-20240229", ModelForSkillLevel("principal"))
	require.Equal(t, "claude-3-5-sonnet-20241022", ModelForSkillLevel("senior"))
	require.Equal(t, "claude-3-5-sonnet-20241022", ModelForSkillLevel("junior"))
	require.Equal(t, "claude-3-5-sonnet-20241022", ModelForSkillLevel("unknown"))
}

func TestBuildCommandArgs(t *testing.T) {
	args := BuildCommandArgs("/usr/bin/claude", "claude-3-5-sonnet-20241022")
	require.Equal(t, []string{"/usr/bin/claude", "--model", "claude-3-5-sonnet-20241022", "--dangerously-skip-permissions"}, args)
}

func TestResolveBinaryFallsBackToPATH(t *testing.T) {
	// "sh" is guaranteed on PATH in any POSIX test environment.
	e := NewWithBinaryCandidates("sh", []string{"/nonexistent/sh"})
	path, err := e.ResolveBinary()
	require.NoError(t, err)
	require.NotEmpty(t, path)
}

func TestResolveBinaryErrorsWhenNotFound(t *testing.T) {
	e := NewWithBinaryCandidates("definitely-not-a-real-binary-xyz", nil)
	_, err := e.ResolveBinary()
	require.Error(t, err)
}

func TestExecuteTaskSucceedsWithStubBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub script targets POSIX shells")
	}
	dir := t.TempDir()
	stub := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\ncat >/dev/null\nexit 0\n"), 0o755))

	instructions := filepath.Join(dir, "instructions.md")
	require.NoError(t, os.WriteFile(instructions, []byte("do the thing"), 0o644))

	e := NewWithBinaryCandidates("claude", []string{stub})
	res, err := ExecuteTask(context.Background(), e, "senior", dir, instructions, 5*time.Second)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotEmpty(t, res.InstructionsHash)
}

func TestExecuteTaskFailsOnNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub script targets POSIX shells")
	}
	dir := t.TempDir()
	stub := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\ncat >/dev/null\necho boom 1>&2\nexit 1\n"), 0o755))

	instructions := filepath.Join(dir, "instructions.md")
	require.NoError(t, os.WriteFile(instructions, []byte("do the thing"), 0o644))

	e := NewWithBinaryCandidates("claude", []string{stub})
	res, err := ExecuteTask(context.Background(), e, "senior", dir, instructions, 5*time.Second)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Contains(t, res.Message, "boom")
}

func TestExecuteTaskTimesOut(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub script targets POSIX shells")
	}
	dir := t.TempDir()
	stub := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\ncat >/dev/null\nsleep 5\n"), 0o755))

	instructions := filepath.Join(dir, "instructions.md")
	require.NoError(t, os.WriteFile(instructions, []byte("do the thing"), 0o644))

	e := NewWithBinaryCandidates("claude", []string{stub})
	_, err := ExecuteTask(context.Background(), e, "senior", dir, instructions, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
