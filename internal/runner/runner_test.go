package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/headless-pm/pmcore/internal/pmclient"
	"github.com/headless-pm/pmcore/internal/tasklock"
)

type fixedGate struct{ choice GateChoice }

func (f fixedGate) Decide(reason string) GateChoice { return f.choice }

// fakePM is a minimal in-memory stand-in for the PM service driving one
// task through register/next/lock/status/delete.
func fakePM(t *testing.T, taskID string) (*httptest.Server, *pmclient.Client) {
	t.Helper()
	served := false
	status := "pending"
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/register", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api/v1/tasks/next", func(w http.ResponseWriter, r *http.Request) {
		if served {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		served = true
		json.NewEncoder(w).Encode(pmclient.Task{ID: taskID, Title: "do the thing", Status: "pending", Role: "backend_dev", SkillLevel: "senior"})
	})
	mux.HandleFunc("/api/v1/tasks/"+taskID+"/lock", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api/v1/tasks/"+taskID+"/status", func(w http.ResponseWriter, r *http.Request) {
		status = "dev_done"
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/tasks/"+taskID, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pmclient.Task{ID: taskID, Status: status})
	})
	mux.HandleFunc("/api/v1/agents/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	return srv, pmclient.New(srv.URL, "test-key")
}

func newTestConfig(t *testing.T, agentID string) (Config, string) {
	t.Helper()
	repo := t.TempDir()
	instructions := filepath.Join(repo, "instructions.md")
	require.NoError(t, os.WriteFile(instructions, []byte("do the thing"), 0o644))
	t.Setenv("HOME", t.TempDir())

	return Config{
		Role:                "backend_dev",
		AgentID:             agentID,
		SkillLevel:          "senior",
		HealthCheckInterval: time.Hour,
		TaskCheckInterval:   10 * time.Millisecond,
		LLMTimeout:          5 * time.Second,
		WorktreeBase:        filepath.Join(repo, ".worktrees"),
		HooksDir:            t.TempDir(),
		HookTimeout:         2 * time.Second,
		RepoDir:             repo,
		InstructionsPath:    func(role string) string { return instructions },
	}, repo
}

func writeStubClaude(t *testing.T, repo string) {
	t.Helper()
	// The Executor probes PATH via LookPath("claude"); point PATH at a
	// directory containing a stub so ResolveBinary succeeds without network.
	binDir := t.TempDir()
	stub := filepath.Join(binDir, "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\ncat >/dev/null\nexit 0\n"), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// writeFailingStubClaude installs a "claude" stub that always exits
// non-zero, simulating a subprocess failure (spec.md §7).
func writeFailingStubClaude(t *testing.T, repo string) {
	t.Helper()
	binDir := t.TempDir()
	stub := filepath.Join(binDir, "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\ncat >/dev/null\nexit 1\n"), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestRunSingleTaskCompletesAndReleasesLease(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix stub binary")
	}
	cfg, repo := newTestConfig(t, "agent-1")
	writeStubClaude(t, repo)
	srv, client := fakePM(t, "task-1")
	defer srv.Close()

	r, err := New(cfg, client, fixedGate{GateSkip})
	require.NoError(t, err)

	require.NoError(t, r.RunSingleTask(context.Background()))
	require.False(t, r.lock.IsLocked())
}

// TestExecuteTaskRetainsLeaseOnSubprocessFailure confirms spec.md §4.10's
// state diagram ("failure surfaces; lease retained for retry") and §7's
// error table ("exit != 0 ... lease retained unless operator releases"):
// a failed subprocess must return an error and leave the lease in place,
// not release it.
func TestExecuteTaskRetainsLeaseOnSubprocessFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix stub binary")
	}
	cfg, repo := newTestConfig(t, "agent-5")
	writeFailingStubClaude(t, repo)
	srv, client := fakePM(t, "task-5")
	defer srv.Close()

	r, err := New(cfg, client, fixedGate{GateSkip})
	require.NoError(t, err)

	require.Error(t, r.RunSingleTask(context.Background()))
	require.True(t, r.lock.IsLocked())

	lease, ok, err := r.lock.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "task-5", lease.TaskID)
	require.NotEmpty(t, lease.InstructionsHash)
}

func TestRunSingleTaskNoTasksIsNotAnError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix stub binary")
	}
	cfg, _ := newTestConfig(t, "agent-2")
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks/next", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := pmclient.New(srv.URL, "")

	r, err := New(cfg, client, fixedGate{GateSkip})
	require.NoError(t, err)
	require.NoError(t, r.RunSingleTask(context.Background()))
}

func TestRecoverLockedTaskReleasesOnTerminalStatus(t *testing.T) {
	cfg, _ := newTestConfig(t, "agent-3")
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks/task-9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pmclient.Task{ID: "task-9", Status: "completed"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := pmclient.New(srv.URL, "")

	r, err := New(cfg, client, fixedGate{GateSkip})
	require.NoError(t, err)
	require.NoError(t, r.lock.Lock(tasklock.Lease{TaskID: "task-9", TaskTitle: "stale", AgentID: "agent-3"}))

	task, recovered, err := r.recoverLockedTask(context.Background())
	require.NoError(t, err)
	require.Nil(t, task)
	require.False(t, recovered)
	require.False(t, r.lock.IsLocked())
}

func TestRecoverLockedTaskResumesNonTerminal(t *testing.T) {
	cfg, _ := newTestConfig(t, "agent-4")
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks/task-7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pmclient.Task{ID: "task-7", Status: "in_progress"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := pmclient.New(srv.URL, "")

	r, err := New(cfg, client, fixedGate{GateSkip})
	require.NoError(t, err)
	require.NoError(t, r.lock.Lock(tasklock.Lease{TaskID: "task-7", TaskTitle: "resumable", AgentID: "agent-4"}))

	task, recovered, err := r.recoverLockedTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	require.True(t, recovered)
	require.Equal(t, "task-7", task.ID)
}
