// Package runner implements the Agent Runner (spec.md C10): the crash-safe
// per-agent task loop binding the Task Lock Store, PM Client, Worktree
// Manager, Subprocess Executor, and Hook Runner. State machine grounded on
// the original's AdvancedAgentRunner (advanced_agent_runner.py); signal
// handling idiom grounded on kilroy's cmd/kilroy/main.go.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/headless-pm/pmcore/internal/executor"
	"github.com/headless-pm/pmcore/internal/gitutil"
	"github.com/headless-pm/pmcore/internal/hooks"
	"github.com/headless-pm/pmcore/internal/pmclient"
	"github.com/headless-pm/pmcore/internal/pmlog"
	"github.com/headless-pm/pmcore/internal/tasklock"
	"github.com/headless-pm/pmcore/internal/worktree"
)

// GateChoice is the operator's response to a failed pre-task hook
// (spec.md §4.10 Operator Gate).
type GateChoice string

const (
	GateRetry   GateChoice = "retry"
	GateSkip    GateChoice = "skip"
	GateRelease GateChoice = "release"
)

// OperatorGate decides how to proceed when a pre-task hook fails. The
// default implementations are an interactive terminal prompt and a
// policy-file-driven AutoGate (SPEC_FULL §12); both satisfy this interface.
type OperatorGate interface {
	Decide(reason string) GateChoice
}

// Config bundles the per-session settings the Runner needs.
type Config struct {
	Role                string
	AgentID             string
	SkillLevel          string
	HealthCheckInterval time.Duration
	TaskCheckInterval   time.Duration
	LLMTimeout          time.Duration
	WorktreeBase        string
	HooksDir            string
	HookTimeout         time.Duration
	RepoDir             string
	InstructionsPath    func(role string) string
}

// Runner drives one agent's task loop.
type Runner struct {
	cfg    Config
	client *pmclient.Client
	lock   *tasklock.Store
	exec   *executor.Executor
	hook   *hooks.Runner
	wt     *worktree.Manager
	gate   OperatorGate
	log    zerolog.Logger

	lastHealthCheck time.Time
}

// New builds a Runner for one agent session.
func New(cfg Config, client *pmclient.Client, gate OperatorGate) (*Runner, error) {
	lockStore, err := tasklock.New(cfg.AgentID)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:    cfg,
		client: client,
		lock:   lockStore,
		exec:   executor.New("claude"),
		hook:   hooks.New(cfg.HooksDir, cfg.HookTimeout),
		wt:     worktree.New(cfg.RepoDir, cfg.WorktreeBase),
		gate:   gate,
		log:    pmlog.WithAgentID(cfg.AgentID),
	}, nil
}

// Register registers the agent session with the PM service. Exit code 1
// per spec.md §6 if this fails.
func (r *Runner) Register(ctx context.Context) error {
	if err := r.client.RegisterAgent(ctx, r.cfg.AgentID, r.cfg.Role, r.cfg.SkillLevel, "agent_runner"); err != nil {
		return fmt.Errorf("runner: register agent: %w", err)
	}
	r.log.Info().Msg("agent registered")
	return nil
}

// RunContinuous runs the main loop until ctx is cancelled (SIGINT/SIGTERM),
// implementing the state machine of spec.md §4.10.
func (r *Runner) RunContinuous(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		default:
		}

		if time.Since(r.lastHealthCheck) > r.cfg.HealthCheckInterval {
			r.runHealthCheck(ctx)
		}

		task, recovered, err := r.recoverLockedTask(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("crash recovery check failed")
		}

		if task == nil {
			task, err = r.getNextTask(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("get_next_task failed")
			}
			if task == nil {
				select {
				case <-ctx.Done():
					return r.shutdown()
				case <-time.After(r.cfg.TaskCheckInterval):
				}
				continue
			}
			if err := r.lock.Lock(tasklock.Lease{
				TaskID:    task.ID,
				TaskTitle: task.Title,
				AgentID:   r.cfg.AgentID,
				TaskData:  map[string]any{"role": task.Role, "skill_level": task.SkillLevel, "complexity": task.Complexity},
			}); err != nil {
				r.log.Error().Err(err).Msg("failed to write lease")
				continue
			}
		}

		if err := r.executeTask(ctx, *task, recovered); err != nil {
			r.log.Error().Err(err).Str("task_id", task.ID).Msg("task execution failed; lease retained for retry")
		}
	}
}

// RunSingleTask executes at most one lease-to-completion cycle then
// returns, for scripted invocation (SPEC_FULL §12, --single-task).
func (r *Runner) RunSingleTask(ctx context.Context) error {
	task, recovered, err := r.recoverLockedTask(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("crash recovery check failed")
	}
	if task == nil {
		task, err = r.getNextTask(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			r.log.Info().Msg("no tasks available")
			return nil
		}
		if err := r.lock.Lock(tasklock.Lease{TaskID: task.ID, TaskTitle: task.Title, AgentID: r.cfg.AgentID}); err != nil {
			return err
		}
	}
	return r.executeTask(ctx, *task, recovered)
}

// recoverLockedTask implements spec.md §4.10's crash-recovery invariant: if
// a lease exists, query the PM service for its current status. Terminal →
// release and proceed to Idle. Else → resume as if just accepted.
func (r *Runner) recoverLockedTask(ctx context.Context) (*pmclient.Task, bool, error) {
	lease, ok, err := r.lock.Load()
	if err != nil || !ok {
		return nil, false, err
	}
	r.log.Warn().Str("task_id", lease.TaskID).Msg("recovering previously locked task")

	status, err := r.client.GetTaskStatus(ctx, lease.TaskID)
	if errors.Is(err, pmclient.ErrTaskNotFound) {
		_ = r.lock.Release()
		return nil, false, nil
	}
	if err != nil {
		// Treat a reachability failure the same as "task might not exist
		// anymore" (original: bare except -> release lock), since retaining
		// a lease the PM can't confirm risks an orphaned lock forever.
		_ = r.lock.Release()
		return nil, false, nil
	}
	if pmclient.IsTerminal(status) {
		r.log.Info().Str("task_id", lease.TaskID).Msg("task already completed, releasing lock")
		_ = r.lock.Release()
		return nil, false, nil
	}

	r.warnIfInstructionsDrifted(lease)

	return &pmclient.Task{ID: lease.TaskID, Title: lease.TaskTitle, Status: status, Role: r.cfg.Role, SkillLevel: r.cfg.SkillLevel}, true, nil
}

// warnIfInstructionsDrifted compares the role instructions file's current
// hash against the one recorded on the lease when it was taken, surfacing
// a warning when they diverge so an operator knows a resumed agent is
// running against instructions that changed underneath it.
func (r *Runner) warnIfInstructionsDrifted(lease tasklock.Lease) {
	if lease.InstructionsHash == "" || r.cfg.InstructionsPath == nil {
		return
	}
	path := r.cfg.InstructionsPath(r.cfg.Role)
	if path == "" {
		return
	}
	hash, err := executor.HashInstructions(path)
	if err != nil {
		return
	}
	if hash != lease.InstructionsHash {
		r.log.Warn().Str("task_id", lease.TaskID).Msg("role instructions changed since this lease was taken")
	}
}

func (r *Runner) getNextTask(ctx context.Context) (*pmclient.Task, error) {
	return r.client.GetNextTask(ctx, r.cfg.Role, r.cfg.SkillLevel, 3*time.Minute)
}

// executeTask runs the pre-hook/operator-gate/lock/worktree/execute/status-
// update/post-hook/cleanup/release sequence of spec.md §4.10.
func (r *Runner) executeTask(ctx context.Context, task pmclient.Task, recovered bool) error {
	start := time.Now()
	taskPayload := map[string]any{"id": task.ID, "title": task.Title, "role": task.Role}

	if !recovered {
		ok, reason := r.hook.RunPreTask(ctx, taskPayload)
		if !ok {
			choice := r.gate.Decide(reason)
			switch choice {
			case GateRelease:
				return r.lock.Release()
			case GateSkip:
				// proceed despite the hook failure
			case GateRetry:
				return r.executeTask(ctx, task, recovered)
			}
		}

		if err := r.client.LockTask(ctx, task.ID, r.cfg.AgentID); err != nil {
			r.log.Error().Err(err).Msg("failed to lock task in PM system")
			_ = r.lock.Release()
			return err
		}
	}

	cwd := r.cfg.RepoDir
	if task.Complexity == "major" {
		if path, err := r.setupWorktree(task.ID); err != nil {
			r.log.Warn().Err(err).Msg("worktree setup failed, continuing in current directory")
		} else {
			cwd = path
		}
	}

	instructionsPath := ""
	if r.cfg.InstructionsPath != nil {
		instructionsPath = r.cfg.InstructionsPath(r.cfg.Role)
	}
	if instructionsPath == "" {
		_ = r.lock.Release()
		return fmt.Errorf("runner: no instructions found for role %s", r.cfg.Role)
	}

	if hash, herr := executor.HashInstructions(instructionsPath); herr == nil {
		_ = r.lock.Update(func(l *tasklock.Lease) { l.InstructionsHash = hash })
	}

	skillLevel := task.SkillLevel
	if skillLevel == "" {
		skillLevel = r.cfg.SkillLevel
	}
	res, err := executor.ExecuteTask(ctx, r.exec, skillLevel, cwd, instructionsPath, r.cfg.LLMTimeout)
	elapsed := time.Since(start).Seconds()
	success := err == nil && res.OK
	if err != nil {
		r.log.Error().Err(err).Msg("subprocess execution error")
	} else if res.OK {
		status := pmclient.CompletionStatusForRole(r.cfg.Role)
		if uerr := r.client.UpdateTaskStatus(ctx, task.ID, status, r.cfg.AgentID, ""); uerr != nil {
			r.log.Error().Err(uerr).Msg("failed to update task status")
		}
	} else {
		r.log.Error().Str("message", res.Message).Msg("task execution failed")
	}

	_, _ = r.hook.RunPostTask(ctx, taskPayload, res.OK, elapsed)

	if cwd != r.cfg.RepoDir {
		if cerr := r.wt.Cleanup(task.ID); cerr != nil {
			r.log.Warn().Err(cerr).Msg("worktree cleanup failed")
		}
	}

	if !success {
		// Lease retained for retry: spec.md §4.10's state diagram and §7's
		// error table both require a failed execution to leave the lease in
		// place rather than release it, so a restart resumes the same task.
		if err != nil {
			return fmt.Errorf("runner: task %s execution failed: %w", task.ID, err)
		}
		return fmt.Errorf("runner: task %s execution failed: %s", task.ID, res.Message)
	}

	return r.lock.Release()
}

func (r *Runner) setupWorktree(taskID string) (string, error) {
	sha, err := gitutil.HeadSHA(r.cfg.RepoDir)
	if err != nil {
		return "", err
	}
	branch, err := r.wt.CreateBranchForTask(taskID, sha)
	if err != nil {
		return "", err
	}
	path, err := r.wt.CreateForTask(taskID, branch)
	if err != nil {
		return "", err
	}
	_ = r.lock.Update(func(l *tasklock.Lease) {
		l.WorktreePath = path
		l.BranchName = branch
	})
	return path, nil
}

func (r *Runner) runHealthCheck(ctx context.Context) {
	ok, msg := r.hook.RunHealthCheck(ctx)
	if ok {
		r.log.Info().Str("result", msg).Msg("health check passed")
	} else {
		r.log.Warn().Str("result", msg).Msg("health check reported a problem")
	}
	r.lastHealthCheck = time.Now()
}

func (r *Runner) shutdown() error {
	r.log.Warn().Msg("shutdown signal received, cleaning up")
	if r.lock.IsLocked() {
		_ = r.lock.Release()
	}
	if err := r.client.DeleteAgent(context.Background(), r.cfg.AgentID); err != nil {
		r.log.Warn().Err(err).Msg("failed to unregister agent during shutdown")
	}
	return nil
}
