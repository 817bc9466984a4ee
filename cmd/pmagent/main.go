// Command pmagent runs one agent's crash-safe task loop against the PM
// service (spec.md C10). Signal handling follows the original kilroy
// cmd/kilroy entrypoint's cancel-on-SIGINT/SIGTERM idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/headless-pm/pmcore/internal/config"
	"github.com/headless-pm/pmcore/internal/pmclient"
	"github.com/headless-pm/pmcore/internal/pmlog"
	"github.com/headless-pm/pmcore/internal/runner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		role         string
		agentID      string
		skillLevel   string
		repoDir      string
		singleTask   bool
		operatorAuto bool
	)

	root := &cobra.Command{
		Use:   "pmagent",
		Short: "Run an agent's continuous task loop against the PM service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			pmlog.Init(pmlog.Config{
				Level: pmlog.Level(cfg.LogLevel),
				JSON:  cfg.LogFormat == "json",
			})
			log := pmlog.WithAgentID(agentID)

			client := pmclient.New(cfg.EffectiveBaseURL(), cfg.APIKey)
			if err := client.LoadTaskSchema(cfg.TaskSchemaPath); err != nil {
				return err
			}

			gate, err := resolveGate(cfg, operatorAuto)
			if err != nil {
				return err
			}

			r, err := runner.New(runner.Config{
				Role:                role,
				AgentID:             agentID,
				SkillLevel:          skillLevel,
				HealthCheckInterval: cfg.HealthCheckInterval,
				TaskCheckInterval:   cfg.TaskCheckInterval,
				LLMTimeout:          cfg.LLMTimeout,
				WorktreeBase:        cfg.WorktreeBase,
				HooksDir:            cfg.HooksDir,
				HookTimeout:         cfg.HookTimeout,
				RepoDir:             repoDir,
				InstructionsPath:    cfg.InstructionsPath,
			}, client, gate)
			if err != nil {
				return err
			}

			ctx := signalCancelContext()
			if err := r.Register(ctx); err != nil {
				return fmt.Errorf("pmagent: register: %w", err)
			}

			if singleTask {
				log.Info().Msg("running single task")
				return r.RunSingleTask(ctx)
			}
			log.Info().Msg("starting continuous task loop")
			return r.RunContinuous(ctx)
		},
	}

	root.Flags().StringVar(&role, "role", "backend_dev", "agent role (e.g. backend_dev, qa, architect)")
	root.Flags().StringVar(&agentID, "agent-id", defaultAgentID(), "stable agent identifier")
	root.Flags().StringVar(&skillLevel, "skill-level", "senior", "skill level advertised to the PM service")
	root.Flags().StringVar(&repoDir, "repo", ".", "repository directory this agent operates in")
	root.Flags().BoolVar(&singleTask, "single-task", false, "process at most one task then exit")
	root.Flags().BoolVar(&operatorAuto, "auto-gate", false, "use the policy-file AutoGate instead of an interactive prompt")

	root.AddCommand(newHooksCmd())
	return root
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}

// resolveGate picks the Operator Gate per SPEC_FULL §13's
// HEADLESS_PM_OPERATOR_POLICY row: an explicit policy file always wins;
// otherwise an interactive prompt only when stdin is actually a terminal,
// else auto-skip, since a headless or MCP-spawned agent has no operator to
// answer a prompt that would otherwise wedge it indefinitely.
func resolveGate(cfg *config.Config, forceAuto bool) (runner.OperatorGate, error) {
	if cfg.OperatorPolicy != "" {
		policy, err := runner.LoadPolicy(cfg.OperatorPolicy)
		if err != nil {
			return nil, fmt.Errorf("pmagent: load operator policy: %w", err)
		}
		return runner.AutoGate{Policy: policy}, nil
	}
	if forceAuto || !term.IsTerminal(int(os.Stdin.Fd())) {
		return runner.NewAutoGate(), nil
	}
	return runner.NewInteractiveGate(), nil
}

// signalCancelContext returns a context cancelled on SIGINT or SIGTERM,
// letting the runner's main loop unwind cleanly (lease release, agent
// unregistration) instead of dying mid-task.
func signalCancelContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}
