// Command pmsupervisor ensures a PM server is reachable on the resolved
// port, spawning one when necessary, and can later tear it down safely
// (spec.md C11/C12). Signal handling follows the original kilroy
// cmd/kilroy entrypoint's cancel-on-SIGINT/SIGTERM idiom.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/headless-pm/pmcore/internal/config"
	"github.com/headless-pm/pmcore/internal/pmlog"
	"github.com/headless-pm/pmcore/internal/registry"
	"github.com/headless-pm/pmcore/internal/shutdown"
	"github.com/headless-pm/pmcore/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultRegistryPath() string {
	return os.TempDir() + "/headless-pm-registry.json"
}

// defaultClientID returns a lexicographically time-sortable identifier
// for this MCP client session, so registry.json entries and log lines
// for concurrent clients order the same way.
func defaultClientID() string {
	return ulid.Make().String()
}

func newRootCmd() *cobra.Command {
	var registryPath string

	root := &cobra.Command{
		Use:   "pmsupervisor",
		Short: "Ensure a PM server is running, or query/stop one it owns",
	}
	root.PersistentFlags().StringVar(&registryPath, "registry", defaultRegistryPath(), "path to the shared process registry document")

	root.AddCommand(newEnsureCmd(&registryPath))
	root.AddCommand(newStopCmd(&registryPath))
	root.AddCommand(newRegistryCmd(&registryPath))
	return root
}

func newEnsureCmd(registryPath *string) *cobra.Command {
	var (
		instanceID  string
		clientID    string
		repository  string
		noAutostart bool
	)
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Connect to an existing PM server or spawn one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pmlog.Init(pmlog.Config{Level: pmlog.Level(cfg.LogLevel), JSON: cfg.LogFormat == "json"})
			log := pmlog.WithComponent("pmsupervisor")

			if clientID == "" {
				clientID = defaultClientID()
			}

			s := supervisor.New(supervisor.Config{
				RequestedPort:   cfg.ServicePort,
				InstanceID:      instanceID,
				PortEnvVar:      "SERVICE_PORT",
				RegistryPath:    *registryPath,
				ClientID:        clientID,
				Repository:      repository,
				NoAutostart:     noAutostart || cfg.NoAutostart,
				CommandOverride: cfg.LaunchCommand,
				SpawnDir:        cfg.SpawnDir,
				APIKeyEnv:       "HEADLESS_PM_API_KEY",
			})

			ctx, cancel := context.WithTimeout(signalCancelContext(), 30*time.Second)
			defer cancel()

			outcome, err := s.Ensure(ctx)
			if err != nil {
				if errors.Is(err, supervisor.ErrAutoStartSuppressed) {
					log.Warn().Msg("no server reachable and auto-start is suppressed")
				}
				if errors.Is(err, supervisor.ErrRateLimited) {
					log.Error().Msg("startup rate limit exceeded, refusing to spawn another server")
				}
				return err
			}

			log.Info().
				Int("port", s.Port()).
				Int("pid", outcome.PID).
				Bool("owned", outcome.Owned).
				Bool("connected", outcome.Connected).
				Msg("pm server ready")
			fmt.Fprintf(cmd.OutOrStdout(), "port=%d pid=%d owned=%t\n", s.Port(), outcome.PID, outcome.Owned)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "offsets the resolved port deterministically for parallel instances")
	cmd.Flags().StringVar(&clientID, "client-id", "", "MCP client identifier (default: a generated ULID)")
	cmd.Flags().StringVar(&repository, "repository", "", "repository path recorded against the spawned server")
	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "fail instead of spawning a server when none is reachable")
	return cmd
}

func newStopCmd(registryPath *string) *cobra.Command {
	var (
		pid         int
		recordedAgo time.Duration
		cmdlineHint string
		grace       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a registered PM server after verifying it hasn't been PID-recycled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid == 0 {
				return fmt.Errorf("pmsupervisor: --pid is required")
			}
			coord := shutdown.New(*registryPath)
			recordedStart := time.Now().Add(-recordedAgo)
			return coord.UnregisterAndMaybeStop(pid, registry.TypeMCPClient, recordedStart, cmdlineHint, grace)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "PID to unregister and, if owned, stop")
	cmd.Flags().DurationVar(&recordedAgo, "started-ago", 0, "how long ago the registry recorded this PID starting, for PID-reuse verification")
	cmd.Flags().StringVar(&cmdlineHint, "cmdline-hint", "", "substring expected in the PID's command line")
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "SIGTERM grace period before escalating to SIGKILL")
	return cmd
}

func newRegistryCmd(registryPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "Inspect the shared process registry"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print registered API servers and MCP clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(*registryPath)
			status := reg.GetStatus()
			fmt.Fprintf(cmd.OutOrStdout(), "path: %s\n", status.Path)
			if status.PrimaryAPI != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "primary_api: %d\n", *status.PrimaryAPI)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "api_servers: %v\n", status.APIServers)
			fmt.Fprintf(cmd.OutOrStdout(), "mcp_clients: %v\n", status.MCPClients)
			fmt.Fprintf(cmd.OutOrStdout(), "total: %d\n", status.TotalProcesses)
			return nil
		},
	})
	return cmd
}

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
