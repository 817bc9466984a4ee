// Package supervisor implements the Supervisor / Auto-Start sequence
// (spec.md C11): connection-first API availability, coordinating with
// peers through the Process Registry before ever spawning a PM server.
// Grounded on the original's HeadlessPMMCPServer.ensure_api_available and
// its supporting _find_api_server_pid / _is_mcp_spawned_context /
// _get_venv_commands helpers (src/mcp/server.py).
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/headless-pm/pmcore/internal/pmlog"
	"github.com/headless-pm/pmcore/internal/portalloc"
	"github.com/headless-pm/pmcore/internal/procutil"
	"github.com/headless-pm/pmcore/internal/ratelimit"
	"github.com/headless-pm/pmcore/internal/registry"
)

// mcpEnvMarkers are environment variables whose presence alone proves an
// MCP-spawned context (spec.md §4.11, original's _is_mcp_spawned_context).
var mcpEnvMarkers = []string{"HEADLESS_PM_FROM_MCP", "MCP_CLIENT_ID", "_MCP_SERVER_RUNNING"}

// mcpCmdlinePatterns are substrings that identify an ancestor process as an
// MCP server/supervisor.
var mcpCmdlinePatterns = []string{"src.mcp", "mcp/server", "mcp_server", "headless-pm-mcp", "mcp.server"}

// maxAncestryLevels bounds the parent-chain walk (spec.md §4.11).
const maxAncestryLevels = 3

// IsMCPSpawnedContext reports whether this process appears to be running
// inside an MCP-spawned supervisor chain, in which case only API-only
// launch commands are safe to use (never recurse into another supervisor).
// Detection errors default to true — the safer, more restrictive answer.
func IsMCPSpawnedContext() bool {
	for _, marker := range mcpEnvMarkers {
		if os.Getenv(marker) != "" {
			return true
		}
	}

	pid := os.Getpid()
	for level := 0; level < maxAncestryLevels; level++ {
		ppid, err := procutil.ParentPID(pid)
		if err != nil || ppid <= 0 {
			return level == 0 // no ancestry info at all: assume worst case only once
		}
		cmdline, err := procutil.ReadPIDCmdline(ppid)
		if err != nil {
			return true // can't verify; fail closed per spec.md §4.11
		}
		lower := strings.ToLower(cmdline)
		for _, pattern := range mcpCmdlinePatterns {
			if strings.Contains(lower, pattern) {
				return true
			}
		}
		pid = ppid
	}
	return false
}

// Config bundles the per-invocation settings Ensure needs.
type Config struct {
	RequestedPort   int    // base port before C5 resolution
	InstanceID      string // offsets RequestedPort deterministically (spec.md §4.5)
	PortEnvVar      string // env var overriding port resolution entirely
	RegistryPath    string
	ClientID        string
	Repository      string
	NoAutostart     bool
	CommandOverride string // HEADLESS_PM_COMMAND
	SpawnDir        string
	APIKeyEnv       string // env var name carrying the API key, forwarded to the spawned child unchanged
}

// Outcome reports how the PM server became available.
type Outcome struct {
	PID        int
	StartedAt  time.Time
	Owned      bool // true iff this process spawned the server and is responsible for C12
	Connected  bool // true iff an existing server was found rather than spawned
}

// Supervisor drives Ensure for one (port, registry) pair.
type Supervisor struct {
	cfg     Config
	port    int
	baseURL string
	reg     *registry.Registry
	rl      *ratelimit.Limiter
}

// New returns a Supervisor for cfg, resolving the target port via C5
// (spec.md §4.5) before any registry or network activity.
func New(cfg Config) *Supervisor {
	port := portalloc.Choose(cfg.RequestedPort, cfg.InstanceID, cfg.PortEnvVar)
	return &Supervisor{
		cfg:     cfg,
		port:    port,
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		reg:     registry.New(cfg.RegistryPath),
		rl:      ratelimit.New(cfg.RegistryPath),
	}
}

// Port returns the C5-resolved port this Supervisor coordinates.
func (s *Supervisor) Port() int { return s.port }

// ErrAutoStartSuppressed is returned when no server is reachable and
// Config.NoAutostart forbids spawning one.
var ErrAutoStartSuppressed = fmt.Errorf("supervisor: auto-start suppressed and no existing server found")

// ErrRateLimited is returned when C4 rejects a startup attempt.
var ErrRateLimited = fmt.Errorf("supervisor: startup rate limit exceeded (possible fork bomb)")

// Ensure runs the full C11 sequence and returns how the server became
// reachable.
func (s *Supervisor) Ensure(ctx context.Context) (Outcome, error) {
	logger := pmlog.WithComponent("supervisor")

	if err := s.reg.PruneStale(); err != nil {
		logger.Warn().Err(err).Msg("prune_stale failed, continuing")
	}

	if outcome, ok := s.probeExisting(ctx); ok {
		logger.Info().Int("pid", outcome.PID).Msg("connected to existing PM server")
		return outcome, nil
	}

	shouldStart, err := s.reg.RegisterMCPClient(os.Getpid(), s.cfg.ClientID)
	if err != nil {
		return Outcome{}, fmt.Errorf("supervisor: register_mcp_client: %w", err)
	}
	if !shouldStart {
		if outcome, ok := s.waitForPeerStart(ctx, 10*time.Second); ok {
			return outcome, nil
		}
	}

	if s.cfg.NoAutostart {
		return Outcome{}, ErrAutoStartSuppressed
	}

	allowed, err := s.rl.CheckStartup(s.port)
	if err != nil {
		return Outcome{}, fmt.Errorf("supervisor: check_startup rate limit: %w", err)
	}
	if !allowed {
		return Outcome{}, ErrRateLimited
	}

	cmd, err := s.discoverLaunchCommand()
	if err != nil {
		return Outcome{}, err
	}

	if err := s.preflight(cmd); err != nil {
		return Outcome{}, fmt.Errorf("supervisor: preflight failed: %w", err)
	}

	return s.spawnAndWait(ctx, cmd)
}

// probeExisting checks /health on the configured port (spec.md §4.11 step 2).
func (s *Supervisor) probeExisting(ctx context.Context) (Outcome, bool) {
	if !s.healthOK(ctx, 5*time.Second) {
		return Outcome{}, false
	}
	pid := procutil.PortOwnerPID(s.port)
	if pid <= 0 {
		return Outcome{Connected: true}, true
	}
	start, err := procutil.ReadPIDStartTime(pid)
	if err != nil {
		return Outcome{PID: pid, Connected: true}, true
	}
	return Outcome{PID: pid, StartedAt: start, Connected: true}, true
}

func (s *Supervisor) waitForPeerStart(ctx context.Context, timeout time.Duration) (Outcome, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if outcome, ok := s.probeExisting(ctx); ok {
			return outcome, true
		}
		select {
		case <-ctx.Done():
			return Outcome{}, false
		case <-time.After(250 * time.Millisecond):
		}
	}
	return Outcome{}, false
}

func (s *Supervisor) healthOK(ctx context.Context, timeout time.Duration) bool {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// discoverLaunchCommand implements spec.md §4.11 step 6's priority list.
func (s *Supervisor) discoverLaunchCommand() ([]string, error) {
	if s.cfg.CommandOverride != "" {
		parts := strings.Fields(s.cfg.CommandOverride)
		if s.testCommand(parts) {
			return parts, nil
		}
		return nil, fmt.Errorf("supervisor: configured command %q failed --help probe", s.cfg.CommandOverride)
	}

	var candidates [][]string
	if IsMCPSpawnedContext() {
		candidates = s.apiOnlyCommands()
	} else {
		candidates = append(s.apiOnlyCommands(), s.generalCommands()...)
	}

	for _, c := range candidates {
		if s.testCommand(c) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("supervisor: no working launch command found (mcp_context=%v)", IsMCPSpawnedContext())
}

// apiOnlyCommands never recursively spawns another supervisor (spec.md
// §4.11's contextual rule); grounded on the original's _get_venv_api_commands.
func (s *Supervisor) apiOnlyCommands() [][]string {
	var out [][]string
	for _, venv := range []string{".venv", "venv", "claude_venv"} {
		py := venv + "/bin/python"
		if fileExecutable(py) {
			out = append(out, []string{py, "-m", "src.main"})
		}
	}
	if path, err := exec.LookPath("headless-pm-api"); err == nil {
		out = append(out, []string{path})
	}
	return out
}

// generalCommands may include the full headless-pm entrypoint, grounded on
// the original's _get_venv_commands; only tried outside MCP context.
func (s *Supervisor) generalCommands() [][]string {
	var out [][]string
	for _, venv := range []string{".venv", "venv", "claude_venv"} {
		bin := venv + "/bin/headless-pm"
		if fileExecutable(bin) {
			out = append(out, []string{bin})
		}
	}
	if path, err := exec.LookPath("headless-pm"); err == nil {
		out = append(out, []string{path})
	}
	return out
}

func fileExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0
}

// testCommand validates a candidate with a cheap --help probe (spec.md
// §4.11 step 6), using an environment stripped of fork-bomb protection
// markers so the probe behaves like a cold start.
func (s *Supervisor) testCommand(cmd []string) bool {
	if len(cmd) == 0 {
		return false
	}
	if strings.Contains(cmd[0], "/") {
		if !fileExecutable(cmd[0]) {
			return false
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	args := append(append([]string{}, cmd[1:]...), "--help")
	c := exec.CommandContext(ctx, cmd[0], args...)
	c.Env = scrubbedEnv(false)
	return c.Run() == nil
}

// preflight validates spec.md §4.11 step 7's checklist short of a full DB
// connectivity test, which is out of scope without a configured DB driver.
func (s *Supervisor) preflight(cmd []string) error {
	if !fileExecutable(cmd[0]) {
		if _, err := exec.LookPath(cmd[0]); err != nil {
			return fmt.Errorf("binary %s not found or not executable", cmd[0])
		}
	}
	dir := s.cfg.SpawnDir
	if dir == "" {
		dir = "."
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("working directory %s not usable: %v", dir, err)
	}
	if !portProbablyFree(s.port) {
		return fmt.Errorf("port %d appears to be in use by a non-PM process", s.port)
	}
	return nil
}

func portProbablyFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// scrubbedEnv returns a copy of the process environment with recursion
// markers removed, optionally setting HEADLESS_PM_FROM_MCP=1 for a real
// spawn (spec.md §4.11 step 8).
func scrubbedEnv(markAsChild bool) []string {
	var out []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "HEADLESS_PM_FROM_MCP=") || strings.HasPrefix(kv, "MCP_CLIENT_ID=") {
			continue
		}
		out = append(out, kv)
	}
	if markAsChild {
		out = append(out, "HEADLESS_PM_FROM_MCP=1")
	}
	return out
}

// spawnAndWait launches cmd with a scrubbed environment and polls /health
// for up to ~15s (spec.md §4.11 steps 8-9).
func (s *Supervisor) spawnAndWait(ctx context.Context, launch []string) (Outcome, error) {
	c := exec.Command(launch[0], launch[1:]...)
	c.Dir = s.cfg.SpawnDir
	c.Env = append(scrubbedEnv(true), fmt.Sprintf("SERVICE_PORT=%d", s.port))
	c.Stdout = nil // detach; suppress
	var stderr bytes.Buffer
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return Outcome{}, fmt.Errorf("supervisor: spawn %v: %w", launch, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- c.Wait() }()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			return Outcome{}, fmt.Errorf("supervisor: spawned process exited before becoming ready: %v: %s", err, stderr.String())
		default:
		}
		if s.healthOK(ctx, 1*time.Second) {
			pid := procutil.PortOwnerPID(s.port)
			if pid <= 0 {
				pid = c.Process.Pid
			}
			start, err := procutil.ReadPIDStartTime(pid)
			if err != nil {
				start = time.Now()
			}
			if err := s.reg.RegisterAPIServer(pid, s.cfg.Repository); err != nil {
				pmlog.WithComponent("supervisor").Warn().Err(err).Msg("failed to record spawned API server in registry")
			}
			return Outcome{PID: pid, StartedAt: start, Owned: true}, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	_ = c.Process.Kill()
	return Outcome{}, fmt.Errorf("supervisor: spawned process never became healthy within 15s: %s", stderr.String())
}
