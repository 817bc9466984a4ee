// Package config assembles process configuration from environment
// variables into one struct, read once at startup by both entrypoints
// (spec.md §6, SPEC_FULL §10/§13).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every environment-derived setting the core consumes.
type Config struct {
	ServicePort int
	BaseURL     string // overrides scheme://host:port entirely if set (HEADLESS_PM_URL)
	APIKey      string

	NoAutostart    bool
	LaunchCommand  string // HEADLESS_PM_COMMAND override
	SpawnDir       string // HEADLESS_PM_DIR
	FromMCP        bool   // HEADLESS_PM_FROM_MCP, set on spawned children

	HookTimeout         time.Duration
	LLMTimeout          time.Duration
	HealthCheckInterval time.Duration
	TaskCheckInterval   time.Duration

	WorktreeBase    string
	HooksDir        string
	OperatorPolicy  string // path to yaml policy file; empty = interactive/auto-skip
	TaskSchemaPath  string // path to JSON Schema for task payload validation; empty = disabled

	LogFormat string // "console" or "json"
	LogLevel  string

	RoleInstructionsDir string
}

const (
	defaultServicePort  = 6969
	defaultWorktreeBase = "headless-pm-worktrees"
	defaultHooksDir     = "./hooks"
)

// Load reads Config from the process environment, applying the defaults
// documented in spec.md §6 and SPEC_FULL §13.
func Load() (*Config, error) {
	c := &Config{
		ServicePort:         envInt("SERVICE_PORT", defaultServicePort),
		BaseURL:             os.Getenv("HEADLESS_PM_URL"),
		APIKey:              firstNonEmpty(os.Getenv("HEADLESS_PM_API_KEY"), os.Getenv("API_KEY_HEADLESS_PM"), os.Getenv("API_KEY")),
		NoAutostart:         os.Getenv("HEADLESS_PM_NO_AUTOSTART") != "",
		LaunchCommand:       os.Getenv("HEADLESS_PM_COMMAND"),
		SpawnDir:            os.Getenv("HEADLESS_PM_DIR"),
		FromMCP:             os.Getenv("HEADLESS_PM_FROM_MCP") != "",
		HookTimeout:         envSeconds("HEADLESS_PM_HOOK_TIMEOUT", 30),
		LLMTimeout:          envSeconds("HEADLESS_PM_CLAUDE_TIMEOUT", 600),
		HealthCheckInterval: envSeconds("HEADLESS_PM_HEALTH_CHECK_INTERVAL", 300),
		TaskCheckInterval:   envSeconds("HEADLESS_PM_TASK_CHECK_INTERVAL", 30),
		WorktreeBase:        envString("HEADLESS_PM_WORKTREE_BASE", filepath.Join(os.TempDir(), defaultWorktreeBase)),
		HooksDir:            envString("HEADLESS_PM_HOOKS_DIR", defaultHooksDir),
		OperatorPolicy:      os.Getenv("HEADLESS_PM_OPERATOR_POLICY"),
		TaskSchemaPath:      os.Getenv("HEADLESS_PM_TASK_SCHEMA"),
		LogFormat:           envString("HEADLESS_PM_LOG_FORMAT", "console"),
		LogLevel:            envString("HEADLESS_PM_LOG_LEVEL", "info"),
		RoleInstructionsDir: findRoleInstructionsDir(),
	}
	return c, nil
}

// Validate fails fast with a clear message, mirroring the original's
// Config.validate() (SPEC_FULL §12).
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("no API key found: set HEADLESS_PM_API_KEY, API_KEY_HEADLESS_PM, or API_KEY")
	}
	if c.RoleInstructionsDir == "" {
		return errors.New("role instructions directory not found")
	}
	return nil
}

// InstructionsPath returns the path to a role's instructions file, or ""
// if the role has none (spec.md §4.8 step 3).
func (c *Config) InstructionsPath(role string) string {
	if c.RoleInstructionsDir == "" {
		return ""
	}
	p := filepath.Join(c.RoleInstructionsDir, role+".md")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func findRoleInstructionsDir() string {
	candidates := []string{
		"team_roles",
		"agent_instructions",
		filepath.Join("agents", "team_roles"),
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for _, c := range candidates {
		p := filepath.Join(cwd, c)
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p
		}
	}
	return ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// EffectiveBaseURL returns BaseURL if set, otherwise the default local PM
// URL built from ServicePort.
func (c *Config) EffectiveBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("http://localhost:%d", c.ServicePort)
}
