// Package pmlog centralizes structured logging for pmcore. It wraps
// zerolog the way a child logger is expected to be derived per component,
// so every package logs with consistent fields instead of ad-hoc strings.
package pmlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init must be called once before
// any component constructs a child logger from it.
var Logger zerolog.Logger

// Level names accepted by Init, matching HEADLESS_PM_LOG_LEVEL (SPEC_FULL §13).
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the base logger.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init sets up the package-wide Logger. Safe to call more than once (tests
// redirect Output per-case).
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning component,
// e.g. "registry", "supervisor", "runner".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAgentID tags a child logger with the agent identifier driving the
// task loop (C10).
func WithAgentID(agentID string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Logger()
}

// WithPort tags a child logger with the PM server port under coordination
// (C2/C4/C5/C11/C12).
func WithPort(port int) zerolog.Logger {
	return Logger.With().Int("port", port).Logger()
}

// WithPID tags a child logger with a process identifier under discussion
// (the local process, a peer, or a spawned/owned server).
func WithPID(pid int) zerolog.Logger {
	return Logger.With().Int("pid", pid).Logger()
}
