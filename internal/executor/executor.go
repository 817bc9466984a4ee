// Package executor implements the Subprocess Executor (spec.md C8): LLM
// subprocess invocation with input piping, timeout enforcement, and
// exit-status interpretation. Grounded on the original's ClaudeExecutor
// (claude_executor.py).
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/zeebo/blake3"
)

// defaultCandidatePaths mirrors _find_claude_command: probe well-known install
// locations before falling back to PATH resolution. Treated as
// configuration per spec.md §9 ("developer-machine-specific paths... should
// be treated as configuration, not code") — callers may override via
// NewWithBinaryCandidates.
var defaultCandidatePaths = []string{
	"{{HOME}}/.claude/bin/claude",
	"/usr/local/bin/claude",
}

// Executor locates and drives the LLM subprocess.
type Executor struct {
	binaryCandidates []string
	binaryName       string // PATH-resolved fallback name, e.g. "claude"
}

// New returns an Executor using the default candidate search path.
func New(binaryName string) *Executor {
	return &Executor{binaryCandidates: defaultCandidatePaths, binaryName: binaryName}
}

// NewWithBinaryCandidates overrides the candidate search list.
func NewWithBinaryCandidates(binaryName string, candidates []string) *Executor {
	return &Executor{binaryCandidates: candidates, binaryName: binaryName}
}

// ResolveBinary finds the LLM CLI: sequential probe of documented paths,
// falling back to PATH resolution (spec.md §4.8 step 1).
func (e *Executor) ResolveBinary() (string, error) {
	home, _ := os.UserHomeDir()
	for _, c := range e.binaryCandidates {
		p := expandHome(c, home)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	if path, err := exec.LookPath(e.binaryName); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("executor: %s not found in candidate paths or PATH", e.binaryName)
}

func expandHome(p, home string) string {
	const marker = "{{HOME}}"
	if home == "" {
		return p
	}
	out := p
	for i := 0; i+len(marker) <= len(out); i++ {
		if out[i:i+len(marker)] == marker {
			out = out[:i] + home + out[i+len(marker):]
			break
		}
	}
	return out
}

// VerifyAvailable probes the resolved binary with a cheap flag to confirm
// it starts before committing to a task (spec.md §12, verify_claude_available).
func (e *Executor) VerifyAvailable(ctx context.Context) (string, error) {
	bin, err := e.ResolveBinary()
	if err != nil {
		return "", err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, bin, "--version")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("executor: %s --version failed: %w", bin, err)
	}
	return fmt.Sprintf("claude available at %s", bin), nil
}

// ModelForSkillLevel maps a skill level to a model class (spec.md §4.8
// step 2): principal -> opus-class, else sonnet-class; unknown -> default.
func ModelForSkillLevel(skillLevel string) string {
	switch skillLevel {
	case "principal":
		return "claude-3-opus-20240229"
	case "junior", "senior":
		return "claude-3-5-sonnet-20241022"
	default:
		return "claude-3-5-sonnet-20241022"
	}
}

// BuildCommandArgs is the pure function from (binary, modelID) to argv,
// promoted to a named operation per SPEC_FULL §12.
func BuildCommandArgs(binary, modelID string) []string {
	return []string{binary, "--model", modelID, "--dangerously-skip-permissions"}
}

// Result is the outcome of ExecuteTask.
type Result struct {
	OK                 bool
	Message            string
	InstructionsHash   string
}

// ErrTimeout indicates the subprocess was killed after exceeding timeout.
var ErrTimeout = errors.New("executor: subprocess timed out")

// HashInstructions returns the hex blake3 digest of the instructions file
// at path, used both by ExecuteTask (recorded on the lease) and by crash
// recovery to detect that a role's instructions changed underneath a
// resumed lease (spec.md §4.10, SPEC_FULL §11).
func HashInstructions(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("executor: read instructions %s: %w", path, err)
	}
	hash := blake3.Sum256(b)
	return fmt.Sprintf("%x", hash), nil
}

// ExecuteTask spawns the LLM binary against instructionsPath, piping the
// instructions on stdin, in cwd, enforcing timeout (spec.md §4.8 steps
// 3-6).
func ExecuteTask(ctx context.Context, e *Executor, skillLevel, cwd, instructionsPath string, timeout time.Duration) (Result, error) {
	instructions, err := os.ReadFile(instructionsPath)
	if err != nil {
		return Result{}, fmt.Errorf("executor: read instructions %s: %w", instructionsPath, err)
	}

	binary, err := e.ResolveBinary()
	if err != nil {
		return Result{}, err
	}
	model := ModelForSkillLevel(skillLevel)
	argv := BuildCommandArgs(binary, model)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdin = bytes.NewReader(instructions)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	hash := blake3.Sum256(instructions)
	hashHex := fmt.Sprintf("%x", hash)

	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{OK: false, Message: "LLM subprocess timed out", InstructionsHash: hashHex}, ErrTimeout
	}
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("LLM subprocess failed: %v: %s", err, stderr.String()), InstructionsHash: hashHex}, nil
	}
	return Result{OK: true, Message: "task executed successfully", InstructionsHash: hashHex}, nil
}
