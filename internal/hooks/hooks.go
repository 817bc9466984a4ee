// Package hooks implements the Hook Runner (spec.md C9): optional
// pre/post/health-check scripts invoked by logical name with JSON stdin
// and a short timeout. Grounded on the original's HookRunner
// (hook_runner.py) and kilroy's engine/tool_hooks.go invocation style.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Name identifies a hook by its logical role.
type Name string

const (
	PreTask     Name = "pre_task"
	PostTask    Name = "post_task"
	HealthCheck Name = "health_check"
)

// candidateExtensions is the lookup order for a hook script: .sh, then .py,
// then extensionless.
var candidateExtensions = []string{".sh", ".py", ""}

// Runner executes hooks found under Dir.
type Runner struct {
	Dir     string
	Timeout time.Duration
}

// New returns a Runner rooted at dir with the given per-invocation timeout
// (spec.md §6 HEADLESS_PM_HOOK_TIMEOUT, default 30s).
func New(dir string, timeout time.Duration) *Runner {
	return &Runner{Dir: dir, Timeout: timeout}
}

// resolve locates the script file for name, or "" if absent. Absence ≡
// success per spec.md §4.9.
func (r *Runner) resolve(name Name) string {
	for _, ext := range candidateExtensions {
		p := filepath.Join(r.Dir, string(name)+ext)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// run invokes the script at path with ctxJSON piped to stdin, ensuring the
// executable bit first, returning success iff exit code 0.
func (r *Runner) run(ctx context.Context, path string, payload map[string]any) (bool, string, error) {
	if err := ensureExecutable(path); err != nil {
		return false, "", fmt.Errorf("hooks: chmod %s: %w", path, err)
	}
	stdinJSON, err := json.Marshal(payload)
	if err != nil {
		return false, "", fmt.Errorf("hooks: marshal payload: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var interpreter []string
	if filepath.Ext(path) == ".py" {
		interpreter = []string{"python3", path}
	} else {
		interpreter = []string{path}
	}
	cmd := exec.CommandContext(runCtx, interpreter[0], interpreter[1:]...)
	cmd.Stdin = bytes.NewReader(stdinJSON)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	return err == nil, out.String(), nil
}

func ensureExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&0o111 == 0 {
		return os.Chmod(path, fi.Mode()|0o111)
	}
	return nil
}

// RunPreTask runs the pre_task hook, blocking the task on failure (spec.md
// §4.9, §4.10 Operator Gate). Absence is success.
func (r *Runner) RunPreTask(ctx context.Context, task map[string]any) (bool, string) {
	path := r.resolve(PreTask)
	if path == "" {
		return true, "no pre_task hook configured"
	}
	ok, out, err := r.run(ctx, path, task)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("pre_task hook failed: %s", out)
	}
	return true, "pre_task hook passed"
}

// RunPostTask runs the post_task hook; failures are logged by the caller,
// never propagated (spec.md §4.9 advisory).
func (r *Runner) RunPostTask(ctx context.Context, task map[string]any, success bool, executionSeconds float64) (bool, string) {
	path := r.resolve(PostTask)
	if path == "" {
		return true, "no post_task hook configured"
	}
	payload := map[string]any{"task": task, "success": success, "execution_seconds": executionSeconds}
	ok, out, err := r.run(ctx, path, payload)
	if err != nil {
		return false, err.Error()
	}
	return ok, out
}

// RunHealthCheck runs the periodic health_check hook; advisory only
// (spec.md §4.9, §4.10).
func (r *Runner) RunHealthCheck(ctx context.Context) (bool, string) {
	path := r.resolve(HealthCheck)
	if path == "" {
		return true, "no health_check hook configured"
	}
	ok, out, err := r.run(ctx, path, map[string]any{})
	if err != nil {
		return false, err.Error()
	}
	return ok, out
}

// ListAvailable returns the logical hook names present under Dir (spec.md
// §12, list_available_hooks).
func (r *Runner) ListAvailable() []Name {
	var found []Name
	for _, n := range []Name{PreTask, PostTask, HealthCheck} {
		if r.resolve(n) != "" {
			found = append(found, n)
		}
	}
	return found
}

// ValidateHooks confirms required hook files exist and are executable
// without running them (spec.md §12, validate_hooks). required names that
// are absent are reported but not treated as Runner errors; the caller
// decides whether that's fatal.
func (r *Runner) ValidateHooks(required []Name) map[Name]error {
	results := make(map[Name]error, len(required))
	for _, n := range required {
		path := r.resolve(n)
		if path == "" {
			results[n] = fmt.Errorf("hooks: %s not found under %s", n, r.Dir)
			continue
		}
		if err := ensureExecutable(path); err != nil {
			results[n] = err
		} else {
			results[n] = nil
		}
	}
	return results
}

// FindByGlob discovers ad-hoc hook scripts under Dir beyond the three
// logical names, e.g. a "**/*.sh" sweep for a `pmagent hooks list`
// diagnostic (SPEC_FULL §11, doublestar wiring).
func (r *Runner) FindByGlob(pattern string) ([]string, error) {
	return doublestar.Glob(os.DirFS(r.Dir), pattern)
}
