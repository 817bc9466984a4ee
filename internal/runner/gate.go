package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultGateTimeout bounds how long InteractiveGate waits on stdin before
// giving up and auto-skipping, so a headless or disconnected terminal never
// wedges the task loop indefinitely (spec.md §4.10, kilroy's
// confirmCLIHeadlessWarning idiom extended with a timeout).
const defaultGateTimeout = 60 * time.Second

// InteractiveGate prompts on In/Out for a decision when a pre-task hook
// fails, for use when stdin is a TTY (spec.md §4.10).
type InteractiveGate struct {
	In      io.Reader
	Out     io.Writer
	Timeout time.Duration
}

// NewInteractiveGate returns a gate reading from stdin and writing to
// stdout, with the default prompt timeout.
func NewInteractiveGate() InteractiveGate {
	return InteractiveGate{In: os.Stdin, Out: os.Stdout, Timeout: defaultGateTimeout}
}

// Decide prompts the operator to retry, skip, or release the task, auto-
// skipping if no answer arrives within Timeout, on EOF, or on unrecognized
// input — a silently-wedged prompt is worse than a wrong guess toward the
// safer "skip and keep going" outcome (spec.md §4.10).
func (g InteractiveGate) Decide(reason string) GateChoice {
	fmt.Fprintf(g.Out, "pre-task hook failed: %s\n[r]etry, [s]kip, re[l]ease? ", reason)

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}

	answered := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(g.In)
		if scanner.Scan() {
			answered <- scanner.Text()
			return
		}
		answered <- ""
	}()

	select {
	case line := <-answered:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "retry":
			return GateRetry
		case "s", "skip":
			return GateSkip
		case "l", "release":
			return GateRelease
		default:
			return GateSkip
		}
	case <-time.After(timeout):
		fmt.Fprintln(g.Out, "\noperator gate timed out, defaulting to skip")
		return GateSkip
	}
}

// PolicyRule is one matcher in an AutoGate policy file (SPEC_FULL §12).
type PolicyRule struct {
	Match  string     `yaml:"match"`
	Choice GateChoice `yaml:"choice"`
}

// Policy is the on-disk shape of an operator-gate policy file, pointed to
// by HEADLESS_PM_OPERATOR_POLICY (SPEC_FULL §13).
type Policy struct {
	Default GateChoice   `yaml:"default"`
	Rules   []PolicyRule `yaml:"rules"`
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("runner: read operator policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("runner: parse operator policy %s: %w", path, err)
	}
	if p.Default == "" {
		p.Default = GateSkip
	}
	return p, nil
}

// AutoGate decides unattended, matching the failure reason against policy
// rules in order and falling back to Default (spec.md §4.10, for headless
// or MCP-spawned sessions where no operator is present to prompt).
type AutoGate struct {
	Policy Policy
}

// NewAutoGate returns an AutoGate that always skips past a failed hook,
// for use when no policy file is configured.
func NewAutoGate() AutoGate {
	return AutoGate{Policy: Policy{Default: GateSkip}}
}

// Decide matches reason against the policy's rules, returning the first
// match's choice or the policy default.
func (g AutoGate) Decide(reason string) GateChoice {
	for _, rule := range g.Policy.Rules {
		if rule.Match == "" || strings.Contains(reason, rule.Match) {
			return rule.Choice
		}
	}
	return g.Policy.Default
}
