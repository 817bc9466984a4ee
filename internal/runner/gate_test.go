package runner

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInteractiveGateParsesChoices(t *testing.T) {
	var out bytes.Buffer
	g := InteractiveGate{In: strings.NewReader("retry\n"), Out: &out, Timeout: time.Second}
	require.Equal(t, GateRetry, g.Decide("disk full"))

	g = InteractiveGate{In: strings.NewReader("s\n"), Out: &out, Timeout: time.Second}
	require.Equal(t, GateSkip, g.Decide("disk full"))

	g = InteractiveGate{In: strings.NewReader("l\n"), Out: &out, Timeout: time.Second}
	require.Equal(t, GateRelease, g.Decide("disk full"))

	// EOF and unrecognized input both default to skip, not release, so a
	// disconnected or misconfigured prompt never wedges the task loop.
	g = InteractiveGate{In: strings.NewReader(""), Out: &out, Timeout: time.Second}
	require.Equal(t, GateSkip, g.Decide("disk full"))

	g = InteractiveGate{In: strings.NewReader("huh\n"), Out: &out, Timeout: time.Second}
	require.Equal(t, GateSkip, g.Decide("disk full"))
}

func TestInteractiveGateTimesOutToSkip(t *testing.T) {
	var out bytes.Buffer
	g := InteractiveGate{In: blockingReader{}, Out: &out, Timeout: 10 * time.Millisecond}
	require.Equal(t, GateSkip, g.Decide("disk full"))
}

// blockingReader never returns, simulating a disconnected or non-TTY stdin
// that would otherwise hang InteractiveGate.Decide forever.
type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	select {}
}

var _ io.Reader = blockingReader{}

func TestAutoGateMatchesRulesInOrder(t *testing.T) {
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
default: release
rules:
  - match: "disk full"
    choice: skip
  - match: "timeout"
    choice: retry
`), 0o644))

	policy, err := LoadPolicy(policyPath)
	require.NoError(t, err)
	g := AutoGate{Policy: policy}

	require.Equal(t, GateSkip, g.Decide("error: disk full on /tmp"))
	require.Equal(t, GateRetry, g.Decide("hook timeout exceeded"))
	require.Equal(t, GateRelease, g.Decide("unrelated failure"))
}

func TestNewAutoGateDefaultsToSkip(t *testing.T) {
	g := NewAutoGate()
	require.Equal(t, GateSkip, g.Decide("anything"))
}
