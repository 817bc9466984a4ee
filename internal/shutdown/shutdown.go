// Package shutdown implements the Shutdown Coordinator (spec.md C12):
// PID-reuse-safe termination of a registered process, grounded on the
// original's stop_server / _is_same_process (server.py) creation-time
// comparison.
package shutdown

import (
	"fmt"
	"math"
	"strings"
	"syscall"
	"time"

	"github.com/headless-pm/pmcore/internal/procutil"
	"github.com/headless-pm/pmcore/internal/registry"
)

// startTimeTolerance bounds how far a PID's observed start time may drift
// from the one recorded at registration before it is treated as a
// different (reused) PID (spec.md §4.12 S6).
const startTimeTolerance = 1.0 // seconds

// Coordinator drives the unregister → verify → signal → escalate sequence
// for one registry document.
type Coordinator struct {
	reg *registry.Registry
}

// New returns a Coordinator over the registry document at path.
func New(path string) *Coordinator {
	return &Coordinator{reg: registry.New(path)}
}

// SamePID reports whether pid still refers to the same process whose
// start time was recorded as recordedStart and whose command line is
// expected to contain cmdlineHint. A PID is only ever signalled after this
// returns true (spec.md §4.12 step 2, §7 PID-reuse protection).
func SamePID(pid int, recordedStart time.Time, cmdlineHint string) bool {
	if !procutil.PIDAlive(pid) {
		return false
	}
	actual, err := procutil.ReadPIDStartTime(pid)
	if err != nil {
		// Can't verify: fail closed, refuse to signal a PID we can't confirm.
		return false
	}
	if math.Abs(actual.Sub(recordedStart).Seconds()) > startTimeTolerance {
		return false
	}
	if cmdlineHint == "" {
		return true
	}
	cmdline, err := procutil.ReadPIDCmdline(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, cmdlineHint)
}

// Stop terminates pid gracefully (SIGTERM, wait up to gracePeriod) and
// escalates to SIGKILL if it hasn't exited (spec.md §4.12 step 3).
func Stop(pid int, gracePeriod time.Duration) error {
	if !procutil.PIDAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("shutdown: SIGTERM %d: %w", pid, err)
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !procutil.PIDAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !procutil.PIDAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("shutdown: SIGKILL %d: %w", pid, err)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(killDeadline) {
		if !procutil.PIDAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("shutdown: pid %d survived SIGKILL", pid)
}

// UnregisterAndMaybeStop implements the full coordinator sequence (spec.md
// §4.12): unregister pid from the registry; if no MCP clients remain
// afterwards, verify the primary API PID is still the same process before
// stopping it. Whether this caller started the API server is not checked;
// recordedStart and cmdlineHint are the only guards on which PID is stopped.
func (c *Coordinator) UnregisterAndMaybeStop(pid int, expectedType registry.ProcessType, recordedStart time.Time, cmdlineHint string, gracePeriod time.Duration) error {
	shouldCleanup, err := c.reg.Unregister(pid, expectedType)
	if err != nil {
		return fmt.Errorf("shutdown: unregister: %w", err)
	}
	if !shouldCleanup {
		return nil
	}

	status := c.reg.GetStatus()
	if status.PrimaryAPI == nil {
		return c.reg.DeleteIfEmpty()
	}
	apiPID := *status.PrimaryAPI
	if !SamePID(apiPID, recordedStart, cmdlineHint) {
		// The PID we'd be about to kill is not the process we started;
		// leave it alone and just drop our own bookkeeping.
		return c.reg.DeleteIfEmpty()
	}
	if err := Stop(apiPID, gracePeriod); err != nil {
		return fmt.Errorf("shutdown: stop api server %d: %w", apiPID, err)
	}
	return c.reg.DeleteIfEmpty()
}
