package reconcile

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/c360studio/nexus/statestore"
)

// ProcessChecker reports whether the OS process behind a launch record is
// still alive. Abstracted so tests can simulate dead agents.
type ProcessChecker interface {
	Alive(ctx context.Context, rec statestore.LaunchedAgentRecord) bool
}

// OSProcessChecker checks real PIDs.
type OSProcessChecker struct{}

// Alive reports whether the recorded PID exists and still looks like the
// launched agent. The cmdline check guards against PID reuse after reboot or
// long uptimes.
func (OSProcessChecker) Alive(ctx context.Context, rec statestore.LaunchedAgentRecord) bool {
	if rec.PID <= 0 {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(rec.PID))
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil || cmdline == "" {
		// Cannot inspect the command line; trust the PID.
		return true
	}
	if rec.Tool != "" && strings.Contains(cmdline, rec.Tool) {
		return true
	}
	return strings.Contains(cmdline, rec.IssueID) || strings.Contains(cmdline, rec.AgentName)
}
