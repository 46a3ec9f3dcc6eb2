// Package launcher defines the contract for starting external agent
// processes and owns the launched-agent records kept in the state store.
package launcher

import (
	"context"
	"errors"
)

// Trigger sources recorded with each launch.
const (
	TriggerManual         = "manual"
	TriggerQueue          = "queue"
	TriggerChain          = "auto-chain"
	TriggerOrphanRecovery = "orphan-recovery"
	TriggerCompletionScan = "completion-scan"
	TriggerWebhook        = "webhook"
)

// ErrNotLaunchable marks a launch failure that retrying cannot fix (unknown
// agent, missing workspace). Callers must not re-attempt.
var ErrNotLaunchable = errors.New("agent cannot be launched")

// Request asks for one agent process.
type Request struct {
	IssueID       string
	AgentType     string
	Tier          string
	Repo          string
	TriggerSource string
	ExcludeTools  []string
}

// Result reports the started process. The core never waits on process exit;
// completion arrives through comments or summary files.
type Result struct {
	PID  int
	Tool string
}

// AgentLauncher starts external agent processes. Implementations are
// collaborators outside the orchestration core.
type AgentLauncher interface {
	Launch(ctx context.Context, req Request) (*Result, error)
}
