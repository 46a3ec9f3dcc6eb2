package statestore

import (
	"context"
	"fmt"
	"time"
)

// LaunchedAgentRecord describes an external agent process started for an
// issue. Stored in the launched_agents document under two keys: "<issue>" for
// the most recent launch and "<issue>_<agent>" for per-agent history.
type LaunchedAgentRecord struct {
	IssueID      string    `json:"issue_id"`
	AgentName    string    `json:"agent_name"`
	PID          int       `json:"pid"`
	Tool         string    `json:"tool"`
	Tier         string    `json:"tier"`
	Timestamp    time.Time `json:"timestamp"`
	ExcludeTools []string  `json:"exclude_tools,omitempty"`
}

// LaunchedAgents is the launched_agents document.
type LaunchedAgents map[string]LaunchedAgentRecord

// Prune removes records older than window and returns the number dropped.
func (la LaunchedAgents) Prune(now time.Time, window time.Duration) int {
	dropped := 0
	for key, rec := range la {
		if now.Sub(rec.Timestamp) > window {
			delete(la, key)
			dropped++
		}
	}
	return dropped
}

// RemoveIssue removes the primary record and every per-agent record for the
// issue.
func (la LaunchedAgents) RemoveIssue(issueID string) {
	delete(la, issueID)
	prefix := issueID + "_"
	for key := range la {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(la, key)
		}
	}
}

// TrackedIssue is one entry of the tracked_issues document.
type TrackedIssue struct {
	Project     string    `json:"project"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
}

// TrackedIssues maps issue ID to its tracking record.
type TrackedIssues map[string]TrackedIssue

// WorkflowMappings maps issue ID to workflow ID.
type WorkflowMappings map[string]string

// MergeQueueEntry is one entry of the merge_queue document, keyed by PR URL.
type MergeQueueEntry struct {
	Issue      string    `json:"issue"`
	Project    string    `json:"project"`
	Status     string    `json:"status"`
	ReviewMode string    `json:"review_mode,omitempty"`
	QueuedAt   time.Time `json:"queued_at,omitempty"`
}

// Merge queue entry statuses.
const (
	MergeStatusPending   = "pending"
	MergeStatusMerged    = "merged"
	MergeStatusAbandoned = "abandoned"
)

// MergeQueue maps PR URL to its queue entry.
type MergeQueue map[string]MergeQueueEntry

// LoadLaunchedAgents loads the launched_agents document, optionally pruning
// entries older than window. A missing or unreadable document yields an empty
// map. The pruned document is not written back; pruning is applied on every
// load so a write-back race cannot resurrect stale records.
func LoadLaunchedAgents(ctx context.Context, s Store, recentOnly bool, window time.Duration) LaunchedAgents {
	agents := make(LaunchedAgents)
	LoadOrEmpty(ctx, s, KeyLaunchedAgents, &agents)
	if recentOnly {
		agents.Prune(time.Now(), window)
	}
	return agents
}

// SaveLaunchedAgents writes the launched_agents document back.
func SaveLaunchedAgents(ctx context.Context, s Store, agents LaunchedAgents) error {
	if err := s.Save(ctx, KeyLaunchedAgents, agents); err != nil {
		return fmt.Errorf("save launched agents: %w", err)
	}
	return nil
}
