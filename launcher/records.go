package launcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/nexus/statestore"
)

// Records owns the launched_agents document. All mutations load, modify and
// write back under one lock so concurrent launch and cleanup paths cannot
// lose records.
type Records struct {
	store        statestore.Store
	recentWindow time.Duration
	mu           sync.Mutex
}

// NewRecords creates the record store. recentWindow bounds what "recent"
// loads return.
func NewRecords(store statestore.Store, recentWindow time.Duration) *Records {
	return &Records{store: store, recentWindow: recentWindow}
}

// RecordLaunch stores the primary and per-agent record for a launch.
func (r *Records) RecordLaunch(ctx context.Context, rec statestore.LaunchedAgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := statestore.LoadLaunchedAgents(ctx, r.store, false, 0)
	agents[rec.IssueID] = rec
	agents[rec.IssueID+"_"+rec.AgentName] = rec
	if err := statestore.SaveLaunchedAgents(ctx, r.store, agents); err != nil {
		return fmt.Errorf("record launch for issue %s: %w", rec.IssueID, err)
	}
	return nil
}

// Get returns the most recent launch record for an issue.
func (r *Records) Get(ctx context.Context, issueID string) (statestore.LaunchedAgentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := statestore.LoadLaunchedAgents(ctx, r.store, false, 0)
	rec, ok := agents[issueID]
	return rec, ok
}

// Recent returns all records within the recent window, pruned on load.
func (r *Records) Recent(ctx context.Context) statestore.LaunchedAgents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return statestore.LoadLaunchedAgents(ctx, r.store, true, r.recentWindow)
}

// RemoveIssue drops every record for an issue; called on explicit stop and
// on terminal workflow states.
func (r *Records) RemoveIssue(ctx context.Context, issueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := statestore.LoadLaunchedAgents(ctx, r.store, false, 0)
	agents.RemoveIssue(issueID)
	if err := statestore.SaveLaunchedAgents(ctx, r.store, agents); err != nil {
		return fmt.Errorf("remove launch records for issue %s: %w", issueID, err)
	}
	return nil
}

// PruneOld drops records older than the recent window and persists the
// result. Returns the number pruned.
func (r *Records) PruneOld(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := statestore.LoadLaunchedAgents(ctx, r.store, false, 0)
	dropped := agents.Prune(time.Now(), r.recentWindow)
	if dropped == 0 {
		return 0, nil
	}
	if err := statestore.SaveLaunchedAgents(ctx, r.store, agents); err != nil {
		return 0, fmt.Errorf("prune launch records: %w", err)
	}
	return dropped, nil
}
