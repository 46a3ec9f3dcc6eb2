package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/completion"
	"github.com/c360studio/nexus/engine"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/statestore"
)

// checkStuckAgents alerts once per (issue, agent) when a launched agent has
// produced no completion inside the stuck window.
func (s *Scheduler) checkStuckAgents(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.AgentStuckAfter)
	for key, rec := range s.records.Recent(ctx) {
		// Skip the per-agent history keys; the primary key is the issue ID.
		if key != rec.IssueID {
			continue
		}
		if rec.Timestamp.After(cutoff) {
			continue
		}
		wf, err := s.engine.WorkflowForIssue(ctx, rec.IssueID)
		if err != nil || wf.State != engine.StateRunning {
			continue
		}
		running := wf.RunningStep()
		if running == nil || completion.NormalizeAgentName(running.Agent.Name) != completion.NormalizeAgentName(rec.AgentName) {
			continue
		}
		if !s.runtime.MarkAlerted(rec.IssueID, rec.AgentName) {
			continue
		}
		number, _ := strconv.Atoi(rec.IssueID)
		_ = s.events.PublishAlert(ctx, bus.Alert{
			Message: fmt.Sprintf("agent %q on issue %s has been running for over %s without completing",
				rec.AgentName, rec.IssueID, s.opts.AgentStuckAfter),
			Severity:    bus.SeverityWarning,
			Source:      "scheduler",
			ProjectKey:  wf.ProjectKey,
			IssueNumber: number,
		})
		s.logger.Warn("stuck agent detected",
			"issue", rec.IssueID,
			"agent", rec.AgentName,
			"launched_at", rec.Timestamp)
	}
}

// checkCompletedAgents consumes fresh completion files for mapped workflows:
// each file becomes a complete_step call and, when the workflow chains, the
// next agent launch.
func (s *Scheduler) checkCompletedAgents(ctx context.Context) {
	mappings := make(statestore.WorkflowMappings)
	statestore.LoadOrEmpty(ctx, s.store, statestore.KeyWorkflowMappings, &mappings)

	for projectKey, project := range s.projects.All() {
		def, err := s.defs(projectKey)
		if err != nil {
			s.logger.Warn("definition load failed", "project", projectKey, "error", err)
			continue
		}
		files, err := completion.Scan(project.Workspace, projectKey, s.opts.ReplayWindow)
		if err != nil {
			s.logger.Warn("completion scan failed", "project", projectKey, "error", err)
			continue
		}
		for _, file := range files {
			if _, mapped := mappings[file.IssueID]; !mapped {
				continue
			}
			s.consumeCompletion(ctx, projectKey, project.Workspace, file, def)
		}
	}
}

func (s *Scheduler) consumeCompletion(ctx context.Context, projectKey, workspace string, file completion.File, def *engine.Definition) {
	agent := completion.NormalizeAgentName(file.Summary.AgentType)
	if agent == "" {
		return
	}
	result, err := s.engine.CompleteStep(ctx, file.IssueID, agent, file.Summary, file.EventID(), def)
	if err != nil {
		if errors.Is(err, engine.ErrStepAgentMismatch) || errors.Is(err, engine.ErrNoRunningStep) ||
			errors.Is(err, engine.ErrInvalidTransition) {
			// A stale file for a step that already moved on.
			return
		}
		s.logger.Warn("completion consume failed", "issue", file.IssueID, "agent", agent, "error", err)
		return
	}
	if result.Duplicate {
		return
	}

	s.runtime.ClearAlerted(file.IssueID, agent)
	s.guard.Reset(file.IssueID, agent)
	if s.features != nil {
		if _, err := s.features.IngestCompletion(ctx, projectKey, file.IssueID, file.Summary); err != nil {
			s.logger.Warn("feature ingest failed", "issue", file.IssueID, "error", err)
		}
	}

	if result.Terminal {
		s.logger.Info("workflow finished via completion file",
			"issue", file.IssueID, "agent", agent)
		if err := s.records.RemoveIssue(ctx, file.IssueID); err != nil {
			s.logger.Warn("launch record cleanup failed", "issue", file.IssueID, "error", err)
		}
		return
	}
	if result.NextAgent == "" || result.Paused {
		return
	}
	if !s.runtime.MarkAutoChained(file.IssueID, result.NextAgent) {
		return
	}

	wf, err := s.engine.WorkflowForIssue(ctx, file.IssueID)
	if err != nil {
		return
	}
	launchResult, err := s.launcher.Launch(ctx, launcher.Request{
		IssueID:       file.IssueID,
		AgentType:     result.NextAgent,
		Tier:          wf.Tier,
		Repo:          wf.RepoKey,
		TriggerSource: launcher.TriggerChain,
	})
	if err != nil {
		s.logger.Error("auto-chain launch failed",
			"issue", file.IssueID, "agent", result.NextAgent, "error", err)
		return
	}
	agentsLaunched.WithLabelValues(launcher.TriggerChain).Inc()
	if err := s.records.RecordLaunch(ctx, statestore.LaunchedAgentRecord{
		IssueID:   file.IssueID,
		AgentName: result.NextAgent,
		PID:       launchResult.PID,
		Tool:      launchResult.Tool,
		Tier:      wf.Tier,
		Timestamp: s.now(),
	}); err != nil {
		s.logger.Warn("launch record write failed", "issue", file.IssueID, "error", err)
	}
	s.logger.Info("agent chained from completion file",
		"issue", file.IssueID,
		"completed", agent,
		"next", result.NextAgent)
}

// mergeQueueTick resolves pending merge-queue entries against the platform:
// merged PRs retire the entry and clean the issue worktree; entries for
// closed unmerged PRs are abandoned.
func (s *Scheduler) mergeQueueTick(ctx context.Context) {
	mq := make(statestore.MergeQueue)
	statestore.LoadOrEmpty(ctx, s.store, statestore.KeyMergeQueue, &mq)
	if len(mq) == 0 {
		return
	}

	changed := false
	for prURL, entry := range mq {
		if entry.Status != statestore.MergeStatusPending {
			continue
		}
		project, ok := s.projects.Get(entry.Project)
		if !ok {
			continue
		}
		number, err := strconv.Atoi(entry.Issue)
		if err != nil {
			continue
		}
		repos := s.routes.ReposForProject(entry.Project)
		if len(repos) == 0 {
			continue
		}
		prs, err := s.platform.SearchLinkedPRs(ctx, repos[0], number)
		if err != nil {
			s.logger.Warn("merge queue PR lookup failed", "pr", prURL, "error", err)
			continue
		}
		for _, pr := range prs {
			if pr.URL != prURL {
				continue
			}
			switch {
			case pr.Merged:
				entry.Status = statestore.MergeStatusMerged
				mq[prURL] = entry
				changed = true
				if err := router.CleanWorktrees(project.Workspace, number); err != nil {
					s.logger.Warn("worktree cleanup failed", "issue", entry.Issue, "error", err)
				}
				_ = s.events.Publish(ctx, bus.Event{
					Type:       bus.EventIssueLifecycle,
					ProjectKey: entry.Project,
					IssueID:    entry.Issue,
					Payload:    map[string]any{"action": "pr_merged", "pr_url": prURL},
					Timestamp:  s.now(),
				})
				s.logger.Info("merge queue entry merged", "pr", prURL, "issue", entry.Issue)
			case pr.State == "closed":
				entry.Status = statestore.MergeStatusAbandoned
				mq[prURL] = entry
				changed = true
				s.logger.Info("merge queue entry abandoned", "pr", prURL, "issue", entry.Issue)
			}
			break
		}
	}
	if changed {
		if err := s.store.Save(ctx, statestore.KeyMergeQueue, mq); err != nil {
			s.logger.Warn("merge queue write failed", "error", err)
		}
	}
}

// QueuePRForMerge adds a PR to the merge queue; webhook and comment handlers
// call this when a reviewer approves.
func (s *Scheduler) QueuePRForMerge(ctx context.Context, prURL, issueID, projectKey, reviewMode string) error {
	mq := make(statestore.MergeQueue)
	statestore.LoadOrEmpty(ctx, s.store, statestore.KeyMergeQueue, &mq)
	if _, exists := mq[prURL]; exists {
		return nil
	}
	mq[prURL] = statestore.MergeQueueEntry{
		Issue:      issueID,
		Project:    projectKey,
		Status:     statestore.MergeStatusPending,
		ReviewMode: reviewMode,
		QueuedAt:   s.now(),
	}
	if err := s.store.Save(ctx, statestore.KeyMergeQueue, mq); err != nil {
		return fmt.Errorf("queue PR for merge: %w", err)
	}
	s.logger.Info("PR queued for merge", "pr", prURL, "issue", issueID)
	return nil
}

// LaunchAgent starts an agent for an issue on behalf of an external caller
// (webhook handlers, operator commands) and records the launch.
func (s *Scheduler) LaunchAgent(ctx context.Context, issueID, agentType, trigger string) error {
	wf, err := s.engine.WorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	result, err := s.launcher.Launch(ctx, launcher.Request{
		IssueID:       issueID,
		AgentType:     agentType,
		Tier:          wf.Tier,
		Repo:          wf.RepoKey,
		TriggerSource: trigger,
	})
	if err != nil {
		return fmt.Errorf("launch %s for issue %s: %w", agentType, issueID, err)
	}
	agentsLaunched.WithLabelValues(trigger).Inc()
	if err := s.records.RecordLaunch(ctx, statestore.LaunchedAgentRecord{
		IssueID:   issueID,
		AgentName: agentType,
		PID:       result.PID,
		Tool:      result.Tool,
		Tier:      wf.Tier,
		Timestamp: s.now(),
	}); err != nil {
		s.logger.Warn("launch record write failed", "issue", issueID, "error", err)
	}
	return nil
}
