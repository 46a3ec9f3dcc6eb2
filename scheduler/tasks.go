package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/queue"
	"github.com/c360studio/nexus/statestore"
)

// WorkflowLabelPrefix marks issues created by the orchestrator. The webhook
// handler uses it to ignore self-created issues.
const WorkflowLabelPrefix = "workflow:"

// drainQueue claims one batch and processes each task. A failing task is
// marked failed and does not stop the batch.
func (s *Scheduler) drainQueue(ctx context.Context) {
	tasks, err := s.queue.Claim(ctx, s.opts.ClaimBatch, s.workerID)
	if err != nil {
		count := s.runtime.RecordPollingFailure("queue")
		s.logger.Warn("queue claim failed", "failures", count, "error", err)
		return
	}
	s.runtime.ResetPollingFailures("queue")

	for _, task := range tasks {
		if err := s.processTask(ctx, task); err != nil {
			tasksProcessed.WithLabelValues("failed").Inc()
			s.logger.Error("task processing failed",
				"task", task.ID,
				"project", task.ProjectKey,
				"filename", task.Filename,
				"error", err)
			if markErr := s.queue.MarkFailed(ctx, task.ID, err.Error()); markErr != nil {
				s.logger.Warn("task failure mark failed", "task", task.ID, "error", markErr)
			}
			continue
		}
		tasksProcessed.WithLabelValues("done").Inc()
		if err := s.queue.MarkDone(ctx, task.ID); err != nil {
			s.logger.Warn("task done mark failed", "task", task.ID, "error", err)
		}
	}
}

// processTask turns one claimed inbox row into a tracked issue with a
// started workflow and a launched first agent.
func (s *Scheduler) processTask(ctx context.Context, task queue.Task) error {
	payload, err := queue.ParsePayload(task.Markdown)
	if err != nil {
		return fmt.Errorf("parse task payload: %w", err)
	}

	projectKey := s.routes.NormalizeProjectKey(payload.Project)
	if projectKey != task.ProjectKey {
		return fmt.Errorf("project boundary mismatch: row says %q, payload says %q",
			task.ProjectKey, projectKey)
	}
	if _, ok := s.projects.Get(projectKey); !ok {
		return fmt.Errorf("unknown project %q", projectKey)
	}
	repos := s.routes.ReposForProject(projectKey)
	if len(repos) == 0 {
		return fmt.Errorf("project %q has no repositories", projectKey)
	}
	repo := repos[0]

	def, err := s.defs(projectKey)
	if err != nil {
		return fmt.Errorf("load workflow definition: %w", err)
	}
	tier := s.opts.DefaultTier
	if payload.Type != "" {
		if _, err := def.StepsFor(payload.Type); err == nil {
			tier = payload.Type
		}
	}
	steps, err := def.StepsFor(tier)
	if err != nil {
		return fmt.Errorf("resolve tier %q: %w", tier, err)
	}

	// Within the dedupe window, an open issue with the same title and a
	// workflow label means this task already produced an issue.
	if existing := s.findRecentIssue(ctx, repo, payload.Title); existing > 0 {
		s.logger.Info("task deduplicated against existing issue",
			"task", task.ID, "title", payload.Title, "issue", existing)
		return nil
	}

	issue, err := s.platform.CreateIssue(ctx, repo, payload.Title, task.Markdown,
		[]string{WorkflowLabelPrefix + tier})
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	issuesCreated.Inc()
	issueID := strconv.Itoa(issue.Number)

	if _, err := s.engine.CreateWorkflowForIssue(ctx, issueID, projectKey, repo, tier, issue.URL, def); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if err := s.engine.StartWorkflow(ctx, issueID); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	s.trackIssue(ctx, issueID, projectKey, payload.Title)

	first := steps[0]
	result, err := s.launcher.Launch(ctx, launcher.Request{
		IssueID:       issueID,
		AgentType:     first.Name,
		Tier:          tier,
		Repo:          repo,
		TriggerSource: launcher.TriggerQueue,
	})
	if err != nil {
		// The issue and workflow exist; recovery re-launches on the next
		// reconcile cycle.
		s.logger.Error("first agent launch failed, leaving recovery to reconciler",
			"issue", issueID, "agent", first.Name, "error", err)
		_ = s.events.PublishAlert(ctx, bus.Alert{
			Message:     fmt.Sprintf("first agent %q failed to launch for issue %s", first.Name, issueID),
			Severity:    bus.SeverityWarning,
			Source:      "scheduler",
			ProjectKey:  projectKey,
			IssueNumber: issue.Number,
		})
		return nil
	}
	agentsLaunched.WithLabelValues(launcher.TriggerQueue).Inc()
	if err := s.records.RecordLaunch(ctx, statestore.LaunchedAgentRecord{
		IssueID:   issueID,
		AgentName: first.Name,
		PID:       result.PID,
		Tool:      result.Tool,
		Tier:      tier,
		Timestamp: s.now(),
	}); err != nil {
		s.logger.Warn("launch record write failed", "issue", issueID, "error", err)
	}

	s.logger.Info("task processed",
		"task", task.ID,
		"issue", issueID,
		"project", projectKey,
		"tier", tier,
		"agent", first.Name)
	return nil
}

// findRecentIssue returns the number of an open workflow-labelled issue with
// the same title inside the dedupe window, or 0.
func (s *Scheduler) findRecentIssue(ctx context.Context, repo, title string) int {
	issues, err := s.platform.ListOpenIssues(ctx, repo, nil)
	if err != nil {
		s.logger.Warn("issue dedupe listing failed", "repo", repo, "error", err)
		return 0
	}
	cutoff := s.now().Add(-s.opts.DedupeWindow)
	for _, issue := range issues {
		if !strings.EqualFold(strings.TrimSpace(issue.Title), strings.TrimSpace(title)) {
			continue
		}
		if !issue.HasLabelPrefix(WorkflowLabelPrefix) {
			continue
		}
		if issue.CreatedAt.Before(cutoff) {
			continue
		}
		return issue.Number
	}
	return 0
}

// trackIssue appends the issue to the tracked_issues document.
func (s *Scheduler) trackIssue(ctx context.Context, issueID, projectKey, description string) {
	tracked := make(statestore.TrackedIssues)
	statestore.LoadOrEmpty(ctx, s.store, statestore.KeyTrackedIssues, &tracked)
	tracked[issueID] = statestore.TrackedIssue{
		Project:     projectKey,
		Description: description,
		CreatedAt:   s.now(),
		Status:      "active",
	}
	if err := s.store.Save(ctx, statestore.KeyTrackedIssues, tracked); err != nil {
		s.logger.Warn("tracked issue write failed", "issue", issueID, "error", err)
	}
}
