// Package reconcile closes the gap between three views of an issue: the
// persisted workflow, the local completion files and the comments on the
// remote issue. It recovers orphaned workflows and cancels workflows whose
// remote issue went away.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/completion"
	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/engine"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/platform"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/statestore"
)

// DefinitionSource resolves the workflow definition for a project.
type DefinitionSource func(projectKey string) (*engine.Definition, error)

// Options configures a reconciler.
type Options struct {
	OrphanCooldown time.Duration
	ReplayWindow   time.Duration
}

// Reconciler runs one reconciliation cycle per scheduler tick and once at
// startup.
type Reconciler struct {
	engine   *engine.Engine
	store    statestore.Store
	launcher launcher.AgentLauncher
	records  *launcher.Records
	platform platform.GitPlatform
	registry *config.Registry
	events   bus.Bus
	guard    *RetryGuard
	runtime  *RuntimeState
	procs    ProcessChecker
	defs     DefinitionSource
	logger   *slog.Logger
	now      func() time.Time

	cooldown     time.Duration
	replayWindow time.Duration
}

// New creates a reconciler.
func New(
	eng *engine.Engine,
	store statestore.Store,
	al launcher.AgentLauncher,
	records *launcher.Records,
	gp platform.GitPlatform,
	registry *config.Registry,
	events bus.Bus,
	guard *RetryGuard,
	runtime *RuntimeState,
	procs ProcessChecker,
	defs DefinitionSource,
	logger *slog.Logger,
	opts Options,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if procs == nil {
		procs = OSProcessChecker{}
	}
	if opts.OrphanCooldown <= 0 {
		opts.OrphanCooldown = 15 * time.Minute
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 30 * time.Minute
	}
	return &Reconciler{
		engine:       eng,
		store:        store,
		launcher:     al,
		records:      records,
		platform:     gp,
		registry:     registry,
		events:       events,
		guard:        guard,
		runtime:      runtime,
		procs:        procs,
		defs:         defs,
		logger:       logger,
		now:          time.Now,
		cooldown:     opts.OrphanCooldown,
		replayWindow: opts.ReplayWindow,
	}
}

// SetNow overrides the clock; tests only.
func (r *Reconciler) SetNow(now func() time.Time) { r.now = now }

// Run executes one reconciliation cycle over every mapped workflow, then
// scans for unmapped completion files. startup enables the auto-reconcile
// path that replays the latest structured comment into the engine.
func (r *Reconciler) Run(ctx context.Context, startup bool) {
	mappings := make(statestore.WorkflowMappings)
	statestore.LoadOrEmpty(ctx, r.store, statestore.KeyWorkflowMappings, &mappings)

	for issueID := range mappings {
		if err := r.reconcileIssue(ctx, issueID, startup); err != nil {
			count := r.runtime.RecordPollingFailure("reconcile:" + issueID)
			r.logger.Warn("issue reconciliation failed",
				"issue", issueID,
				"failures", count,
				"error", err)
			continue
		}
		r.runtime.ResetPollingFailures("reconcile:" + issueID)
	}

	r.scanUnmapped(ctx, mappings)
}

func (r *Reconciler) reconcileIssue(ctx context.Context, issueID string, startup bool) error {
	wf, err := r.engine.WorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if wf.State.Terminal() || wf.State == engine.StatePaused {
		return nil
	}

	project, ok := r.registry.Get(wf.ProjectKey)
	if !ok {
		return fmt.Errorf("workflow %s references unknown project %q", wf.WorkflowID, wf.ProjectKey)
	}
	def, err := r.defs(wf.ProjectKey)
	if err != nil {
		return fmt.Errorf("load definition for %s: %w", wf.ProjectKey, err)
	}

	issueNumber, err := strconv.Atoi(issueID)
	if err != nil {
		return fmt.Errorf("non-numeric issue id %q", issueID)
	}

	issue, err := r.platform.GetIssue(ctx, wf.RepoKey, issueNumber)
	if errors.Is(err, platform.ErrNotFound) {
		return r.cancelForClosedIssue(ctx, wf, project, issueNumber, "issue missing on platform")
	}
	if err != nil {
		return fmt.Errorf("fetch issue %d: %w", issueNumber, err)
	}
	if !issue.Open() {
		return r.cancelForClosedIssue(ctx, wf, project, issueNumber, "issue closed on platform")
	}

	running := wf.RunningStep()
	if running == nil {
		return nil
	}
	expected := completion.NormalizeAgentName(running.Agent.Name)

	localFile, err := completion.Read(project.Workspace, wf.ProjectKey, issueID)
	if err != nil {
		r.logger.Warn("local completion file unreadable", "issue", issueID, "error", err)
	}
	commentID, signal := r.latestSignal(ctx, wf.RepoKey, issueNumber)

	if startup && signal.IsCompletion && signal.CompletedAgent == expected && !def.IsTerminal(signal.NextAgent) {
		err := r.startupReconcile(ctx, wf, project, commentID, signal, def)
		if err == nil {
			return nil
		}
		r.logger.Warn("startup auto-reconcile failed, falling through to drift check",
			"issue", issueID, "error", err)
	}

	r.detectDrift(wf, expected, localFile, signal)

	return r.recoverOrphan(ctx, wf, expected)
}

// latestSignal returns the newest structured completion comment on the issue.
func (r *Reconciler) latestSignal(ctx context.Context, repo string, issueNumber int) (int64, completion.CommentSignal) {
	comments, err := r.platform.GetComments(ctx, repo, issueNumber)
	if err != nil {
		r.logger.Warn("comment fetch failed", "repo", repo, "issue", issueNumber, "error", err)
		return 0, completion.CommentSignal{}
	}
	for i := len(comments) - 1; i >= 0; i-- {
		sig := completion.ParseComment(comments[i].Body)
		if sig.IsCompletion {
			return comments[i].ID, sig
		}
	}
	return 0, completion.CommentSignal{}
}

// startupReconcile replays the latest remote completion comment into the
// engine and rewrites the local completion file to match.
func (r *Reconciler) startupReconcile(ctx context.Context, wf *engine.Workflow, project config.Project, commentID int64, signal completion.CommentSignal, def *engine.Definition) error {
	eventID := fmt.Sprintf("startup:%d", commentID)
	summary := completion.Summary{
		Status:    completion.StatusComplete,
		AgentType: signal.CompletedAgent,
		Summary:   "Reconciled from issue comment at startup",
		NextAgent: signal.NextAgent,
	}
	result, err := r.engine.CompleteStep(ctx, wf.IssueID, signal.CompletedAgent, summary, eventID, def)
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}
	r.guard.Reset(wf.IssueID, signal.CompletedAgent)
	if err := completion.Write(project.Workspace, wf.ProjectKey, wf.IssueID, summary); err != nil {
		r.logger.Warn("completion file rewrite failed", "issue", wf.IssueID, "error", err)
	}
	r.logger.Info("startup auto-reconcile applied",
		"issue", wf.IssueID,
		"completed", signal.CompletedAgent,
		"next", signal.NextAgent,
		"event_id", eventID)
	return nil
}

// detectDrift compares the three next-agent views and emits an advisory
// warning when they disagree. No state is changed here.
func (r *Reconciler) detectDrift(wf *engine.Workflow, expected string, localFile *completion.File, signal completion.CommentSignal) {
	localNext := ""
	if localFile != nil {
		localNext = completion.NormalizeAgentName(localFile.Summary.NextAgent)
	}
	commentNext := completion.NormalizeAgentName(signal.NextAgent)

	drift := (localNext != "" && localNext != expected) ||
		(commentNext != "" && commentNext != expected) ||
		(localNext != "" && commentNext != "" && localNext != commentNext)
	if !drift {
		return
	}

	number, _ := strconv.Atoi(wf.IssueID)
	_ = r.events.PublishAlert(context.Background(), bus.Alert{
		Message: fmt.Sprintf("completion signal drift: workflow expects %q, local file says %q, comment says %q",
			expected, localNext, commentNext),
		Severity:    bus.SeverityWarning,
		Source:      "reconciler",
		ProjectKey:  wf.ProjectKey,
		IssueNumber: number,
	})
}

// recoverOrphan relaunches the expected agent when its process died. The
// cooldown is consulted before the retry guard so a denied guard does not
// burn a cooldown slot.
func (r *Reconciler) recoverOrphan(ctx context.Context, wf *engine.Workflow, expected string) error {
	rec, ok := r.records.Get(ctx, wf.IssueID)
	if ok && r.procs.Alive(ctx, rec) {
		return nil
	}
	if !r.runtime.OrphanAttemptAllowed(wf.IssueID, r.now(), r.cooldown) {
		return nil
	}
	if !r.guard.Allow(wf.IssueID, expected) {
		r.logger.Warn("orphan recovery suppressed by retry guard",
			"issue", wf.IssueID, "agent", expected)
		return nil
	}

	result, err := r.launcher.Launch(ctx, launcher.Request{
		IssueID:       wf.IssueID,
		AgentType:     expected,
		Tier:          wf.Tier,
		Repo:          wf.RepoKey,
		TriggerSource: launcher.TriggerOrphanRecovery,
	})
	if err != nil {
		return fmt.Errorf("orphan recovery launch for issue %s: %w", wf.IssueID, err)
	}
	if err := r.records.RecordLaunch(ctx, statestore.LaunchedAgentRecord{
		IssueID:   wf.IssueID,
		AgentName: expected,
		PID:       result.PID,
		Tool:      result.Tool,
		Tier:      wf.Tier,
		Timestamp: r.now(),
	}); err != nil {
		r.logger.Warn("launch record write failed", "issue", wf.IssueID, "error", err)
	}
	r.logger.Info("orphan recovered",
		"issue", wf.IssueID,
		"agent", expected,
		"pid", result.PID,
		"tool", result.Tool)
	return nil
}

// TriggerOrphanRecovery forces an orphan check for one issue, bypassing the
// cooldown but not the retry guard. Operator surface.
func (r *Reconciler) TriggerOrphanRecovery(ctx context.Context, issueID string) error {
	wf, err := r.engine.WorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	running := wf.RunningStep()
	if running == nil {
		return engine.ErrNoRunningStep
	}
	r.runtime.mu.Lock()
	delete(r.runtime.orphanLastAttempt, issueID)
	r.runtime.mu.Unlock()
	return r.recoverOrphan(ctx, wf, completion.NormalizeAgentName(running.Agent.Name))
}

// cancelForClosedIssue finalizes a workflow whose remote issue is closed or
// gone: cancel, archive the task files, drop launch records.
func (r *Reconciler) cancelForClosedIssue(ctx context.Context, wf *engine.Workflow, project config.Project, issueNumber int, reason string) error {
	if err := r.engine.CancelWorkflow(ctx, wf.IssueID); err != nil && !errors.Is(err, engine.ErrInvalidTransition) {
		return fmt.Errorf("cancel workflow for closed issue: %w", err)
	}
	if _, err := router.ArchiveTaskFiles(project.Workspace, wf.ProjectKey, issueNumber); err != nil {
		r.logger.Warn("task archive failed", "issue", wf.IssueID, "error", err)
	}
	if err := r.records.RemoveIssue(ctx, wf.IssueID); err != nil {
		r.logger.Warn("launch record cleanup failed", "issue", wf.IssueID, "error", err)
	}
	r.logger.Info("workflow cancelled for closed issue", "issue", wf.IssueID, "reason", reason)
	return nil
}

// scanUnmapped launches agents for completion files whose issue has no
// workflow mapping, within the replay window.
func (r *Reconciler) scanUnmapped(ctx context.Context, mappings statestore.WorkflowMappings) {
	for projectKey, project := range r.registry.All() {
		def, err := r.defs(projectKey)
		if err != nil {
			r.logger.Warn("definition load failed during unmapped scan", "project", projectKey, "error", err)
			continue
		}
		files, err := completion.Scan(project.Workspace, projectKey, r.replayWindow)
		if err != nil {
			r.logger.Warn("completion scan failed", "project", projectKey, "error", err)
			continue
		}
		for _, file := range files {
			if _, mapped := mappings[file.IssueID]; mapped {
				continue
			}
			next := completion.NormalizeAgentName(file.Summary.NextAgent)
			if def.IsTerminal(next) {
				continue
			}
			if !r.runtime.MarkAutoChained(file.IssueID, next) {
				continue
			}
			if !r.guard.Allow(file.IssueID, next) {
				continue
			}
			result, err := r.launcher.Launch(ctx, launcher.Request{
				IssueID:       file.IssueID,
				AgentType:     next,
				TriggerSource: launcher.TriggerCompletionScan,
			})
			if err != nil {
				r.logger.Warn("unmapped-issue launch failed",
					"issue", file.IssueID, "agent", next, "error", err)
				continue
			}
			if err := r.records.RecordLaunch(ctx, statestore.LaunchedAgentRecord{
				IssueID:   file.IssueID,
				AgentName: next,
				PID:       result.PID,
				Tool:      result.Tool,
				Timestamp: r.now(),
			}); err != nil {
				r.logger.Warn("launch record write failed", "issue", file.IssueID, "error", err)
			}
			r.logger.Info("unmapped issue recovered from completion file",
				"issue", file.IssueID, "agent", next)
		}
	}
}
