package webhook

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/completion"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/queue"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/scheduler"
)

// Wire shapes for the webhook payloads; only the consumed fields are mapped.

type wireUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type wireRepo struct {
	FullName string `json:"full_name"`
}

type wireLabel struct {
	Name string `json:"name"`
}

type wireIssue struct {
	Number  int         `json:"number"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	State   string      `json:"state"`
	HTMLURL string      `json:"html_url"`
	Labels  []wireLabel `json:"labels"`
	User    wireUser    `json:"user"`
}

type wireComment struct {
	ID      int64    `json:"id"`
	Body    string   `json:"body"`
	HTMLURL string   `json:"html_url"`
	User    wireUser `json:"user"`
}

type wirePull struct {
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	State   string   `json:"state"`
	HTMLURL string   `json:"html_url"`
	Merged  bool     `json:"merged"`
	User    wireUser `json:"user"`
}

type issuesEvent struct {
	Action string    `json:"action"`
	Issue  wireIssue `json:"issue"`
	Repo   wireRepo  `json:"repository"`
	Sender wireUser  `json:"sender"`
}

type issueCommentEvent struct {
	Action  string      `json:"action"`
	Issue   wireIssue   `json:"issue"`
	Comment wireComment `json:"comment"`
	Repo    wireRepo    `json:"repository"`
}

type pullRequestEvent struct {
	Action string   `json:"action"`
	PR     wirePull `json:"pull_request"`
	Repo   wireRepo `json:"repository"`
}

type reviewEvent struct {
	Action string   `json:"action"`
	PR     wirePull `json:"pull_request"`
	Review struct {
		State string   `json:"state"`
		User  wireUser `json:"user"`
	} `json:"review"`
}

func (i wireIssue) hasLabelPrefix(prefix string) bool {
	for _, label := range i.Labels {
		if strings.HasPrefix(label.Name, prefix) {
			return true
		}
	}
	return false
}

// issueRefRe matches "#42" style issue references.
var issueRefRe = regexp.MustCompile(`#(\d+)\b`)

func issueRefs(text string) []int {
	var refs []int
	for _, m := range issueRefRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			refs = append(refs, n)
		}
	}
	return refs
}

// handleIssues routes issues.opened and issues.closed.
func (s *Server) handleIssues(r *http.Request, body []byte) result {
	ev, err := decode[issuesEvent](body)
	if err != nil {
		return result{"status": "error", "reason": err.Error()}
	}
	ctx := r.Context()

	switch ev.Action {
	case "opened":
		return s.issueOpened(ctx, ev)
	case "closed":
		return s.issueClosed(ctx, ev)
	default:
		return result{"status": "ignored", "reason": "unhandled_action"}
	}
}

// issueOpened turns an externally opened issue into an inbox task for the
// owning project. Issues the orchestrator created itself carry a workflow
// label and are skipped.
func (s *Server) issueOpened(ctx context.Context, ev issuesEvent) result {
	if ev.Issue.hasLabelPrefix(scheduler.WorkflowLabelPrefix) {
		return result{"status": "ignored", "reason": "self_created"}
	}
	projectKey, ok := s.routes.ResolveProjectForRepo(ev.Repo.FullName)
	if !ok {
		_ = s.events.PublishAlert(ctx, bus.Alert{
			Message:  fmt.Sprintf("webhook issue from unmapped repository %q", ev.Repo.FullName),
			Severity: bus.SeverityWarning,
			Source:   "webhook",
		})
		return result{"status": "ignored", "reason": "unmapped_repository"}
	}
	project, _ := s.projects.Get(projectKey)

	markdown := queue.BuildPayload(queue.Payload{
		Title:       ev.Issue.Title,
		Project:     projectKey,
		Type:        "full",
		TaskName:    fmt.Sprintf("issue-%d", ev.Issue.Number),
		Source:      "webhook",
		Description: ev.Issue.Body,
		RawInput:    ev.Issue.HTMLURL,
	})
	filename := router.TaskFilename(ev.Issue.Number)
	path, err := router.WriteTask(project.Workspace, projectKey, filename, markdown)
	if err != nil {
		s.logger.Error("task file write failed", "issue", ev.Issue.Number, "error", err)
		return result{"status": "error", "reason": "task_write_failed"}
	}
	if _, err := s.queue.Enqueue(ctx, projectKey, project.Workspace, filename, markdown); err != nil {
		s.logger.Error("task enqueue failed", "issue", ev.Issue.Number, "error", err)
		return result{"status": "error", "reason": "enqueue_failed"}
	}

	issueID := strconv.Itoa(ev.Issue.Number)
	_ = s.events.Publish(ctx, bus.Event{
		Type:       bus.EventIssueLifecycle,
		ProjectKey: projectKey,
		IssueID:    issueID,
		Payload:    map[string]any{"action": "opened", "title": ev.Issue.Title, "task_file": path},
	})
	s.logger.Info("webhook issue queued",
		"issue", ev.Issue.Number,
		"project", projectKey,
		"repo", ev.Repo.FullName)
	return result{"status": "queued", "project": projectKey, "task_file": path}
}

// issueClosed archives active task files for the issue and notifies.
func (s *Server) issueClosed(ctx context.Context, ev issuesEvent) result {
	projectKey, ok := s.routes.ResolveProjectForRepo(ev.Repo.FullName)
	if !ok {
		return result{"status": "ignored", "reason": "unmapped_repository"}
	}
	project, _ := s.projects.Get(projectKey)

	archived, err := router.ArchiveTaskFiles(project.Workspace, projectKey, ev.Issue.Number)
	if err != nil {
		s.logger.Warn("task archive failed", "issue", ev.Issue.Number, "error", err)
	}
	_ = s.events.Publish(ctx, bus.Event{
		Type:       bus.EventIssueLifecycle,
		ProjectKey: projectKey,
		IssueID:    strconv.Itoa(ev.Issue.Number),
		Payload:    map[string]any{"action": "closed", "archived_tasks": archived},
	})
	return result{"status": "processed", "archived": archived}
}

// handleIssueComment processes agent completion comments and @agent handoffs.
func (s *Server) handleIssueComment(r *http.Request, body []byte) result {
	ev, err := decode[issueCommentEvent](body)
	if err != nil {
		return result{"status": "error", "reason": err.Error()}
	}
	if ev.Action != "created" {
		return result{"status": "ignored", "reason": "unhandled_action"}
	}
	// The bot's own comments must not feed back into the engine.
	if s.botLogin != "" && strings.EqualFold(ev.Comment.User.Login, s.botLogin) {
		return result{"status": "ignored", "reason": "own_comment"}
	}
	if !s.markProcessed(fmt.Sprintf("comment_%d", ev.Comment.ID)) {
		return result{"status": "ignored", "reason": "duplicate_event"}
	}

	ctx := r.Context()
	issueID := strconv.Itoa(ev.Issue.Number)
	signal := completion.ParseComment(ev.Comment.Body)

	if !signal.IsCompletion {
		// Human comments may still carry commands; only allow-listed users.
		if !s.allow(ev.Comment.User.Login) {
			return result{"status": "ignored", "reason": "user_not_allowed"}
		}
		return result{"status": "ignored", "reason": "no_completion_signal"}
	}
	if signal.CompletedAgent == "" {
		return result{"status": "ignored", "reason": "no_completed_agent"}
	}

	projectKey, _ := s.routes.ResolveProjectForRepo(ev.Repo.FullName)
	def, err := s.defs(projectKey)
	if err != nil {
		s.logger.Warn("definition load failed", "project", projectKey, "error", err)
		return result{"status": "error", "reason": "definition_unavailable"}
	}

	summary := completion.Summary{
		Status:    completion.StatusComplete,
		AgentType: signal.CompletedAgent,
		Summary:   "Completed via issue comment",
		NextAgent: signal.NextAgent,
	}
	eventID := fmt.Sprintf("comment_%d", ev.Comment.ID)
	res, err := s.engine.CompleteStep(ctx, issueID, signal.CompletedAgent, summary, eventID, def)
	if err != nil {
		s.logger.Warn("comment completion rejected",
			"issue", issueID, "agent", signal.CompletedAgent, "error", err)
		return result{"status": "ignored", "reason": "completion_rejected"}
	}
	if res.Duplicate {
		return result{"status": "ignored", "reason": "duplicate_event"}
	}

	if res.Terminal {
		// Workflow finished; verify linked PRs before the merge queue sees it.
		s.checkLinkedPRs(ctx, ev.Repo.FullName, ev.Issue.Number, issueID, projectKey)
		return result{"status": "completed", "issue": issueID}
	}
	if res.NextAgent != "" {
		if err := s.sched.LaunchAgent(ctx, issueID, res.NextAgent, launcher.TriggerWebhook); err != nil {
			s.logger.Error("handoff launch failed",
				"issue", issueID, "agent", res.NextAgent, "error", err)
		}
		return result{"status": "chained", "issue": issueID, "next_agent": res.NextAgent}
	}
	return result{"status": "processed", "issue": issueID}
}

// checkLinkedPRs queues open PRs referencing a finished issue for merge.
func (s *Server) checkLinkedPRs(ctx context.Context, repo string, issueNumber int, issueID, projectKey string) {
	prs, err := s.platform.SearchLinkedPRs(ctx, repo, issueNumber)
	if err != nil {
		s.logger.Warn("linked PR search failed", "issue", issueID, "error", err)
		return
	}
	project, _ := s.projects.Get(projectKey)
	for _, pr := range prs {
		if pr.State != "open" {
			continue
		}
		if err := s.sched.QueuePRForMerge(ctx, pr.URL, issueID, projectKey, project.ReviewMode); err != nil {
			s.logger.Warn("merge queue add failed", "pr", pr.URL, "error", err)
		}
	}
}

// handlePullRequest routes pull_request.opened and .closed.
func (s *Server) handlePullRequest(r *http.Request, body []byte) result {
	ev, err := decode[pullRequestEvent](body)
	if err != nil {
		return result{"status": "error", "reason": err.Error()}
	}
	ctx := r.Context()

	switch {
	case ev.Action == "opened":
		refs := issueRefs(ev.PR.Title)
		if len(refs) == 0 {
			return result{"status": "ignored", "reason": "no_issue_reference"}
		}
		issueID := strconv.Itoa(refs[0])
		if err := s.sched.LaunchAgent(ctx, issueID, "reviewer", launcher.TriggerWebhook); err != nil {
			s.logger.Warn("reviewer launch failed", "issue", issueID, "error", err)
			return result{"status": "ignored", "reason": "no_workflow"}
		}
		return result{"status": "reviewer_queued", "issue": issueID}

	case ev.Action == "closed" && ev.PR.Merged:
		return s.pullRequestMerged(ctx, ev)

	default:
		return result{"status": "ignored", "reason": "unhandled_action"}
	}
}

// pullRequestMerged notifies per review policy and always cleans worktrees
// for the referenced issues.
func (s *Server) pullRequestMerged(ctx context.Context, ev pullRequestEvent) result {
	projectKey, mapped := s.routes.ResolveProjectForRepo(ev.Repo.FullName)
	refs := issueRefs(ev.PR.Title + "\n" + ev.PR.Body)

	cleaned := 0
	if mapped {
		project, _ := s.projects.Get(projectKey)
		for _, number := range refs {
			if err := router.CleanWorktrees(project.Workspace, number); err != nil {
				s.logger.Warn("worktree cleanup failed", "issue", number, "error", err)
				continue
			}
			cleaned++
		}
		if project.ReviewMode != "silent" {
			for _, number := range refs {
				_ = s.events.Publish(ctx, bus.Event{
					Type:       bus.EventIssueLifecycle,
					ProjectKey: projectKey,
					IssueID:    strconv.Itoa(number),
					Payload:    map[string]any{"action": "pr_merged", "pr_url": ev.PR.HTMLURL},
				})
			}
		}
	}
	return result{"status": "processed", "worktrees_cleaned": cleaned}
}

// handlePullRequestReview is log-only.
func (s *Server) handlePullRequestReview(body []byte) result {
	ev, err := decode[reviewEvent](body)
	if err != nil {
		return result{"status": "error", "reason": err.Error()}
	}
	s.logger.Info("pull request review received",
		"pr", ev.PR.Number,
		"state", ev.Review.State,
		"reviewer", ev.Review.User.Login)
	return result{"status": "logged"}
}
