package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/completion"
	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/engine"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/ledger"
	"github.com/c360studio/nexus/platform"
	"github.com/c360studio/nexus/queue"
	"github.com/c360studio/nexus/reconcile"
	"github.com/c360studio/nexus/registry"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/scheduler"
	"github.com/c360studio/nexus/statestore"
)

const testSecret = "webhook-test-secret"

type fakePlatform struct {
	platform.GitPlatform
	mu     sync.Mutex
	linked map[int][]platform.PullRequest
}

func (f *fakePlatform) GetIssue(_ context.Context, _ string, number int) (*platform.Issue, error) {
	return &platform.Issue{Number: number, State: "open"}, nil
}

func (f *fakePlatform) SearchLinkedPRs(_ context.Context, _ string, issueNumber int) ([]platform.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked[issueNumber], nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []launcher.Request
}

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) (*launcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, req)
	return &launcher.Result{PID: 5000 + len(f.launches), Tool: "claude"}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type liveProcesses struct{}

func (liveProcesses) Alive(context.Context, statestore.LaunchedAgentRecord) bool { return true }

type fixture struct {
	server    *Server
	handler   http.Handler
	engine    *engine.Engine
	queue     queue.Queue
	launcher  *fakeLauncher
	platform  *fakePlatform
	bus       *bus.InProc
	store     *statestore.Memory
	def       *engine.Definition
	workspace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	workspace := t.TempDir()

	configPath := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"projects:\n  sampleco:\n    workspace: "+workspace+"\n    git_repo: acme/sampleco-mobile\n"), 0o644))
	projects, err := config.LoadRegistry(configPath, nil)
	require.NoError(t, err)
	t.Cleanup(projects.Close)

	def, err := engine.NewDefinition(map[string][]engine.AgentDef{
		"full": {
			{Name: "developer", DisplayName: "Developer", Type: "implementation"},
			{Name: "reviewer", DisplayName: "Reviewer", Type: "review"},
		},
	}, nil)
	require.NoError(t, err)
	defs := func(string) (*engine.Definition, error) { return def, nil }

	q, err := queue.NewFilesystem(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)

	store := statestore.NewMemory()
	events := bus.NewInProc(nil)
	eng := engine.New(store, ledger.Open(context.Background(), store), events, nil)
	fl := &fakeLauncher{}
	fp := &fakePlatform{linked: make(map[int][]platform.PullRequest)}
	records := launcher.NewRecords(store, 24*time.Hour)
	runtime := reconcile.NewRuntimeState()
	guard := reconcile.NewRetryGuard(3, 30*time.Minute)
	routes := router.New(projects, fp, nil)
	rec := reconcile.New(eng, store, fl, records, fp, projects, events, guard, runtime,
		liveProcesses{}, defs, nil, reconcile.Options{})
	sched := scheduler.New(q, eng, fl, records, fp, projects, routes, rec,
		registry.New(store, nil, 0), store, events, runtime, guard, defs, nil, scheduler.Options{})

	server := New(testSecret, "nexus-bot", nil, q, eng, sched, fp, projects, routes, events, defs, nil)
	return &fixture{
		server:    server,
		handler:   server.Handler(),
		engine:    eng,
		queue:     q,
		launcher:  fl,
		platform:  fp,
		bus:       events,
		store:     store,
		def:       def,
		workspace: workspace,
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) deliver(t *testing.T, event string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) startWorkflow(t *testing.T, issueID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.CreateWorkflowForIssue(ctx, issueID, "sampleco", "acme/sampleco-mobile", "full", "", f.def)
	require.NoError(t, err)
	require.NoError(t, f.engine.StartWorkflow(ctx, issueID))
}

func TestSignatureVerification(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"action":"opened"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	req.Header.Set("X-GitHub-Event", "issues")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// No signature header at all.
	req = httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issues")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMissingEventHeader(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestIssueOpenedCreatesTaskFile(t *testing.T) {
	f := newFixture(t)

	w := f.deliver(t, "issues", issuesEvent{
		Action: "opened",
		Issue: wireIssue{
			Number:  77,
			Title:   "Crash on login",
			Body:    "Steps to reproduce...",
			State:   "open",
			HTMLURL: "https://github.com/acme/sampleco-mobile/issues/77",
		},
		Repo: wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queued"`)

	path := filepath.Join(f.workspace, ".nexus", "inbox", "sampleco", "issue_77.md")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Source:** webhook")
	assert.Contains(t, string(data), "**Project:** sampleco")

	// The row is claimable.
	tasks, err := f.queue.Claim(context.Background(), 10, "w-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "sampleco", tasks[0].ProjectKey)
}

func TestIssueOpenedSkipsSelfCreated(t *testing.T) {
	f := newFixture(t)
	w := f.deliver(t, "issues", issuesEvent{
		Action: "opened",
		Issue: wireIssue{
			Number: 78,
			Title:  "Self created",
			Labels: []wireLabel{{Name: "workflow:full"}},
		},
		Repo: wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "self_created")
}

func TestIssueOpenedUnmappedRepository(t *testing.T) {
	f := newFixture(t)

	var alerts []bus.Alert
	var mu sync.Mutex
	f.bus.OnAlert(func(a bus.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	w := f.deliver(t, "issues", issuesEvent{
		Action: "opened",
		Issue:  wireIssue{Number: 1, Title: "Lost"},
		Repo:   wireRepo{FullName: "acme/unknown-repo"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unmapped_repository")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, bus.SeverityWarning, alerts[0].Severity)
}

func TestIssueClosedArchivesTaskFiles(t *testing.T) {
	f := newFixture(t)
	_, err := router.WriteTask(f.workspace, "sampleco", router.TaskFilename(77), "# task\n")
	require.NoError(t, err)

	w := f.deliver(t, "issues", issuesEvent{
		Action: "closed",
		Issue:  wireIssue{Number: 77, Title: "Crash on login"},
		Repo:   wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.NoFileExists(t, filepath.Join(f.workspace, ".nexus", "inbox", "sampleco", "issue_77.md"))
	assert.FileExists(t, filepath.Join(f.workspace, ".nexus", "tasks", "sampleco", "archive", "issue_77.md"))
}

func TestCommentFromBotIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "42")

	w := f.deliver(t, "issue_comment", issueCommentEvent{
		Action:  "created",
		Issue:   wireIssue{Number: 42},
		Comment: wireComment{ID: 500, Body: "## step complete — developer\nready for @reviewer", User: wireUser{Login: "Nexus-Bot"}},
		Repo:    wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "own_comment")

	wf, err := f.engine.WorkflowForIssue(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, engine.StepRunning, wf.Steps[0].Status)
}

func TestCompletionCommentChainsNextAgent(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "42")

	w := f.deliver(t, "issue_comment", issueCommentEvent{
		Action:  "created",
		Issue:   wireIssue{Number: 42},
		Comment: wireComment{ID: 789, Body: "## step complete — developer\n\nready for @reviewer", User: wireUser{Login: "agent-runner", Type: "Bot"}},
		Repo:    wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chained"`)

	wf, err := f.engine.WorkflowForIssue(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, engine.StepComplete, wf.Steps[0].Status)
	assert.Equal(t, engine.StepRunning, wf.Steps[1].Status)

	require.Equal(t, 1, f.launcher.count())
	assert.Equal(t, "reviewer", f.launcher.launches[0].AgentType)
	assert.Equal(t, launcher.TriggerWebhook, f.launcher.launches[0].TriggerSource)

	// Replaying the same comment ID is dropped by the in-process set.
	w = f.deliver(t, "issue_comment", issueCommentEvent{
		Action:  "created",
		Issue:   wireIssue{Number: 42},
		Comment: wireComment{ID: 789, Body: "## step complete — developer\n\nready for @reviewer", User: wireUser{Login: "agent-runner"}},
		Repo:    wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate_event")
	assert.Equal(t, 1, f.launcher.count())
}

func TestTerminalCommentQueuesLinkedPRs(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "42")
	ctx := context.Background()

	// Advance to the reviewer step first.
	_, err := f.engine.CompleteStep(ctx, "42", "developer",
		completionSummary("developer", "reviewer"), "comment_1", f.def)
	require.NoError(t, err)

	prURL := "https://github.com/acme/sampleco-mobile/pull/300"
	f.platform.linked[42] = []platform.PullRequest{{Number: 300, URL: prURL, State: "open"}}

	w := f.deliver(t, "issue_comment", issueCommentEvent{
		Action:  "created",
		Issue:   wireIssue{Number: 42},
		Comment: wireComment{ID: 900, Body: "## step complete — reviewer\n\nall done", User: wireUser{Login: "agent-runner"}},
		Repo:    wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed"`)

	wf, err := f.engine.WorkflowForIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, wf.State)

	mq := make(statestore.MergeQueue)
	statestore.LoadOrEmpty(ctx, f.store, statestore.KeyMergeQueue, &mq)
	require.Contains(t, mq, prURL)
	assert.Equal(t, statestore.MergeStatusPending, mq[prURL].Status)
}

func TestPullRequestOpenedQueuesReviewer(t *testing.T) {
	f := newFixture(t)
	f.startWorkflow(t, "42")

	w := f.deliver(t, "pull_request", pullRequestEvent{
		Action: "opened",
		PR:     wirePull{Number: 300, Title: "Fix crash for #42", State: "open"},
		Repo:   wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reviewer_queued")
	require.Equal(t, 1, f.launcher.count())
	assert.Equal(t, "reviewer", f.launcher.launches[0].AgentType)
}

func TestPullRequestMergedCleansWorktrees(t *testing.T) {
	f := newFixture(t)
	dir := router.WorktreeDir(f.workspace, 42)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w := f.deliver(t, "pull_request", pullRequestEvent{
		Action: "closed",
		PR:     wirePull{Number: 300, Title: "Fix crash for #42", State: "closed", Merged: true},
		Repo:   wireRepo{FullName: "acme/sampleco-mobile"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoDirExists(t, dir)
}

func TestPullRequestReviewIsLogOnly(t *testing.T) {
	f := newFixture(t)
	w := f.deliver(t, "pull_request_review", map[string]any{
		"action":       "submitted",
		"pull_request": map[string]any{"number": 300},
		"review":       map[string]any{"state": "approved"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "logged")
	assert.Zero(t, f.launcher.count())
}

func TestHandlerPanicBecomes500(t *testing.T) {
	// A server with nil collaborators panics inside the handler; the router
	// must answer 500 and alert instead of crashing.
	events := bus.NewInProc(nil)
	var alerts []bus.Alert
	var mu sync.Mutex
	events.OnAlert(func(a bus.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})
	server := New(testSecret, "", nil, nil, nil, nil, nil, nil, nil, events, nil, nil)

	body, _ := json.Marshal(issuesEvent{Action: "opened", Issue: wireIssue{Number: 1}})
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	req.Header.Set("X-GitHub-Event", "issues")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, bus.SeverityError, alerts[0].Severity)
	assert.True(t, strings.Contains(alerts[0].Message, "panicked"))
}

func completionSummary(agent, next string) completion.Summary {
	return completion.Summary{
		Status:    completion.StatusComplete,
		AgentType: agent,
		Summary:   "step done",
		NextAgent: next,
	}
}
