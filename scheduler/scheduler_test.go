package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
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
	"github.com/c360studio/nexus/statestore"
)

type fakePlatform struct {
	platform.GitPlatform
	mu       sync.Mutex
	nextNum  int
	issues   map[int]*platform.Issue
	linked   map[int][]platform.PullRequest
	creates  int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nextNum: 100,
		issues:  make(map[int]*platform.Issue),
		linked:  make(map[int][]platform.PullRequest),
	}
}

func (f *fakePlatform) CreateIssue(_ context.Context, repo, title, body string, labels []string) (*platform.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNum++
	f.creates++
	issue := &platform.Issue{
		Number:    f.nextNum,
		Title:     title,
		Body:      body,
		State:     "open",
		URL:       fmt.Sprintf("https://github.com/%s/issues/%d", repo, f.nextNum),
		Labels:    labels,
		CreatedAt: time.Now(),
	}
	f.issues[f.nextNum] = issue
	return issue, nil
}

func (f *fakePlatform) GetIssue(_ context.Context, _ string, number int) (*platform.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return issue, nil
}

func (f *fakePlatform) ListOpenIssues(_ context.Context, _ string, _ []string) ([]platform.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Issue
	for _, issue := range f.issues {
		if issue.State == "open" {
			out = append(out, *issue)
		}
	}
	return out, nil
}

func (f *fakePlatform) GetComments(context.Context, string, int) ([]platform.Comment, error) {
	return nil, nil
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
	return &launcher.Result{PID: 7000 + len(f.launches), Tool: "claude"}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeLauncher) last() launcher.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[len(f.launches)-1]
}

type liveProcesses struct{}

func (liveProcesses) Alive(context.Context, statestore.LaunchedAgentRecord) bool { return true }

type fixture struct {
	sched     *Scheduler
	queue     queue.Queue
	engine    *engine.Engine
	store     *statestore.Memory
	launcher  *fakeLauncher
	platform  *fakePlatform
	bus       *bus.InProc
	records   *launcher.Records
	workspace string
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	workspace := t.TempDir()

	configPath := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"projects:\n  nexus:\n    workspace: "+workspace+"\n    git_repo: acme/nexus-core\n"), 0o644))
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

	q, err := queue.NewFilesystem(filepath.Join(t.TempDir(), "inbox"))
	require.NoError(t, err)

	store := statestore.NewMemory()
	events := bus.NewInProc(nil)
	eng := engine.New(store, ledger.Open(context.Background(), store), events, nil)
	fl := &fakeLauncher{}
	fp := newFakePlatform()
	records := launcher.NewRecords(store, 24*time.Hour)
	runtime := reconcile.NewRuntimeState()
	guard := reconcile.NewRetryGuard(3, 30*time.Minute)
	routes := router.New(projects, fp, nil)
	rec := reconcile.New(eng, store, fl, records, fp, projects, events, guard, runtime,
		liveProcesses{}, defs, nil,
		reconcile.Options{OrphanCooldown: 15 * time.Minute, ReplayWindow: 30 * time.Minute})
	features := registry.New(store, nil, 0)

	f := &fixture{
		queue:     q,
		engine:    eng,
		store:     store,
		launcher:  fl,
		platform:  fp,
		bus:       events,
		records:   records,
		workspace: workspace,
		now:       time.Now(),
	}
	f.sched = New(q, eng, fl, records, fp, projects, routes, rec, features, store, events,
		runtime, guard, defs, nil, Options{
			AgentStuckAfter: time.Hour,
			ReplayWindow:    30 * time.Minute,
			DedupeWindow:    24 * time.Hour,
		})
	f.sched.SetNow(func() time.Time { return f.now })
	return f
}

func (f *fixture) enqueueTask(t *testing.T, title string) int64 {
	t.Helper()
	markdown := queue.BuildPayload(queue.Payload{
		Title:       title,
		Project:     "nexus",
		Type:        "full",
		TaskName:    "task-901",
		Description: "Do the thing.",
	})
	id, err := f.queue.Enqueue(context.Background(), "nexus", f.workspace, "task_901.md", markdown)
	require.NoError(t, err)
	return id
}

func TestFastTickProcessesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueueTask(t, "Add CSV export")

	f.sched.FastTick(ctx)

	// One issue created with the workflow label.
	require.Equal(t, 1, f.platform.creates)
	var issue *platform.Issue
	for _, i := range f.platform.issues {
		issue = i
	}
	require.NotNil(t, issue)
	assert.Equal(t, "Add CSV export", issue.Title)
	assert.Contains(t, issue.Labels, "workflow:full")

	// The workflow is running its first step and the first agent launched.
	issueID := fmt.Sprintf("%d", issue.Number)
	wf, err := f.engine.WorkflowForIssue(ctx, issueID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, wf.State)
	require.Equal(t, 1, f.launcher.count())
	assert.Equal(t, "developer", f.launcher.last().AgentType)
	assert.Equal(t, launcher.TriggerQueue, f.launcher.last().TriggerSource)

	// The issue is tracked.
	tracked := make(statestore.TrackedIssues)
	statestore.LoadOrEmpty(ctx, f.store, statestore.KeyTrackedIssues, &tracked)
	assert.Contains(t, tracked, issueID)

	// The queue row is gone.
	tasks, err := f.queue.Claim(ctx, 10, "w-2")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFastTickDedupesAgainstRecentIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.platform.CreateIssue(ctx, "acme/nexus-core", "Add CSV export", "", []string{"workflow:full"})
	require.NoError(t, err)
	f.platform.creates = 0

	f.enqueueTask(t, "Add CSV export")
	f.sched.FastTick(ctx)

	assert.Zero(t, f.platform.creates)
	assert.Zero(t, f.launcher.count())
}

func TestFastTickFailsTaskForUnknownProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	markdown := queue.BuildPayload(queue.Payload{
		Title: "Orphan work", Project: "ghost", Description: "nobody owns this",
	})
	_, err := f.queue.Enqueue(ctx, "ghost", f.workspace, "task_x.md", markdown)
	require.NoError(t, err)

	f.sched.FastTick(ctx)

	assert.Zero(t, f.platform.creates)
	// The row is terminal; nothing is left to claim.
	tasks, err := f.queue.Claim(ctx, 10, "w-2")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSlowTickConsumesCompletionFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueueTask(t, "Add CSV export")
	f.sched.FastTick(ctx)
	require.Equal(t, 1, f.launcher.count())

	var issueID string
	for num := range f.platform.issues {
		issueID = fmt.Sprintf("%d", num)
	}
	require.NoError(t, completion.Write(f.workspace, "nexus", issueID, completion.Summary{
		Status:      completion.StatusComplete,
		AgentType:   "developer",
		Summary:     "built it",
		KeyFindings: []string{"Implemented: CSV export"},
		NextAgent:   "reviewer",
	}))

	f.sched.SlowTick(ctx)

	wf, err := f.engine.WorkflowForIssue(ctx, issueID)
	require.NoError(t, err)
	assert.Equal(t, engine.StepComplete, wf.Steps[0].Status)
	assert.Equal(t, engine.StepRunning, wf.Steps[1].Status)

	require.Equal(t, 2, f.launcher.count())
	assert.Equal(t, "reviewer", f.launcher.last().AgentType)
	assert.Equal(t, launcher.TriggerChain, f.launcher.last().TriggerSource)

	// The completion fed the feature registry.
	features := registry.New(f.store, nil, 0)
	records, err := features.List(ctx, "nexus")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "CSV export", records[0].CanonicalTitle)

	// A second slow tick does not double-apply the same file.
	f.sched.SlowTick(ctx)
	assert.Equal(t, 2, f.launcher.count())
}

func TestStuckAgentAlertsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueueTask(t, "Add CSV export")
	f.sched.FastTick(ctx)

	var alerts []bus.Alert
	var mu sync.Mutex
	f.bus.OnAlert(func(a bus.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	f.now = f.now.Add(2 * time.Hour)
	f.sched.SlowTick(ctx)
	f.sched.SlowTick(ctx)

	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, a := range alerts {
		if a.Source == "scheduler" && a.Severity == bus.SeverityWarning {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMergeQueueTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prURL := "https://github.com/acme/nexus-core/pull/200"
	require.NoError(t, f.sched.QueuePRForMerge(ctx, prURL, "42", "nexus", "auto"))
	f.platform.linked[42] = []platform.PullRequest{
		{Number: 200, URL: prURL, State: "closed", Merged: true},
	}

	f.sched.SlowTick(ctx)

	mq := make(statestore.MergeQueue)
	statestore.LoadOrEmpty(ctx, f.store, statestore.KeyMergeQueue, &mq)
	require.Contains(t, mq, prURL)
	assert.Equal(t, statestore.MergeStatusMerged, mq[prURL].Status)
}

func TestMergeQueueAbandonsClosedPR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prURL := "https://github.com/acme/nexus-core/pull/201"
	require.NoError(t, f.sched.QueuePRForMerge(ctx, prURL, "43", "nexus", "auto"))
	f.platform.linked[43] = []platform.PullRequest{
		{Number: 201, URL: prURL, State: "closed", Merged: false},
	}

	f.sched.SlowTick(ctx)

	mq := make(statestore.MergeQueue)
	statestore.LoadOrEmpty(ctx, f.store, statestore.KeyMergeQueue, &mq)
	assert.Equal(t, statestore.MergeStatusAbandoned, mq[prURL].Status)
}
