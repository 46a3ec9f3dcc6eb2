// Package scheduler runs the cooperative orchestration loop: the fast axis
// drains the inbox queue, the slow axis runs reconciliation, agent health
// checks, the merge-queue tick and cleanup. No error escapes a tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/engine"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/platform"
	"github.com/c360studio/nexus/queue"
	"github.com/c360studio/nexus/reconcile"
	"github.com/c360studio/nexus/registry"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/statestore"
)

// Options tunes the scheduler loop.
type Options struct {
	FastInterval    time.Duration // queue drain, default 5s
	SlowInterval    time.Duration // reconcile + checks, default 60s
	ClaimBatch      int           // rows per claim, default 10
	DefaultTier     string        // tier when a task names none, default "full"
	StaleClaimAfter time.Duration
	AgentStuckAfter time.Duration
	ReplayWindow    time.Duration
	WorktreeMaxAge  time.Duration
	DedupeWindow    time.Duration
}

func (o *Options) fill() {
	if o.FastInterval <= 0 {
		o.FastInterval = 5 * time.Second
	}
	if o.SlowInterval <= 0 {
		o.SlowInterval = 60 * time.Second
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 10
	}
	if o.DefaultTier == "" {
		o.DefaultTier = "full"
	}
	if o.StaleClaimAfter <= 0 {
		o.StaleClaimAfter = 10 * time.Minute
	}
	if o.AgentStuckAfter <= 0 {
		o.AgentStuckAfter = time.Hour
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = 30 * time.Minute
	}
	if o.WorktreeMaxAge <= 0 {
		o.WorktreeMaxAge = 24 * time.Hour
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 24 * time.Hour
	}
}

// Scheduler owns the periodic loop.
type Scheduler struct {
	queue      queue.Queue
	engine     *engine.Engine
	launcher   launcher.AgentLauncher
	records    *launcher.Records
	platform   platform.GitPlatform
	projects   *config.Registry
	routes     *router.Router
	reconciler *reconcile.Reconciler
	features   *registry.Registry
	store      statestore.Store
	events     bus.Bus
	runtime    *reconcile.RuntimeState
	guard      *reconcile.RetryGuard
	defs       reconcile.DefinitionSource
	logger     *slog.Logger
	opts       Options
	workerID   string
	now        func() time.Time

	fastMu sync.Mutex
	slowMu sync.Mutex
}

// New creates a scheduler.
func New(
	q queue.Queue,
	eng *engine.Engine,
	al launcher.AgentLauncher,
	records *launcher.Records,
	gp platform.GitPlatform,
	projects *config.Registry,
	routes *router.Router,
	rec *reconcile.Reconciler,
	features *registry.Registry,
	store statestore.Store,
	events bus.Bus,
	runtime *reconcile.RuntimeState,
	guard *reconcile.RetryGuard,
	defs reconcile.DefinitionSource,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.fill()
	hostname, _ := os.Hostname()
	return &Scheduler{
		queue:      q,
		engine:     eng,
		launcher:   al,
		records:    records,
		platform:   gp,
		projects:   projects,
		routes:     routes,
		reconciler: rec,
		features:   features,
		store:      store,
		events:     events,
		runtime:    runtime,
		guard:      guard,
		defs:       defs,
		logger:     logger,
		opts:       opts,
		workerID:   fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		now:        time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Run blocks until ctx is cancelled. The startup reconciliation cycle runs
// before the first tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler starting",
		"worker", s.workerID,
		"fast_interval", s.opts.FastInterval,
		"slow_interval", s.opts.SlowInterval)

	s.reconciler.Run(ctx, true)

	fast := time.NewTicker(s.opts.FastInterval)
	slow := time.NewTicker(s.opts.SlowInterval)
	defer fast.Stop()
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-fast.C:
			s.FastTick(ctx)
		case <-slow.C:
			s.SlowTick(ctx)
		}
	}
}

// FastTick drains the queue once. Re-entry is skipped, not queued.
func (s *Scheduler) FastTick(ctx context.Context) {
	if !s.fastMu.TryLock() {
		ticksSkipped.WithLabelValues("fast").Inc()
		return
	}
	defer s.fastMu.Unlock()
	start := time.Now()
	defer func() {
		tickDuration.WithLabelValues("fast").Observe(time.Since(start).Seconds())
	}()
	defer s.recoverTick("fast")

	s.drainQueue(ctx)
}

// SlowTick runs reconciliation and the periodic checks once.
func (s *Scheduler) SlowTick(ctx context.Context) {
	if !s.slowMu.TryLock() {
		ticksSkipped.WithLabelValues("slow").Inc()
		return
	}
	defer s.slowMu.Unlock()
	start := time.Now()
	defer func() {
		tickDuration.WithLabelValues("slow").Observe(time.Since(start).Seconds())
	}()
	defer s.recoverTick("slow")

	s.reconciler.Run(ctx, false)
	s.checkStuckAgents(ctx)
	s.checkCompletedAgents(ctx)
	s.mergeQueueTick(ctx)
	s.cleanupWorktrees()

	if reclaimed, err := s.queue.ReclaimStale(ctx, s.opts.StaleClaimAfter); err != nil {
		s.logger.Warn("stale claim reclaim failed", "error", err)
	} else if reclaimed > 0 {
		rowsReclaimed.Add(float64(reclaimed))
		s.logger.Info("stale queue rows reclaimed", "count", reclaimed)
	}
	if pruned, err := s.records.PruneOld(ctx); err != nil {
		s.logger.Warn("launch record prune failed", "error", err)
	} else if pruned > 0 {
		s.logger.Debug("old launch records pruned", "count", pruned)
	}
}

// recoverTick converts a handler panic into an alert so the loop survives.
func (s *Scheduler) recoverTick(axis string) {
	if r := recover(); r != nil {
		s.logger.Error("scheduler tick panicked", "axis", axis, "panic", r)
		_ = s.events.PublishAlert(context.Background(), bus.Alert{
			Message:  fmt.Sprintf("scheduler %s tick panicked: %v", axis, r),
			Severity: bus.SeverityError,
			Source:   "scheduler",
		})
	}
}

// cleanupWorktrees removes scratch worktrees that have gone stale.
func (s *Scheduler) cleanupWorktrees() {
	for projectKey, project := range s.projects.All() {
		for _, dir := range router.StaleWorktrees(project.Workspace, s.opts.WorktreeMaxAge) {
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Warn("stale worktree removal failed",
					"project", projectKey, "dir", dir, "error", err)
				continue
			}
			s.logger.Info("stale worktree removed", "project", projectKey, "dir", dir)
		}
	}
}
