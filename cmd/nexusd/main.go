// Package main provides the nexusd binary entry point.
// Nexusd is the Nexus orchestration daemon: it turns work items into tracked
// issues and drives multi-step agent workflows against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/engine"
	"github.com/c360studio/nexus/launcher"
	"github.com/c360studio/nexus/ledger"
	"github.com/c360studio/nexus/platform"
	"github.com/c360studio/nexus/platform/github"
	"github.com/c360studio/nexus/postgres"
	"github.com/c360studio/nexus/queue"
	"github.com/c360studio/nexus/reconcile"
	"github.com/c360studio/nexus/registry"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/scheduler"
	"github.com/c360studio/nexus/statestore"
	"github.com/c360studio/nexus/watch"
	"github.com/c360studio/nexus/webhook"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nexusd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "nexusd",
		Short: "Agent workflow orchestration daemon",
		Long: `Nexusd turns work items into tracked issues on a code-hosting
platform and drives multi-step agent workflows against them.

It provides:
- A durable inbox queue fed by webhooks or dropped task files
- A workflow engine with idempotent step completion
- A reconciler that recovers orphaned and drifted workflows

Configuration comes from the environment; see PROJECT_CONFIG_PATH.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	settings, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	projects, err := config.LoadRegistry(settings.ProjectConfigPath, logger)
	if err != nil {
		return fmt.Errorf("load project registry: %w", err)
	}
	defer projects.Close()

	ctx := context.Background()

	store, cleanupStore, err := openStateStore(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanupStore()

	inbox, err := openInboxQueue(ctx, settings)
	if err != nil {
		return err
	}

	events, cleanupBus, err := openBus(settings, logger)
	if err != nil {
		return err
	}
	defer cleanupBus()

	var gp platform.GitPlatform = github.NewClient(settings.GitHubAPIBase, settings.GitHubToken)
	gp = platform.WithRetry(gp, platform.DefaultRetryPolicy())

	eng := engine.New(store, ledger.Open(ctx, store), events, logger)
	records := launcher.NewRecords(store, settings.AgentRecentWindow)
	agentLauncher := launcher.NewExec(settings.AgentCommand, settings.LogsDir, logger)
	routes := router.New(projects, gp, logger)
	features := registry.New(store, logger, 0)
	runtimeState := reconcile.NewRuntimeState()
	guard := reconcile.NewRetryGuard(0, 0)
	defs := definitionSource(projects)

	reconciler := reconcile.New(eng, store, agentLauncher, records, gp, projects, events,
		guard, runtimeState, reconcile.OSProcessChecker{}, defs, logger, reconcile.Options{
			OrphanCooldown: settings.OrphanRecoveryCooldown,
			ReplayWindow:   settings.CompletionReplayWindow,
		})

	sched := scheduler.New(inbox, eng, agentLauncher, records, gp, projects, routes,
		reconciler, features, store, events, runtimeState, guard, defs, logger, scheduler.Options{
			StaleClaimAfter: settings.StaleClaimAfter,
			AgentStuckAfter: settings.AgentStuckAfter,
			ReplayWindow:    settings.CompletionReplayWindow,
			DedupeWindow:    settings.IssueDedupeWindow,
		})

	watcher := watch.New(ctx, store, events, logSink{logger}, logger, 0)

	server := webhook.New(
		settings.WebhookSecret, settings.BotLogin, settings.UserAllowed,
		inbox, eng, sched, gp, projects, routes, events, defs, logger)

	httpServer := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Nexusd ready",
		"version", Version,
		"projects", len(projects.All()),
		"storage", settings.StorageBackend,
		"http", settings.HTTPAddr)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go sched.Run(signalCtx)
	go watcher.Run(signalCtx)

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-errCh:
		signalCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping HTTP server", "error", err)
	}

	slog.Info("Nexusd shutdown complete")
	return nil
}

// openStateStore selects the state-store backend from settings.
func openStateStore(ctx context.Context, settings *config.Settings) (statestore.Store, func(), error) {
	switch settings.StorageBackend {
	case config.BackendPostgres:
		db, err := postgres.Connect(ctx, settings.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return statestore.NewPostgres(db), func() { db.Close() }, nil

	case config.BackendNATS:
		nc, err := nats.Connect(settings.NATSURL, nats.Name(appName))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("open JetStream: %w", err)
		}
		store, err := statestore.NewNATSKV(ctx, js)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return store, nc.Close, nil

	default:
		store, err := statestore.NewFilesystem(filepath.Join(settings.RuntimeDir, "state"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// openInboxQueue selects the inbox backend from settings.
func openInboxQueue(ctx context.Context, settings *config.Settings) (queue.Queue, error) {
	if settings.InboxBackend == config.BackendPostgres {
		db, err := postgres.Connect(ctx, settings.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return queue.NewPostgres(db), nil
	}
	return queue.NewFilesystem(filepath.Join(settings.RuntimeDir, "queue"))
}

// openBus uses NATS when a URL is configured and falls back to the
// in-process bus for single-node deployments.
func openBus(settings *config.Settings, logger *slog.Logger) (bus.Bus, func(), error) {
	if settings.NATSURL == "" {
		return bus.NewInProc(logger), func() {}, nil
	}
	b, err := bus.ConnectNATS(settings.NATSURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

// definitionSource loads per-project workflow definitions, cached until the
// project registry reloads. Projects without a definition file share the
// built-in default.
func definitionSource(projects *config.Registry) reconcile.DefinitionSource {
	var mu sync.Mutex
	var token int64 = -1
	cache := make(map[string]*engine.Definition)

	return func(projectKey string) (*engine.Definition, error) {
		mu.Lock()
		defer mu.Unlock()
		if t := projects.Token(); t != token {
			cache = make(map[string]*engine.Definition)
			token = t
		}
		if def, ok := cache[projectKey]; ok {
			return def, nil
		}

		project, ok := projects.Get(projectKey)
		if !ok {
			return nil, fmt.Errorf("unknown project %q", projectKey)
		}
		var def *engine.Definition
		var err error
		if project.WorkflowDefinitionPath != "" {
			def, err = engine.LoadDefinition(project.WorkflowDefinitionPath)
		} else {
			def, err = defaultDefinition()
		}
		if err != nil {
			return nil, err
		}
		cache[projectKey] = def
		return def, nil
	}
}

func defaultDefinition() (*engine.Definition, error) {
	return engine.NewDefinition(map[string][]engine.AgentDef{
		"full": {
			{Name: "planner", DisplayName: "Planner", Type: "planning"},
			{Name: "architect", DisplayName: "Architect", Type: "design"},
			{Name: "developer", DisplayName: "Developer", Type: "implementation"},
			{Name: "reviewer", DisplayName: "Reviewer", Type: "review"},
		},
		"shortened": {
			{Name: "planner", DisplayName: "Planner", Type: "planning"},
			{Name: "developer", DisplayName: "Developer", Type: "implementation"},
			{Name: "reviewer", DisplayName: "Reviewer", Type: "review"},
		},
		"fast-track": {
			{Name: "developer", DisplayName: "Developer", Type: "implementation"},
			{Name: "reviewer", DisplayName: "Reviewer", Type: "review"},
		},
	}, nil)
}

// logSink writes watch messages to the daemon log. Chat front-ends replace
// it with a real delivery channel.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) Send(_ context.Context, subscriber, message string) error {
	s.logger.Info("watch update", "subscriber", subscriber, "message", message)
	return nil
}
