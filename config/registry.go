package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Project is the configuration for one managed project.
type Project struct {
	Workspace              string   `yaml:"workspace"`
	GitRepo                string   `yaml:"git_repo,omitempty"`
	GitRepos               []string `yaml:"git_repos,omitempty"`
	Platform               string   `yaml:"platform,omitempty"`
	AgentsDir              string   `yaml:"agents_dir,omitempty"`
	WorkflowDefinitionPath string   `yaml:"workflow_definition,omitempty"`
	Aliases                []string `yaml:"aliases,omitempty"`
	ReviewMode             string   `yaml:"review_mode,omitempty"`
}

// Repos returns the explicitly configured repository slugs, git_repo first.
func (p Project) Repos() []string {
	repos := make([]string, 0, len(p.GitRepos)+1)
	if p.GitRepo != "" {
		repos = append(repos, p.GitRepo)
	}
	for _, r := range p.GitRepos {
		if r != p.GitRepo {
			repos = append(repos, r)
		}
	}
	return repos
}

type projectFile struct {
	Projects map[string]Project `yaml:"projects"`
}

// Registry holds the project configuration, reloading it when the backing
// file changes. Readers hold the snapshot only for the duration of a call;
// the invalidation token increments on every successful reload.
type Registry struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	projects map[string]Project
	aliases  map[string]string

	token   atomic.Int64
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadRegistry reads the project configuration file and starts watching it
// for changes.
func LoadRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("project config watcher unavailable, hot reload disabled", "error", err)
		return r, nil
	}
	if err := watcher.Add(path); err != nil {
		logger.Warn("project config watch failed, hot reload disabled", "path", path, "error", err)
		watcher.Close()
		return r, nil
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read project config: %w", err)
	}
	var file projectFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse project config: %w", err)
	}
	if len(file.Projects) == 0 {
		return fmt.Errorf("project config %s defines no projects", r.path)
	}

	projects := make(map[string]Project, len(file.Projects))
	aliases := make(map[string]string)
	for rawKey, project := range file.Projects {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			return fmt.Errorf("project config contains an empty project key")
		}
		if key != rawKey {
			return fmt.Errorf("project key %q must be lower-case and trimmed", rawKey)
		}
		if _, dup := projects[key]; dup {
			return fmt.Errorf("duplicate project key %q", key)
		}
		if project.Workspace == "" {
			return fmt.Errorf("project %q: workspace is required", key)
		}
		projects[key] = project
	}
	// Aliases and canonical keys share one namespace.
	for key := range projects {
		aliases[key] = key
	}
	for key, project := range projects {
		for _, alias := range project.Aliases {
			alias = strings.ToLower(strings.TrimSpace(alias))
			if alias == "" {
				continue
			}
			if existing, taken := aliases[alias]; taken && existing != key {
				return fmt.Errorf("alias %q of project %q collides with %q", alias, key, existing)
			}
			aliases[alias] = key
		}
	}

	r.mu.Lock()
	r.projects = projects
	r.aliases = aliases
	r.mu.Unlock()
	r.token.Add(1)
	return nil
}

func (r *Registry) watch() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.reload(); err != nil {
				// Keep serving the last good snapshot.
				r.logger.Warn("project config reload failed", "error", err)
				continue
			}
			r.logger.Info("project config reloaded", "token", r.token.Load())
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("project config watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Token returns the invalidation token; it changes on every reload.
func (r *Registry) Token() int64 {
	return r.token.Load()
}

// Get returns the project for a canonical key.
func (r *Registry) Get(key string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[key]
	return p, ok
}

// All returns a copy of the project map.
func (r *Registry) All() map[string]Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Project, len(r.projects))
	for k, v := range r.projects {
		out[k] = v
	}
	return out
}

// Canonical resolves raw (canonical key or alias, any case) to the canonical
// project key. When raw is unknown, the trimmed lower-case value is returned
// with ok=false.
func (r *Registry) Canonical(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[key]; ok {
		return canonical, true
	}
	return key, false
}
