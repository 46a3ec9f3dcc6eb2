// Package router resolves the project/repo topology: project keys and
// aliases, repo ownership, issue-to-repo routing and the task files that
// carry work into a project inbox.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/platform"
)

// Router answers topology questions against the live project registry.
type Router struct {
	registry *config.Registry
	platform platform.GitPlatform
	logger   *slog.Logger
}

// New creates a router.
func New(registry *config.Registry, gp platform.GitPlatform, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, platform: gp, logger: logger}
}

// NormalizeProjectKey lowercases and trims raw, resolving aliases to the
// canonical project key. Unknown keys pass through normalized.
func (r *Router) NormalizeProjectKey(raw string) string {
	key, _ := r.registry.Canonical(raw)
	return key
}

// ReposForProject returns the repo slugs a project owns: the explicitly
// configured list, or when none is configured, the repos discovered in the
// project workspace.
func (r *Router) ReposForProject(projectKey string) []string {
	project, ok := r.registry.Get(projectKey)
	if !ok {
		return nil
	}
	if repos := project.Repos(); len(repos) > 0 {
		return repos
	}
	return DiscoverRepos(project.Workspace)
}

// ResolveProjectForRepo returns the first project whose repo list contains
// the slug. Project keys are scanned in sorted order so the answer is stable.
func (r *Router) ResolveProjectForRepo(repo string) (string, bool) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return "", false
	}
	projects := r.registry.All()
	keys := make([]string, 0, len(projects))
	for key := range projects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, candidate := range r.ReposForProject(key) {
			if strings.EqualFold(candidate, repo) {
				return key, true
			}
		}
	}
	return "", false
}

// ResolveRepoForIssue finds the repo hosting an issue number by probing each
// candidate repo on the platform. The default project's repos are probed
// first; when nothing matches, its first repo is returned as the fallback.
func (r *Router) ResolveRepoForIssue(ctx context.Context, issueNumber int, defaultProject string) (projectKey, repo string) {
	defaultProject = r.NormalizeProjectKey(defaultProject)

	projects := r.registry.All()
	keys := make([]string, 0, len(projects))
	for key := range projects {
		if key != defaultProject {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if _, ok := projects[defaultProject]; ok {
		keys = append([]string{defaultProject}, keys...)
	}

	needle := fmt.Sprintf("/issues/%d", issueNumber)
	for _, key := range keys {
		for _, candidate := range r.ReposForProject(key) {
			issue, err := r.platform.GetIssue(ctx, candidate, issueNumber)
			if err != nil {
				continue
			}
			if strings.Contains(issue.URL, "/"+candidate+needle) {
				return key, candidate
			}
		}
	}

	fallback := r.ReposForProject(defaultProject)
	if len(fallback) == 0 {
		return defaultProject, ""
	}
	r.logger.Debug("issue not located on any candidate repo, using default",
		"issue", issueNumber,
		"project", defaultProject,
		"repo", fallback[0])
	return defaultProject, fallback[0]
}

// DiscoverRepos scans a workspace directory for checked-out repositories and
// returns their origin slugs.
func DiscoverRepos(workspace string) []string {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return nil
	}
	var repos []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gitDir := filepath.Join(workspace, entry.Name(), ".git")
		if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
			continue
		}
		if slug, ok := originSlug(gitDir); ok {
			repos = append(repos, slug)
		}
	}
	sort.Strings(repos)
	return repos
}

// originSlug reads the origin remote URL out of a .git/config file.
func originSlug(gitDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(gitDir, "config"))
	if err != nil {
		return "", false
	}
	inOrigin := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inOrigin = line == `[remote "origin"]`
			continue
		}
		if !inOrigin || !strings.HasPrefix(line, "url") {
			continue
		}
		_, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		return ParseRepoSlug(strings.TrimSpace(value))
	}
	return "", false
}

// ParseRepoSlug normalizes a git remote URL to its "owner/repo" slug.
// Both https and scp-style ssh remotes are handled.
func ParseRepoSlug(remoteURL string) (string, bool) {
	url := strings.TrimSpace(remoteURL)
	url = strings.TrimSuffix(url, ".git")

	if idx := strings.Index(url, "://"); idx >= 0 {
		url = url[idx+3:]
		if slash := strings.Index(url, "/"); slash >= 0 {
			url = url[slash+1:]
		} else {
			return "", false
		}
	} else if at := strings.Index(url, "@"); at >= 0 {
		url = url[at+1:]
		if colon := strings.Index(url, ":"); colon >= 0 {
			url = url[colon+1:]
		} else {
			return "", false
		}
	}

	url = strings.Trim(url, "/")
	parts := strings.Split(url, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1], true
}
