package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/platform"
)

func writeRegistry(t *testing.T, yaml string) *config.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	reg, err := config.LoadRegistry(path, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg
}

type stubPlatform struct {
	platform.GitPlatform
	issues map[string]*platform.Issue // key "repo#number"
}

func (s *stubPlatform) GetIssue(_ context.Context, repo string, number int) (*platform.Issue, error) {
	issue, ok := s.issues[fmt.Sprintf("%s#%d", repo, number)]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return issue, nil
}

func testRouter(t *testing.T, stub *stubPlatform) *Router {
	t.Helper()
	reg := writeRegistry(t, `
projects:
  nexus:
    workspace: /srv/nexus
    git_repo: acme/nexus-core
    git_repos:
      - acme/nexus-docs
    aliases:
      - nx
  widgets:
    workspace: /srv/widgets
    git_repo: acme/widgets
`)
	return New(reg, stub, nil)
}

func TestNormalizeProjectKey(t *testing.T) {
	r := testRouter(t, &stubPlatform{})

	assert.Equal(t, "nexus", r.NormalizeProjectKey("  NX "))
	assert.Equal(t, "nexus", r.NormalizeProjectKey("Nexus"))
	assert.Equal(t, "unknown", r.NormalizeProjectKey(" Unknown "))
}

func TestResolveProjectForRepo(t *testing.T) {
	r := testRouter(t, &stubPlatform{})

	key, ok := r.ResolveProjectForRepo("acme/nexus-docs")
	require.True(t, ok)
	assert.Equal(t, "nexus", key)

	key, ok = r.ResolveProjectForRepo("ACME/Widgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", key)

	_, ok = r.ResolveProjectForRepo("acme/orphaned")
	assert.False(t, ok)
}

func TestResolveRepoForIssue(t *testing.T) {
	stub := &stubPlatform{issues: map[string]*platform.Issue{
		"acme/widgets#7": {Number: 7, URL: "https://github.com/acme/widgets/issues/7"},
		// Same number exists on another repo but with a URL that does not
		// match; it must not win.
		"acme/nexus-core#7": {Number: 7, URL: "https://github.com/acme/other/issues/7"},
	}}
	r := testRouter(t, stub)

	project, repo := r.ResolveRepoForIssue(context.Background(), 7, "nexus")
	assert.Equal(t, "widgets", project)
	assert.Equal(t, "acme/widgets", repo)
}

func TestResolveRepoForIssueFallsBack(t *testing.T) {
	r := testRouter(t, &stubPlatform{})

	project, repo := r.ResolveRepoForIssue(context.Background(), 404, "nx")
	assert.Equal(t, "nexus", project)
	assert.Equal(t, "acme/nexus-core", repo)
}

func TestParseRepoSlug(t *testing.T) {
	tests := []struct {
		url  string
		slug string
		ok   bool
	}{
		{"https://github.com/acme/nexus-core.git", "acme/nexus-core", true},
		{"https://github.com/acme/nexus-core", "acme/nexus-core", true},
		{"git@github.com:acme/nexus-core.git", "acme/nexus-core", true},
		{"ssh://git@github.com/acme/nexus-core.git", "acme/nexus-core", true},
		{"https://gitlab.example.com/group/sub/project.git", "sub/project", true},
		{"not-a-url", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		slug, ok := ParseRepoSlug(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		if tt.ok {
			assert.Equal(t, tt.slug, slug, tt.url)
		}
	}
}

func TestDiscoverRepos(t *testing.T) {
	workspace := t.TempDir()
	gitDir := filepath.Join(workspace, "core", ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "config"), []byte(`
[core]
	bare = false
[remote "origin"]
	url = git@github.com:acme/nexus-core.git
	fetch = +refs/heads/*:refs/remotes/origin/*
`), 0o644))
	// A plain directory without .git is skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "notes"), 0o755))

	assert.Equal(t, []string{"acme/nexus-core"}, DiscoverRepos(workspace))
}

func TestWriteAndArchiveTaskFiles(t *testing.T) {
	workspace := t.TempDir()

	path, err := WriteTask(workspace, "nexus", TaskFilename(42), "# work\n")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = WriteTask(workspace, "nexus", "webhook_issue_42_retry.md", "# retry\n")
	require.NoError(t, err)
	_, err = WriteTask(workspace, "nexus", TaskFilename(43), "# other\n")
	require.NoError(t, err)

	moved, err := ArchiveTaskFiles(workspace, "nexus", 42)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(ArchiveDir(workspace, "nexus"), TaskFilename(42)))
	assert.FileExists(t, filepath.Join(InboxDir(workspace, "nexus"), TaskFilename(43)))
}

func TestRerouteTaskHandlesCollision(t *testing.T) {
	workspace := t.TempDir()

	src, err := WriteTask(workspace, "widgets", TaskFilename(9), "# misrouted\n")
	require.NoError(t, err)
	_, err = WriteTask(workspace, "nexus", TaskFilename(9), "# already here\n")
	require.NoError(t, err)

	dst, err := RerouteTask(src, workspace, "nexus")
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Join(InboxDir(workspace, "nexus"), TaskFilename(9)), dst)
	assert.FileExists(t, dst)
	assert.NoFileExists(t, src)
}

func TestCleanWorktrees(t *testing.T) {
	workspace := t.TempDir()
	dir := WorktreeDir(workspace, 42)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, CleanWorktrees(workspace, 42))
	assert.NoDirExists(t, dir)

	// Idempotent on a missing directory.
	require.NoError(t, CleanWorktrees(workspace, 42))
}
