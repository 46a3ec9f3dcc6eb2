package router

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// InboxDir returns the task inbox directory for a project workspace.
func InboxDir(workspace, projectKey string) string {
	return filepath.Join(workspace, ".nexus", "inbox", projectKey)
}

// ArchiveDir returns where archived task files for a project live.
func ArchiveDir(workspace, projectKey string) string {
	return filepath.Join(workspace, ".nexus", "tasks", projectKey, "archive")
}

// TaskFilename returns the canonical task filename for an issue.
func TaskFilename(issueNumber int) string {
	return fmt.Sprintf("issue_%d.md", issueNumber)
}

// WriteTask writes a task file into the project inbox and returns its path.
// The write is atomic so a concurrent inbox scan never sees a partial file.
func WriteTask(workspace, projectKey, filename, content string) (string, error) {
	dir := InboxDir(workspace, projectKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inbox directory: %w", err)
	}
	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("place task file: %w", err)
	}
	return path, nil
}

// ArchiveTaskFiles moves every inbox task file referencing the issue into the
// project archive. Returns the number of files moved.
func ArchiveTaskFiles(workspace, projectKey string, issueNumber int) (int, error) {
	inbox := InboxDir(workspace, projectKey)
	pattern := fmt.Sprintf("**/*issue_%d*.md", issueNumber)
	matches, err := doublestar.Glob(os.DirFS(inbox), pattern)
	if err != nil {
		return 0, fmt.Errorf("scan inbox for issue %d: %w", issueNumber, err)
	}
	if len(matches) == 0 {
		return 0, nil
	}

	archive := ArchiveDir(workspace, projectKey)
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return 0, fmt.Errorf("create archive directory: %w", err)
	}
	moved := 0
	for _, rel := range matches {
		src := filepath.Join(inbox, rel)
		dst := filepath.Join(archive, filepath.Base(rel))
		if err := moveFile(src, dst); err != nil {
			return moved, fmt.Errorf("archive task file %s: %w", rel, err)
		}
		moved++
	}
	return moved, nil
}

// RerouteTask moves a task file into another project's inbox, returning the
// new path. Collisions with an existing file get a timestamp suffix.
func RerouteTask(path, targetWorkspace, targetProject string) (string, error) {
	dir := InboxDir(targetWorkspace, targetProject)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create target inbox: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := moveFile(path, dst); err != nil {
		return "", fmt.Errorf("reroute task file to %s: %w", targetProject, err)
	}
	return dst, nil
}

// WorktreeDir returns the scratch worktree directory for an issue.
func WorktreeDir(workspace string, issueNumber int) string {
	return filepath.Join(workspace, ".nexus", "worktrees", fmt.Sprintf("issue-%d", issueNumber))
}

// CleanWorktrees removes the scratch worktree for an issue. Missing
// directories are not an error.
func CleanWorktrees(workspace string, issueNumber int) error {
	dir := WorktreeDir(workspace, issueNumber)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree %s: %w", dir, err)
	}
	return nil
}

// StaleWorktrees lists worktree directories not modified within maxAge.
func StaleWorktrees(workspace string, maxAge time.Duration) []string {
	root := filepath.Join(workspace, ".nexus", "worktrees")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(root, entry.Name()))
		}
	}
	return stale
}

// moveFile renames src to dst, deduplicating the destination name with a
// timestamp suffix when dst already exists.
func moveFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		base := dst[:len(dst)-len(ext)]
		dst = fmt.Sprintf("%s_%s%s", base, time.Now().UTC().Format("20060102T150405"), ext)
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return nil
}
