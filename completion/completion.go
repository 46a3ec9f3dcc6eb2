// Package completion handles agent completion signals: the local summary
// files written by agent processes and the structured comments agents post on
// issues.
package completion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Summary statuses.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Summary is the completion file an agent writes when it finishes a step.
// The orchestration core treats these files as read-only input, except for
// the startup auto-reconcile rewrite.
type Summary struct {
	Status      string   `json:"status"`
	AgentType   string   `json:"agent_type"`
	Summary     string   `json:"summary"`
	KeyFindings []string `json:"key_findings,omitempty"`
	NextAgent   string   `json:"next_agent"`
}

// File pairs a summary with its on-disk location.
type File struct {
	Path    string
	IssueID string
	ModTime time.Time
	Summary Summary
}

// EventID derives the idempotency event ID for a local completion file from
// its path and contents, so rewriting the file yields a new event.
func (f *File) EventID() string {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		data = nil
	}
	sum := sha256.Sum256(append([]byte(f.Path+"\x00"), data...))
	return "file:" + hex.EncodeToString(sum[:16])
}

// Dir returns the completions directory for a project workspace.
func Dir(workspace, projectKey string) string {
	return filepath.Join(workspace, ".nexus", "tasks", projectKey, "completions")
}

// SummaryPath returns the completion file path for an issue.
func SummaryPath(workspace, projectKey, issueID string) string {
	return filepath.Join(Dir(workspace, projectKey), "completion_summary_"+issueID+".json")
}

// Read loads the completion file for an issue. A missing file returns
// (nil, nil).
func Read(workspace, projectKey, issueID string) (*File, error) {
	path := SummaryPath(workspace, projectKey, issueID)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat completion file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read completion file: %w", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("decode completion file %s: %w", path, err)
	}
	return &File{Path: path, IssueID: issueID, ModTime: info.ModTime(), Summary: summary}, nil
}

// Write replaces the completion file for an issue.
func Write(workspace, projectKey, issueID string, summary Summary) error {
	dir := Dir(workspace, projectKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create completions directory: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal completion summary: %w", err)
	}
	path := SummaryPath(workspace, projectKey, issueID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write completion file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace completion file: %w", err)
	}
	return nil
}

// Scan lists all completion files in a project workspace, newest first per
// issue. Files older than maxAge are skipped when maxAge > 0.
func Scan(workspace, projectKey string, maxAge time.Duration) ([]File, error) {
	dir := Dir(workspace, projectKey)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan completions directory: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "completion_summary_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		issueID := strings.TrimSuffix(strings.TrimPrefix(name, "completion_summary_"), ".json")
		file, err := Read(workspace, projectKey, issueID)
		if err != nil || file == nil {
			continue
		}
		if maxAge > 0 && file.ModTime.Before(cutoff) {
			continue
		}
		files = append(files, *file)
	}
	return files, nil
}

// NormalizeAgentName canonicalizes an agent reference from a comment or
// payload: strips the @ prefix and backticks, trims, lower-cases.
func NormalizeAgentName(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.Trim(name, "`")
	name = strings.TrimPrefix(name, "@")
	name = strings.Trim(name, "`")
	return strings.ToLower(strings.TrimSpace(name))
}
