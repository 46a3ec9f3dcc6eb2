// Package platform defines the code-hosting platform contract used by the
// orchestration core. Implementations wrap a specific provider's API; the
// core only depends on this interface.
package platform

import (
	"context"
	"errors"
	"time"
)

// Issue is a unit of work hosted on the platform.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"html_url"`
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"created_at"`
}

// Open reports whether the issue is open.
func (i *Issue) Open() bool { return i.State == "open" }

// HasLabelPrefix reports whether any label starts with prefix.
func (i *Issue) HasLabelPrefix(prefix string) bool {
	for _, label := range i.Labels {
		if len(label) >= len(prefix) && label[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Comment is an issue comment.
type Comment struct {
	ID          int64     `json:"id"`
	Body        string    `json:"body"`
	URL         string    `json:"html_url"`
	AuthorLogin string    `json:"author_login"`
	AuthorType  string    `json:"author_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// PullRequest is a pull request linked to an issue.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	URL     string `json:"html_url"`
	Merged  bool   `json:"merged"`
	HeadRef string `json:"head_ref"`
	BaseRef string `json:"base_ref"`
}

// ErrNotFound is returned when the referenced issue or comment does not
// exist on the platform.
var ErrNotFound = errors.New("not found on platform")

// GitPlatform is the provider contract. All calls are blocking I/O and honor
// the context deadline.
type GitPlatform interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error)
	CloseIssue(ctx context.Context, repo string, number int) error
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	ListOpenIssues(ctx context.Context, repo string, labels []string) ([]Issue, error)
	GetComments(ctx context.Context, repo string, number int) ([]Comment, error)
	AddComment(ctx context.Context, repo string, number int, body string) (*Comment, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	SearchLinkedPRs(ctx context.Context, repo string, issueNumber int) ([]PullRequest, error)
}
