// Package github implements the platform contract against the GitHub REST
// API. Only the endpoints the orchestrator needs are wrapped.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/nexus/platform"
)

// requestTimeout bounds every platform call when the caller's context has no
// deadline of its own.
const requestTimeout = 30 * time.Second

// Client talks to the GitHub REST API with a personal access or installation
// token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. baseURL is https://api.github.com for
// github.com and https://<host>/api/v3 for GitHub Enterprise.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// SplitRepo splits an owner/repo slug.
func SplitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return platform.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Wire types; GitHub returns labels and users as objects.

type wireLabel struct {
	Name string `json:"name"`
}

type wireUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type wireIssue struct {
	Number    int         `json:"number"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	State     string      `json:"state"`
	HTMLURL   string      `json:"html_url"`
	Labels    []wireLabel `json:"labels"`
	CreatedAt time.Time   `json:"created_at"`
}

func (w *wireIssue) toIssue() *platform.Issue {
	labels := make([]string, 0, len(w.Labels))
	for _, l := range w.Labels {
		labels = append(labels, l.Name)
	}
	return &platform.Issue{
		Number:    w.Number,
		Title:     w.Title,
		Body:      w.Body,
		State:     w.State,
		URL:       w.HTMLURL,
		Labels:    labels,
		CreatedAt: w.CreatedAt,
	}
}

type wireComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      wireUser  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *wireComment) toComment() platform.Comment {
	return platform.Comment{
		ID:          w.ID,
		Body:        w.Body,
		URL:         w.HTMLURL,
		AuthorLogin: w.User.Login,
		AuthorType:  w.User.Type,
		CreatedAt:   w.CreatedAt,
	}
}

type wirePull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	MergedAt *time.Time `json:"merged_at"`
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*platform.Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		req["labels"] = labels
	}
	var issue wireIssue
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/issues", owner, name), req, &issue); err != nil {
		return nil, err
	}
	return issue.toIssue(), nil
}

// CloseIssue transitions the issue to closed.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/repos/%s/%s/issues/%d", owner, name, number),
		map[string]string{"state": "closed"}, nil)
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*platform.Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var issue wireIssue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/issues/%d", owner, name, number), nil, &issue); err != nil {
		return nil, err
	}
	return issue.toIssue(), nil
}

// ListOpenIssues lists open issues, optionally filtered by labels.
func (c *Client) ListOpenIssues(ctx context.Context, repo string, labels []string) ([]platform.Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	params := url.Values{"state": {"open"}, "per_page": {"100"}}
	if len(labels) > 0 {
		params.Set("labels", strings.Join(labels, ","))
	}
	var wire []wireIssue
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/issues?%s", owner, name, params.Encode()), nil, &wire); err != nil {
		return nil, err
	}
	issues := make([]platform.Issue, 0, len(wire))
	for i := range wire {
		issues = append(issues, *wire[i].toIssue())
	}
	return issues, nil
}

// GetComments lists comments on an issue, oldest first.
func (c *Client) GetComments(ctx context.Context, repo string, number int) ([]platform.Comment, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var wire []wireComment
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, name, number), nil, &wire); err != nil {
		return nil, err
	}
	comments := make([]platform.Comment, 0, len(wire))
	for i := range wire {
		comments = append(comments, wire[i].toComment())
	}
	return comments, nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, repo string, number int, body string) (*platform.Comment, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var wire wireComment
	if err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, name, number),
		map[string]string{"body": body}, &wire); err != nil {
		return nil, err
	}
	comment := wire.toComment()
	return &comment, nil
}

// AddLabels appends labels to an issue.
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, name, number),
		map[string][]string{"labels": labels}, nil)
}

// SearchLinkedPRs returns pull requests whose title or body references the
// issue number.
func (c *Client) SearchLinkedPRs(ctx context.Context, repo string, issueNumber int) ([]platform.PullRequest, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var wire []wirePull
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/pulls?state=all&per_page=100&sort=updated&direction=desc", owner, name),
		nil, &wire); err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("#%d", issueNumber)
	linked := make([]platform.PullRequest, 0)
	for _, pr := range wire {
		if !referencesIssue(pr.Title, ref) && !referencesIssue(pr.Body, ref) {
			continue
		}
		linked = append(linked, platform.PullRequest{
			Number:  pr.Number,
			Title:   pr.Title,
			State:   pr.State,
			URL:     pr.HTMLURL,
			Merged:  pr.Merged || pr.MergedAt != nil,
			HeadRef: pr.Head.Ref,
			BaseRef: pr.Base.Ref,
		})
	}
	return linked, nil
}

// referencesIssue matches "#42" not followed by another digit, so "#421"
// does not count as a reference to issue 42.
func referencesIssue(text, ref string) bool {
	for idx := strings.Index(text, ref); idx >= 0; {
		tail := text[idx+len(ref):]
		if tail == "" || tail[0] < '0' || tail[0] > '9' {
			return true
		}
		next := strings.Index(tail, ref)
		if next < 0 {
			return false
		}
		idx = idx + len(ref) + next
	}
	return false
}
