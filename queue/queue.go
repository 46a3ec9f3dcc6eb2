// Package queue provides the durable inbox of task payloads feeding the
// orchestrator. Rows are claimed with at-least-once semantics; duplicate
// pending rows for the same (project, filename) are suppressed at claim time
// so the enqueue path stays a single insert.
package queue

import (
	"context"
	"errors"
	"time"
)

// Status of a queue row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// DuplicateSuppressed is the error recorded on rows retired as duplicates.
const DuplicateSuppressed = "Duplicate queue row suppressed"

// ErrNotFound is returned for terminal transitions on unknown row IDs.
var ErrNotFound = errors.New("queue row not found")

// Task is one inbox row.
type Task struct {
	ID           int64      `json:"id" db:"id"`
	ProjectKey   string     `json:"project_key" db:"project_key"`
	Workspace    string     `json:"workspace" db:"workspace"`
	Filename     string     `json:"filename" db:"filename"`
	Markdown     string     `json:"markdown_content" db:"markdown_content"`
	Status       Status     `json:"status" db:"status"`
	ClaimedBy    string     `json:"claimed_by" db:"claimed_by"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	Error        string     `json:"error" db:"error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Queue is the durable inbox contract.
type Queue interface {
	// Enqueue appends a pending row and returns its ID. Duplicate
	// (project, filename) pending rows are permitted here and suppressed on
	// claim.
	Enqueue(ctx context.Context, projectKey, workspace, filename, markdown string) (int64, error)

	// Claim atomically selects up to limit pending rows in FIFO order of ID.
	// For each selected row the oldest pending row per (project, filename)
	// transitions to processing; every other pending row with the same key
	// transitions to done with Error set to DuplicateSuppressed.
	Claim(ctx context.Context, limit int, workerID string) ([]Task, error)

	// MarkDone and MarkFailed are terminal transitions.
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// ReclaimStale returns rows stuck in processing longer than olderThan to
	// pending and reports how many were reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}
