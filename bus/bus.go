// Package bus provides the lifecycle event bus shared by the orchestration
// core and any front-end consumers. Events describe workflow progress; alerts
// describe conditions an operator should see.
package bus

import (
	"context"
	"time"
)

// Event types published by the orchestration core.
const (
	EventWorkflowCreated   = "workflow.created"
	EventWorkflowStarted   = "workflow.started"
	EventStepStatusChanged = "step.status_changed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowPaused    = "workflow.paused"
	EventWorkflowResumed   = "workflow.resumed"
	EventWorkflowStopped   = "workflow.stopped"
	EventWorkflowCancelled = "workflow.cancelled"
	EventMermaidDiagram    = "mermaid.diagram"
	EventIssueLifecycle    = "issue.lifecycle"
)

// Event is a single lifecycle notification.
type Event struct {
	Type       string         `json:"type"`
	ProjectKey string         `json:"project_key,omitempty"`
	IssueID    string         `json:"issue_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is a structured operator-visible record.
type Alert struct {
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Source      string   `json:"source"`
	ProjectKey  string   `json:"project_key,omitempty"`
	IssueNumber int      `json:"issue_number,omitempty"`
}

// Bus carries events and alerts from the core to consumers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	PublishAlert(ctx context.Context, alert Alert) error
	// Subscribe returns a channel receiving events whose type is in types
	// (all events when types is empty) and a cancel function that must be
	// called to release the subscription.
	Subscribe(types ...string) (<-chan Event, func())
}
