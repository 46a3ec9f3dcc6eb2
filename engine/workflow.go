package engine

import (
	"time"

	"github.com/c360studio/nexus/completion"
)

// State of a workflow.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateStopped   State = "stopped"
)

// Terminal reports whether the state is sticky: terminal workflows are kept
// as an audit trail and never resumed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateStopped:
		return true
	}
	return false
}

// StepStatus of a single step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepPaused   StepStatus = "paused"
)

// Step is one slot of a workflow. StepNum is 1-based.
type Step struct {
	StepNum     int                 `json:"step_num"`
	Name        string              `json:"name"`
	Agent       AgentDef            `json:"agent"`
	Status      StepStatus          `json:"status"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Outputs     *completion.Summary `json:"outputs,omitempty"`
}

// Metadata carried on a workflow document.
type Metadata struct {
	IssueURL  string    `json:"issue_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is the persisted per-issue workflow document.
type Workflow struct {
	WorkflowID     string   `json:"workflow_id"`
	IssueID        string   `json:"issue_id"`
	ProjectKey     string   `json:"project_key"`
	RepoKey        string   `json:"repo_key"`
	Tier           string   `json:"tier"`
	State          State    `json:"state"`
	Steps          []Step   `json:"steps"`
	CurrentStepNum int      `json:"current_step_num"`
	Metadata       Metadata `json:"metadata"`
}

// RunningStep returns the step currently marked running, if any. At most one
// step is running at any moment.
func (w *Workflow) RunningStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Status == StepRunning {
			return &w.Steps[i]
		}
	}
	return nil
}

// CurrentStep returns the step CurrentStepNum points at.
func (w *Workflow) CurrentStep() *Step {
	if w.CurrentStepNum < 1 || w.CurrentStepNum > len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentStepNum-1]
}

// StepForAgent returns the first step at or after from (1-based) whose agent
// matches the normalized name.
func (w *Workflow) StepForAgent(agent string, from int) *Step {
	normalized := completion.NormalizeAgentName(agent)
	for i := range w.Steps {
		if w.Steps[i].StepNum < from {
			continue
		}
		if completion.NormalizeAgentName(w.Steps[i].Agent.Name) == normalized {
			return &w.Steps[i]
		}
	}
	return nil
}

// Status is the compact view returned by GetStatus.
type Status struct {
	WorkflowID      string `json:"workflow_id"`
	State           State  `json:"state"`
	CurrentStepNum  int    `json:"current_step_num"`
	TotalSteps      int    `json:"total_steps"`
	CurrentStepName string `json:"current_step_name"`
	WorkflowName    string `json:"workflow_name"`
}
