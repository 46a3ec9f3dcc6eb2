// Package engine owns the per-issue workflow state machine. All mutations go
// through the engine under a per-issue lock; lifecycle events are emitted
// only after the mutation has been persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/completion"
	"github.com/c360studio/nexus/ledger"
	"github.com/c360studio/nexus/statestore"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine drives workflows. It is safe for concurrent use; CompleteStep calls
// for one issue are linearized by a per-issue lock.
type Engine struct {
	store  statestore.Store
	ledger *ledger.Ledger
	events bus.Bus
	logger *slog.Logger
	clock  Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an engine.
func New(store statestore.Store, led *ledger.Ledger, events bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		ledger: led,
		events: events,
		logger: logger,
		clock:  systemClock{},
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the engine clock; tests only.
func (e *Engine) SetClock(c Clock) { e.clock = c }

func (e *Engine) issueLock(issueID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[issueID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[issueID] = lock
	}
	return lock
}

// withIssueLock runs fn under the issue lock and publishes the returned
// events after the lock is released.
func (e *Engine) withIssueLock(ctx context.Context, issueID string, fn func() ([]bus.Event, error)) error {
	lock := e.issueLock(issueID)
	lock.Lock()
	events, err := fn()
	lock.Unlock()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if pubErr := e.events.Publish(ctx, ev); pubErr != nil {
			e.logger.Warn("event publish failed", "type", ev.Type, "issue", issueID, "error", pubErr)
		}
	}
	return nil
}

func (e *Engine) loadMappings(ctx context.Context) statestore.WorkflowMappings {
	mappings := make(statestore.WorkflowMappings)
	statestore.LoadOrEmpty(ctx, e.store, statestore.KeyWorkflowMappings, &mappings)
	return mappings
}

func (e *Engine) saveMappings(ctx context.Context, mappings statestore.WorkflowMappings) error {
	if err := e.store.Save(ctx, statestore.KeyWorkflowMappings, mappings); err != nil {
		return fmt.Errorf("%w: save workflow mappings: %w", ErrPersistenceFailed, err)
	}
	return nil
}

func (e *Engine) loadWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	var wf Workflow
	err := statestore.LoadInto(ctx, e.store, statestore.KeyWorkflowPrefix+workflowID, &wf)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	return &wf, nil
}

func (e *Engine) saveWorkflow(ctx context.Context, wf *Workflow) error {
	if err := e.store.Save(ctx, statestore.KeyWorkflowPrefix+wf.WorkflowID, wf); err != nil {
		return fmt.Errorf("%w: save workflow %s: %w", ErrPersistenceFailed, wf.WorkflowID, err)
	}
	return nil
}

// WorkflowForIssue resolves the issue→workflow mapping and loads the
// workflow document.
func (e *Engine) WorkflowForIssue(ctx context.Context, issueID string) (*Workflow, error) {
	mappings := e.loadMappings(ctx)
	workflowID, ok := mappings[issueID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return e.loadWorkflow(ctx, workflowID)
}

// CreateWorkflowForIssue builds the workflow document for an issue from the
// tier definition and persists it together with the issue→workflow mapping.
func (e *Engine) CreateWorkflowForIssue(ctx context.Context, issueID, projectKey, repoKey, tier, issueURL string, def *Definition) (string, error) {
	agentDefs, err := def.StepsFor(tier)
	if err != nil {
		return "", err
	}

	var workflowID string
	err = e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		mappings := e.loadMappings(ctx)
		if existingID, ok := mappings[issueID]; ok {
			existing, err := e.loadWorkflow(ctx, existingID)
			if err == nil && !existing.State.Terminal() {
				workflowID = existingID
				return nil, fmt.Errorf("%w: issue %s has workflow %s", ErrWorkflowExists, issueID, existingID)
			}
		}

		workflowID = fmt.Sprintf("%s-%s-%s", projectKey, issueID, tier)
		if _, err := e.loadWorkflow(ctx, workflowID); err == nil {
			// A terminal workflow with the canonical ID already exists; keep
			// it as audit trail and disambiguate the new one.
			workflowID = fmt.Sprintf("%s-%s", workflowID, uuid.NewString()[:8])
		}

		steps := make([]Step, len(agentDefs))
		for i, agent := range agentDefs {
			steps[i] = Step{
				StepNum: i + 1,
				Name:    agent.DisplayName,
				Agent:   agent,
				Status:  StepPending,
			}
		}
		wf := &Workflow{
			WorkflowID:     workflowID,
			IssueID:        issueID,
			ProjectKey:     projectKey,
			RepoKey:        repoKey,
			Tier:           tier,
			State:          StatePending,
			Steps:          steps,
			CurrentStepNum: 1,
			Metadata: Metadata{
				IssueURL:  issueURL,
				CreatedAt: e.clock.Now().UTC(),
			},
		}
		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		mappings[issueID] = workflowID
		if err := e.saveMappings(ctx, mappings); err != nil {
			return nil, err
		}
		return []bus.Event{e.event(bus.EventWorkflowCreated, wf, nil)}, nil
	})
	if err != nil {
		return workflowID, err
	}
	return workflowID, nil
}

// StartWorkflow transitions a pending workflow to running and starts step 1.
func (e *Engine) StartWorkflow(ctx context.Context, issueID string) error {
	return e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		wf, err := e.WorkflowForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if wf.State != StatePending {
			return nil, fmt.Errorf("%w: start from %s", ErrInvalidTransition, wf.State)
		}
		wf.State = StateRunning
		now := e.clock.Now().UTC()
		wf.Steps[0].Status = StepRunning
		wf.Steps[0].StartedAt = &now
		wf.CurrentStepNum = 1
		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		return []bus.Event{
			e.event(bus.EventWorkflowStarted, wf, nil),
			e.stepEvent(wf, &wf.Steps[0], ""),
		}, nil
	})
}

// StepResult reports the outcome of CompleteStep.
type StepResult struct {
	// Duplicate is set when the event was already in the ledger; nothing
	// changed.
	Duplicate bool
	// Terminal is set when the workflow reached a terminal state.
	Terminal bool
	// NextAgent is the agent now running, when chaining continued.
	NextAgent string
	// UnmatchedNextAgent is set when outputs named a non-terminal agent that
	// has no pending step; the workflow stays running with no running step.
	UnmatchedNextAgent string
	// Paused is set when the step completed but chaining is frozen.
	Paused bool
}

// CompleteStep applies a completion event to the currently running step.
// eventID makes the event idempotent: a comment ID, a completion-file hash
// or a synthetic startup marker.
func (e *Engine) CompleteStep(ctx context.Context, issueID, completedAgent string, outputs completion.Summary, eventID string, def *Definition) (*StepResult, error) {
	result := &StepResult{}
	err := e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		wf, err := e.WorkflowForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}

		key := ledger.Key{
			IssueID:   issueID,
			StepNum:   wf.CurrentStepNum,
			AgentType: completion.NormalizeAgentName(completedAgent),
			EventID:   eventID,
		}
		if e.ledger.IsDuplicate(key) {
			result.Duplicate = true
			return nil, nil
		}

		if wf.State.Terminal() {
			return nil, fmt.Errorf("%w: complete_step on %s workflow", ErrInvalidTransition, wf.State)
		}
		step := wf.RunningStep()
		if step == nil {
			return nil, fmt.Errorf("%w: issue %s", ErrNoRunningStep, issueID)
		}
		if completion.NormalizeAgentName(step.Agent.Name) != completion.NormalizeAgentName(completedAgent) {
			// A replay that arrives after the step pointer advanced carries
			// the old step number in its ledger key; absorb it silently.
			if prior := wf.StepForAgent(completedAgent, 1); prior != nil && prior.Status == StepComplete {
				priorKey := key
				priorKey.StepNum = prior.StepNum
				if e.ledger.IsDuplicate(priorKey) {
					result.Duplicate = true
					return nil, nil
				}
			}
			return nil, fmt.Errorf("%w: got %q, running step %d is %q",
				ErrStepAgentMismatch, completedAgent, step.StepNum, step.Agent.Name)
		}

		now := e.clock.Now().UTC()
		outputsCopy := outputs
		step.Outputs = &outputsCopy
		step.CompletedAt = &now
		events := make([]bus.Event, 0, 3)

		if outputs.Status == completion.StatusFailed {
			step.Status = StepFailed
			wf.State = StateFailed
			result.Terminal = true
			events = append(events, e.stepEvent(wf, step, ""))
			events = append(events, e.event(bus.EventWorkflowCompleted, wf, map[string]any{"state": string(StateFailed)}))
		} else {
			step.Status = StepComplete
			switch {
			case def.IsTerminal(outputs.NextAgent):
				wf.State = StateCompleted
				result.Terminal = true
				events = append(events, e.stepEvent(wf, step, outputs.NextAgent))
				events = append(events, e.event(bus.EventWorkflowCompleted, wf, map[string]any{"state": string(StateCompleted)}))
			case wf.State == StatePaused:
				// Chaining frozen; the next step starts on resume-continue.
				result.Paused = true
				events = append(events, e.stepEvent(wf, step, outputs.NextAgent))
			default:
				next := wf.StepForAgent(outputs.NextAgent, step.StepNum+1)
				if next == nil || next.Status != StepPending {
					result.UnmatchedNextAgent = completion.NormalizeAgentName(outputs.NextAgent)
					events = append(events, e.stepEvent(wf, step, outputs.NextAgent))
				} else {
					next.Status = StepRunning
					next.StartedAt = &now
					wf.CurrentStepNum = next.StepNum
					result.NextAgent = next.Agent.Name
					events = append(events, e.stepEvent(wf, step, outputs.NextAgent))
					events = append(events, e.stepEvent(wf, next, ""))
				}
			}
		}

		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		if err := e.ledger.Record(ctx, key); err != nil {
			// The transition is persisted; a ledger write failure means the
			// event may replay, which the agent-match check then rejects.
			e.logger.Error("ledger record failed", "issue", issueID, "error", err)
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PauseWorkflow freezes auto-chaining without altering step statuses.
func (e *Engine) PauseWorkflow(ctx context.Context, issueID, reason string) error {
	return e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		wf, err := e.WorkflowForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if wf.State != StateRunning {
			return nil, fmt.Errorf("%w: pause from %s", ErrInvalidTransition, wf.State)
		}
		wf.State = StatePaused
		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		return []bus.Event{e.event(bus.EventWorkflowPaused, wf, map[string]any{"reason": reason})}, nil
	})
}

// ResumeWorkflow re-enables chaining. It does not launch an agent.
func (e *Engine) ResumeWorkflow(ctx context.Context, issueID string) error {
	return e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		wf, err := e.WorkflowForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if wf.State != StatePaused {
			return nil, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, wf.State)
		}
		wf.State = StateRunning
		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		return []bus.Event{e.event(bus.EventWorkflowResumed, wf, nil)}, nil
	})
}

// StopWorkflow is a terminal operator action.
func (e *Engine) StopWorkflow(ctx context.Context, issueID string) error {
	return e.terminate(ctx, issueID, StateStopped, bus.EventWorkflowStopped)
}

// CancelWorkflow marks the workflow cancelled; used when the remote issue is
// closed or gone.
func (e *Engine) CancelWorkflow(ctx context.Context, issueID string) error {
	return e.terminate(ctx, issueID, StateCancelled, bus.EventWorkflowCancelled)
}

func (e *Engine) terminate(ctx context.Context, issueID string, state State, eventType string) error {
	return e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		wf, err := e.WorkflowForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if wf.State.Terminal() {
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, state, wf.State)
		}
		wf.State = state
		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		return []bus.Event{e.event(eventType, wf, nil)}, nil
	})
}

// GetWorkflowStatus returns the compact status view.
func (e *Engine) GetWorkflowStatus(ctx context.Context, issueID string) (*Status, error) {
	wf, err := e.WorkflowForIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	status := &Status{
		WorkflowID:     wf.WorkflowID,
		State:          wf.State,
		CurrentStepNum: wf.CurrentStepNum,
		TotalSteps:     len(wf.Steps),
		WorkflowName:   wf.Tier,
	}
	if step := wf.CurrentStep(); step != nil {
		status.CurrentStepName = step.Agent.Name
	}
	return status, nil
}

// ResetWorkflowToAgent is the operator escape hatch: the first step matching
// targetAgent becomes running, earlier steps complete, later steps pending.
func (e *Engine) ResetWorkflowToAgent(ctx context.Context, issueID, targetAgent string) (bool, error) {
	ok := false
	err := e.withIssueLock(ctx, issueID, func() ([]bus.Event, error) {
		wf, err := e.WorkflowForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		target := wf.StepForAgent(targetAgent, 1)
		if target == nil {
			return nil, fmt.Errorf("%w: %q in workflow %s", ErrAgentNotInWorkflow, targetAgent, wf.WorkflowID)
		}

		now := e.clock.Now().UTC()
		for i := range wf.Steps {
			step := &wf.Steps[i]
			switch {
			case step.StepNum < target.StepNum:
				step.Status = StepComplete
				if step.CompletedAt == nil {
					step.CompletedAt = &now
				}
			case step.StepNum == target.StepNum:
				step.Status = StepRunning
				step.StartedAt = &now
				step.CompletedAt = nil
				step.Outputs = nil
			default:
				step.Status = StepPending
				step.StartedAt = nil
				step.CompletedAt = nil
				step.Outputs = nil
			}
		}
		wf.CurrentStepNum = target.StepNum
		wf.State = StateRunning
		if err := e.saveWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		ok = true
		return []bus.Event{e.stepEvent(wf, target, "")}, nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (e *Engine) event(eventType string, wf *Workflow, payload map[string]any) bus.Event {
	return bus.Event{
		Type:       eventType,
		ProjectKey: wf.ProjectKey,
		IssueID:    wf.IssueID,
		WorkflowID: wf.WorkflowID,
		Payload:    payload,
		Timestamp:  e.clock.Now().UTC(),
	}
}

func (e *Engine) stepEvent(wf *Workflow, step *Step, nextAgent string) bus.Event {
	return bus.Event{
		Type:       bus.EventStepStatusChanged,
		ProjectKey: wf.ProjectKey,
		IssueID:    wf.IssueID,
		WorkflowID: wf.WorkflowID,
		Payload: map[string]any{
			"step_num":   step.StepNum,
			"step_name":  step.Name,
			"agent":      step.Agent.Name,
			"status":     string(step.Status),
			"next_agent": nextAgent,
		},
		Timestamp: e.clock.Now().UTC(),
	}
}
