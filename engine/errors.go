package engine

import "errors"

// Errors bubbled to callers without retry. The engine emits an alert for
// these but never mutates state on the failing path.
var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrStepAgentMismatch  = errors.New("completed agent does not match running step")
	ErrInvalidTransition  = errors.New("invalid workflow state transition")
	ErrUnknownTier        = errors.New("unknown workflow tier")
	ErrWorkflowExists     = errors.New("active workflow already exists for issue")
	ErrNoRunningStep      = errors.New("workflow has no running step")
	ErrAgentNotInWorkflow = errors.New("agent not part of workflow")
	ErrPersistenceFailed  = errors.New("workflow persistence failed")
)
