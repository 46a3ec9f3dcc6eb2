package reconcile

import (
	"sync"
	"time"
)

// RuntimeState bundles the process-lifetime bookkeeping shared by the
// reconciler and scheduler: which agents were already alerted on, which
// comments were already notified, chain history and polling failure counts.
// It is never persisted; a restart starts clean.
type RuntimeState struct {
	mu sync.Mutex

	alertedAgents     map[string]bool
	notifiedComments  map[int64]bool
	autoChainedAgents map[string]bool
	pollingFailures   map[string]int
	orphanLastAttempt map[string]time.Time
}

// NewRuntimeState returns empty runtime state.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		alertedAgents:     make(map[string]bool),
		notifiedComments:  make(map[int64]bool),
		autoChainedAgents: make(map[string]bool),
		pollingFailures:   make(map[string]int),
		orphanLastAttempt: make(map[string]time.Time),
	}
}

func agentKey(issueID, agent string) string { return issueID + "_" + agent }

// MarkAlerted records a stuck-agent alert; returns false when the alert was
// already sent for this (issue, agent) pair.
func (s *RuntimeState) MarkAlerted(issueID, agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(issueID, agent)
	if s.alertedAgents[key] {
		return false
	}
	s.alertedAgents[key] = true
	return true
}

// ClearAlerted resets the stuck-agent alert for an issue so a future launch
// can alert again.
func (s *RuntimeState) ClearAlerted(issueID, agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alertedAgents, agentKey(issueID, agent))
}

// MarkCommentNotified records a processed comment; returns false on replay.
func (s *RuntimeState) MarkCommentNotified(commentID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifiedComments[commentID] {
		return false
	}
	s.notifiedComments[commentID] = true
	return true
}

// MarkAutoChained records an auto-chain launch; returns false when this
// (issue, agent) pair was already chained in this process lifetime.
func (s *RuntimeState) MarkAutoChained(issueID, agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(issueID, agent)
	if s.autoChainedAgents[key] {
		return false
	}
	s.autoChainedAgents[key] = true
	return true
}

// RecordPollingFailure increments and returns the failure count for a scope.
func (s *RuntimeState) RecordPollingFailure(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollingFailures[scope]++
	return s.pollingFailures[scope]
}

// ResetPollingFailures clears the failure count for a scope after a
// successful pass.
func (s *RuntimeState) ResetPollingFailures(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pollingFailures, scope)
}

// OrphanAttemptAllowed reports whether the per-issue orphan recovery cooldown
// has expired, recording now as the attempt time when it has.
func (s *RuntimeState) OrphanAttemptAllowed(issueID string, now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.orphanLastAttempt[issueID]; ok && now.Sub(last) < cooldown {
		return false
	}
	s.orphanLastAttempt[issueID] = now
	return true
}
