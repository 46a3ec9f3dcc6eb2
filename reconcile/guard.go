package reconcile

import (
	"sync"
	"time"
)

// Retry guard defaults: at most 3 recovery launches per (issue, agent) in a
// sliding 30 minute window.
const (
	DefaultGuardMaxAttempts = 3
	DefaultGuardWindow      = 30 * time.Minute
)

// RetryGuard bounds recovery launches so a recurring agent failure cannot
// turn into a launch storm.
type RetryGuard struct {
	maxAttempts int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewRetryGuard creates a guard. Non-positive arguments use the defaults.
func NewRetryGuard(maxAttempts int, window time.Duration) *RetryGuard {
	if maxAttempts <= 0 {
		maxAttempts = DefaultGuardMaxAttempts
	}
	if window <= 0 {
		window = DefaultGuardWindow
	}
	return &RetryGuard{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		attempts:    make(map[string][]time.Time),
	}
}

// SetNow overrides the clock; tests only.
func (g *RetryGuard) SetNow(now func() time.Time) { g.now = now }

// Allow reports whether another attempt for (issue, agent) is permitted and
// records it when so.
func (g *RetryGuard) Allow(issueID, agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := agentKey(issueID, agent)
	now := g.now()
	cutoff := now.Add(-g.window)

	recent := g.attempts[key][:0]
	for _, t := range g.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= g.maxAttempts {
		g.attempts[key] = recent
		return false
	}
	g.attempts[key] = append(recent, now)
	return true
}

// Reset clears the attempt history for (issue, agent); called when the agent
// completes successfully.
func (g *RetryGuard) Reset(issueID, agent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, agentKey(issueID, agent))
}
