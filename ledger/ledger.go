// Package ledger provides the durable idempotency ledger for completion
// events. Keys are hashed and appended; entries never expire.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/nexus/statestore"
)

// Key identifies one completion event.
type Key struct {
	IssueID   string
	StepNum   int
	AgentType string
	EventID   string
}

// Digest returns the stable SHA-256 digest of the key.
func (k Key) Digest() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s:%s", k.IssueID, k.StepNum, k.AgentType, k.EventID))
	return hex.EncodeToString(sum[:])
}

// Ledger is the append-only set of processed completion events. The engine
// is the single writer; reads may come from anywhere.
type Ledger struct {
	store statestore.Store

	mu      sync.Mutex
	entries map[string]time.Time
}

// Open loads the persisted ledger. A missing document starts empty.
func Open(ctx context.Context, store statestore.Store) *Ledger {
	l := &Ledger{
		store:   store,
		entries: make(map[string]time.Time),
	}
	statestore.LoadOrEmpty(ctx, store, statestore.KeyIdempotencyLedger, &l.entries)
	return l
}

// IsDuplicate reports whether the key was already recorded.
func (l *Ledger) IsDuplicate(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key.Digest()]
	return ok
}

// Record appends the key and persists the ledger. Persistence failures are
// returned so callers in write-back paths can treat them as fatal.
func (l *Ledger) Record(ctx context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key.Digest()] = time.Now().UTC()
	if err := l.store.Save(ctx, statestore.KeyIdempotencyLedger, l.entries); err != nil {
		return fmt.Errorf("persist idempotency ledger: %w", err)
	}
	return nil
}

// Len returns the number of recorded events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
