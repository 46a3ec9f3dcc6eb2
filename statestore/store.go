// Package statestore provides named-document persistence for orchestration
// state. A document is any JSON-serializable value stored under a string key.
// Backends: filesystem (one file per key), Postgres (one row per key) and
// NATS JetStream KV (one entry per key).
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known document keys.
const (
	KeyLaunchedAgents     = "launched_agents"
	KeyTrackedIssues      = "tracked_issues"
	KeyWorkflowMappings   = "workflow_mappings"
	KeyMergeQueue         = "merge_queue"
	KeyWatchSubscriptions = "workflow_watch_subscriptions"
	KeyIdempotencyLedger  = "idempotency_ledger"
	KeyFeaturePrefix      = "features_"
	KeyWorkflowPrefix     = "workflow_"
)

// ErrNotFound is returned by Load when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Store persists named JSON documents. Save replaces the whole document
// atomically with respect to concurrent Load: readers observe either the old
// or the new document, never a partial write.
type Store interface {
	Load(ctx context.Context, key string) (json.RawMessage, error)
	Save(ctx context.Context, key string, document any) error
}

// LoadInto loads the document for key and decodes it into v. A missing
// document leaves v untouched and returns ErrNotFound. Unknown fields in the
// stored document are ignored; missing fields keep their zero values.
func LoadInto(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document %q: %w", key, err)
	}
	return nil
}

// LoadOrEmpty decodes the document into v, treating a missing document or a
// failed load as empty. Recovery loops use this so a corrupt or absent
// document degrades to a fresh one instead of halting the loop.
func LoadOrEmpty(ctx context.Context, s Store, key string, v any) {
	_ = LoadInto(ctx, s, key, v)
}
