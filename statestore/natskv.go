package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket holding orchestration state documents when the NATS backend is
// selected.
const kvBucket = "NEXUS_STATE"

// NATSKV stores documents in a JetStream key-value bucket.
type NATSKV struct {
	kv jetstream.KeyValue
}

// NewNATSKV binds to the state bucket, creating it if absent.
func NewNATSKV(ctx context.Context, js jetstream.JetStream) (*NATSKV, error) {
	kv, err := js.KeyValue(ctx, kvBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      kvBucket,
			Description: "Nexus orchestration state documents",
			History:     5,
		})
		if err != nil {
			return nil, fmt.Errorf("create state bucket: %w", err)
		}
	}
	return &NATSKV{kv: kv}, nil
}

// Load reads the document for key.
func (n *NATSKV) Load(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load document %q: %w", key, err)
	}
	return entry.Value(), nil
}

// Save replaces the document for key.
func (n *NATSKV) Save(ctx context.Context, key string, document any) error {
	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal document %q: %w", key, err)
	}
	if _, err := n.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save document %q: %w", key, err)
	}
	return nil
}
