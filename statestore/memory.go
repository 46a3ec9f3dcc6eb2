package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-memory Store used by tests and as a scratch store.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage

	// FailSaves makes every Save return an error; tests use it to exercise
	// write-back failure paths.
	FailSaves bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]json.RawMessage)}
}

// Load returns the stored document for key.
func (m *Memory) Load(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out, nil
}

// Save stores the document for key.
func (m *Memory) Save(_ context.Context, key string, document any) error {
	if m.FailSaves {
		return fmt.Errorf("save %q: store unavailable", key)
	}
	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal document %q: %w", key, err)
	}
	m.mu.Lock()
	m.docs[key] = data
	m.mu.Unlock()
	return nil
}

// Keys returns the stored keys; test helper.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	return keys
}
