// Package storage provides the small key/value surface used to persist connection state.
package storage

import (
	"context"
	"sync"
)

// DefaultKey namespaces every persisted key.
const DefaultKey = "walletsync"

// Storage is the persistence surface used by connectors and the store.
// Implementations must be safe for concurrent use.
type Storage interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Namespaced prefixes every key with "<prefix>." before delegating.
type Namespaced struct {
	prefix  string
	backend Storage
}

var _ Storage = (*Namespaced)(nil)

// NewNamespaced wraps backend. An empty prefix falls back to DefaultKey.
func NewNamespaced(prefix string, backend Storage) *Namespaced {
	if prefix == "" {
		prefix = DefaultKey
	}
	if backend == nil {
		backend = NewNoop()
	}
	return &Namespaced{prefix: prefix, backend: backend}
}

func (n *Namespaced) key(k string) string { return n.prefix + "." + k }

func (n *Namespaced) GetItem(ctx context.Context, key string) (string, bool, error) {
	return n.backend.GetItem(ctx, n.key(key))
}

func (n *Namespaced) SetItem(ctx context.Context, key, value string) error {
	return n.backend.SetItem(ctx, n.key(key), value)
}

func (n *Namespaced) RemoveItem(ctx context.Context, key string) error {
	return n.backend.RemoveItem(ctx, n.key(key))
}

// Memory keeps items in a map guarded by a RWMutex.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Keys returns a snapshot of the stored keys.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

// Noop never stores anything. Used when no backend is configured.
type Noop struct{}

var _ Storage = Noop{}

func NewNoop() Noop { return Noop{} }

func (Noop) GetItem(context.Context, string) (string, bool, error) { return "", false, nil }
func (Noop) SetItem(context.Context, string, string) error         { return nil }
func (Noop) RemoveItem(context.Context, string) error              { return nil }
