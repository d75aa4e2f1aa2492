package kv

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-memory Store backed by a map with sorted iteration.
// It is safe for concurrent use and intended primarily for testing.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.data[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	cp := slices.Clone(value)
	m.mu.Lock()
	m.data[key.String()] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.data, key.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	var p string
	if len(prefix) > 0 {
		p = prefix.String() + Separator
	}

	// Snapshot matching entries under the read lock, then yield outside it
	// so a consumer can write to the store mid-iteration without deadlock.
	m.mu.RLock()
	var keys []string
	for k := range m.data {
		if p == "" || strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	entries := make([]Entry, 0, len(keys))
	slices.Sort(keys)
	for _, k := range keys {
		entries = append(entries, Entry{Key: decodeKey([]byte(k)), Value: slices.Clone(m.data[k])})
	}
	m.mu.RUnlock()

	return func(yield func(Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.data[e.Key.String()] = slices.Clone(e.Value)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
