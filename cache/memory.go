package cache

import (
	"context"
	"sync"
)

// Memory is a process-local cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
	lookups int
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) IsAvailable() bool { return true }

func (m *Memory) GetMany(_ context.Context, ids []string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	out := make(map[string]string)
	for _, id := range ids {
		if v, ok := m.entries[id]; ok {
			out[id] = v
		}
	}
	return out
}

func (m *Memory) PutMany(_ context.Context, entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" || IsErrorPage(e.Encoded) {
			continue
		}
		if _, ok := m.entries[e.ID]; !ok {
			m.entries[e.ID] = e.Encoded
		}
	}
}

func (m *Memory) Close() error { return nil }

// Len returns the number of cached records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Lookups returns how many GetMany calls were served.
func (m *Memory) Lookups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups
}

var _ Cache = (*Memory)(nil)
