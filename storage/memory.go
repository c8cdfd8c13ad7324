package storage

import (
	"context"
	"strings"
	"sync"
)

//Memory is an in-process Storage that keeps insertion order
type Memory struct {
	mu     sync.RWMutex
	keys   []string
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value)
	return nil
}

func (m *Memory) set(key string, value []byte) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append([]byte(nil), value...)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delete(key), nil
}

func (m *Memory) delete(key string) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

func (m *Memory) Entries(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries(prefix), nil
}

func (m *Memory) entries(prefix string) []Entry {
	out := make([]Entry, 0, len(m.keys))
	for _, k := range m.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), m.values[k]...)})
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}
