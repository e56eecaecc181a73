package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and by `serve --memory`
// for running without a Redis instance. All operations take a single
// mutex, which makes Write trivially atomic.
type Memory struct {
	mu       sync.RWMutex
	counters map[string]int64
	values   map[string]string
	sets     map[string]map[string]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]int64),
		values:   make(map[string]string),
		sets:     make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.values[key]
	return val, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(key, members)
	return nil
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[key]
	if !ok {
		return []string{}, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := m.values[key]; ok {
			out[key] = val
		}
	}
	return out, nil
}

func (m *Memory) Write(ctx context.Context, ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range ws.Sets {
		m.values[key] = value
	}
	for key, members := range ws.SetAdds {
		m.addLocked(key, members)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) addLocked(key string, members []string) {
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
}
