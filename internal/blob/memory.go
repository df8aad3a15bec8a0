package blob

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process store. It records every key read so callers can
// assert which fallback was hit.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
	reads   []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[cleaned] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return "memory://" + cleaned, nil
}

func (m *Memory) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, cleaned)
	obj, ok := m.objects[cleaned]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

// Keys returns every stored key in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reads returns the keys passed to Get, in call order.
func (m *Memory) Reads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.reads...)
}
