package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MacJediWizard/fleetcheck/internal/models"
)

// MemoryStore is a Backend held entirely in process memory. Nothing survives
// a restart; it backs tests and the "memory" store setting.
type MemoryStore struct {
	mu    sync.RWMutex
	kv    map[string][]byte
	queue []*models.QueuedSubmission
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.kv[key] = v
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.kv, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			delete(m.kv, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) AppendSubmission(_ context.Context, s *models.QueuedSubmission) error {
	cp := *s
	m.mu.Lock()
	m.queue = append(m.queue, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListSubmissions(_ context.Context) ([]*models.QueuedSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.QueuedSubmission, 0, len(m.queue))
	for _, s := range m.queue {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RemoveSubmission(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.queue {
		if s.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CountSubmissions(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
