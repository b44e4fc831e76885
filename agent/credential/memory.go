package credential

import (
	"context"
	"sync"
)

// MemoryBackend keeps credential records in process memory. Used for tests
// and single-node runs without Postgres.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

func backendKey(userID, service string) string {
	return userID + "|" + service
}

func (m *MemoryBackend) Get(_ context.Context, userID, service string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[backendKey(userID, service)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryBackend) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *rec
	m.records[backendKey(rec.UserID, rec.Service)] = &clone
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, userID, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, backendKey(userID, service))
	return nil
}
