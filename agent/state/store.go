package state

import (
	"context"
	"errors"
	"strings"
	"sync"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

var ErrInvalidSession = errors.New("session id is empty")

// HistoryStore persists conversation transcripts so the classifier can see
// prior turns. The engine's runtime session table stays in memory; this
// store is the durable (or at least shared) copy.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, turns ...contractx.Turn) error
	Recent(ctx context.Context, sessionID string, limit int) ([]contractx.Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

// MemoryHistory keeps transcripts in process memory. Suitable for a single
// node and for tests.
type MemoryHistory struct {
	mu    sync.RWMutex
	turns map[string][]contractx.Turn
	cap   int
}

func NewMemoryHistory(capPerSession int) *MemoryHistory {
	if capPerSession <= 0 {
		capPerSession = defaultHistoryCap
	}
	return &MemoryHistory{
		turns: make(map[string][]contractx.Turn),
		cap:   capPerSession,
	}
}

func (m *MemoryHistory) Append(_ context.Context, sessionID string, turns ...contractx.Turn) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	if len(turns) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all := append(m.turns[sessionID], turns...)
	if len(all) > m.cap {
		all = all[len(all)-m.cap:]
	}
	m.turns[sessionID] = all
	return nil
}

func (m *MemoryHistory) Recent(_ context.Context, sessionID string, limit int) ([]contractx.Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]contractx.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryHistory) Clear(_ context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}
