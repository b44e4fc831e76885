package state

import (
	"sync"
	"time"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

// Session is one user's ongoing conversation. It is owned by the workflow
// engine's session table; the embedded mutex serializes turns so a session
// processes at most one workflow at a time.
type Session struct {
	ID         string
	UserID     string
	History    []contractx.Turn
	LastActive time.Time

	mu sync.Mutex
}

func NewSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:         id,
		UserID:     userID,
		LastActive: now.UTC(),
	}
}

// Lock serializes turn processing for this session only. Other sessions are
// unaffected.
func (s *Session) Lock() { s.mu.Lock() }

func (s *Session) Unlock() { s.mu.Unlock() }

// Append records a turn. History is append-only for the session's lifetime.
func (s *Session) Append(role contractx.Role, text string, now time.Time) {
	s.History = append(s.History, contractx.Turn{
		Role: role,
		Text: text,
		At:   now.UTC(),
	})
	s.LastActive = now.UTC()
}

// Idle reports whether the session has seen no activity for ttl.
func (s *Session) Idle(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastActive) > ttl
}
