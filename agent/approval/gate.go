package approval

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

var (
	ErrAlreadyPending = errors.New("session already has a pending action")
	ErrNothingPending = errors.New("no pending action for session")
)

const defaultTTL = 5 * time.Minute

// ExpiryFunc is invoked (on its own goroutine) when a staged action expires
// before a decision arrives. The pending action has already been removed
// from the gate when the callback runs.
type ExpiryFunc func(pending *contractx.PendingAction)

// Gate suspends mutating tool calls behind an explicit human decision.
// Staged actions are continuations: they are resumed by a later inbound
// message or cancelled by the expiry timer, never executed beforehand.
type Gate struct {
	required map[string]struct{}
	ttl      time.Duration
	onExpire ExpiryFunc
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*staged
}

type staged struct {
	action *contractx.PendingAction
	timer  *time.Timer
}

type Option func(*Gate)

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate builds a gate. requiredTools is the static set of tool names that
// must pass through approval; read-only tools never do.
func NewGate(requiredTools []string, onExpire ExpiryFunc, opts ...Option) *Gate {
	g := &Gate{
		required: make(map[string]struct{}, len(requiredTools)),
		ttl:      defaultTTL,
		onExpire: onExpire,
		now:      time.Now,
		pending:  make(map[string]*staged),
	}
	for _, name := range requiredTools {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			g.required[trimmed] = struct{}{}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Requires reports whether toolName is gated behind approval.
func (g *Gate) Requires(toolName string) bool {
	_, ok := g.required[toolName]
	return ok
}

// Stage records a pending action for the session and starts its expiry
// timer. At most one action may be pending per session.
func (g *Gate) Stage(sessionID string, call contractx.ToolCall, summary string) (*contractx.PendingAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[sessionID]; ok {
		return nil, ErrAlreadyPending
	}

	now := g.now().UTC()
	action := &contractx.PendingAction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Call:      call,
		Summary:   summary,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}

	entry := &staged{action: action}
	entry.timer = time.AfterFunc(g.ttl, func() { g.expire(sessionID, action.ID) })
	g.pending[sessionID] = entry

	log.Info().Str("session_id", sessionID).Str("tool", call.Name).Time("expires_at", action.ExpiresAt).Msg("action staged for approval")
	return action, nil
}

// Resolve removes the session's pending action after a decision. It returns
// ErrNothingPending when the action has already expired or been resolved,
// which callers treat as a normal race, not a fault.
func (g *Gate) Resolve(sessionID string) (*contractx.PendingAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[sessionID]
	if !ok {
		return nil, ErrNothingPending
	}
	entry.timer.Stop()
	delete(g.pending, sessionID)
	return entry.action, nil
}

// Pending returns the session's staged action, if any.
func (g *Gate) Pending(sessionID string) (*contractx.PendingAction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[sessionID]
	if !ok {
		return nil, false
	}
	return entry.action, true
}

func (g *Gate) expire(sessionID, actionID string) {
	g.mu.Lock()
	entry, ok := g.pending[sessionID]
	if !ok || entry.action.ID != actionID {
		g.mu.Unlock()
		return
	}
	delete(g.pending, sessionID)
	g.mu.Unlock()

	log.Info().Str("session_id", sessionID).Str("tool", entry.action.Call.Name).Msg("pending action expired")
	if g.onExpire != nil {
		g.onExpire(entry.action)
	}
}

var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "ok": {}, "okay": {},
	"sure": {}, "approve": {}, "approved": {}, "confirm": {}, "go ahead": {}, "do it": {},
	"네": {}, "예": {}, "응": {}, "좋아": {}, "확인": {},
}

// ParseDecision maps an utterance arriving while an action is pending onto
// an approval decision. Anything that is not an explicit affirmative is a
// denial, so an ambiguous reply can never trigger a mutation.
func ParseDecision(text string) contractx.Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!")
	if _, ok := affirmatives[normalized]; ok {
		return contractx.DecisionApproved
	}
	return contractx.DecisionDenied
}
