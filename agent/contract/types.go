package contract

import (
	"encoding/json"
	"time"
)

// IntentType is the closed set of requests the assistant understands.
// Anything the classifier cannot place lands on IntentGeneral.
type IntentType string

const (
	IntentCheckSchedule IntentType = "check_schedule"
	IntentCreateEvent   IntentType = "create_event"
	IntentSearchPlace   IntentType = "search_place"
	IntentGetDirections IntentType = "get_directions"
	IntentGeneral       IntentType = "general"
)

// KnownIntent reports whether t is one of the fixed intents.
func KnownIntent(t IntentType) bool {
	switch t {
	case IntentCheckSchedule, IntentCreateEvent, IntentSearchPlace, IntentGetDirections, IntentGeneral:
		return true
	}
	return false
}

// Intent is the classifier's verdict for one turn: a tag plus the
// parameters extracted from the utterance. Immutable once produced.
type Intent struct {
	Type   IntentType        `json:"intent"`
	Params map[string]string `json:"params,omitempty"`
}

// Param returns the extracted parameter for key, or "" when absent.
func (i Intent) Param(key string) string {
	if i.Params == nil {
		return ""
	}
	return i.Params[key]
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a session's append-only history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ToolCall names a remote tool invocation. CallID is set only for mutating
// calls so the tool server can deduplicate a re-delivered request.
type ToolCall struct {
	Name   string         `json:"tool"`
	Args   map[string]any `json:"parameters,omitempty"`
	CallID string         `json:"call_id,omitempty"`
}

// ToolResult is the successful outcome of a tool call. The payload is kept
// raw; each workflow stage decodes the shape it expects.
type ToolResult struct {
	Tool    string          `json:"tool"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionExpired  Decision = "expired"
)

// PendingAction is a staged mutating ToolCall waiting on a human decision.
// The underlying call is guaranteed unexecuted until DecisionApproved.
type PendingAction struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Call      ToolCall  `json:"call"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the pending action's window has elapsed.
func (p *PendingAction) Expired(now time.Time) bool {
	return p != nil && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Token is a usable access credential for one (user, service) pair.
type Token struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
	Scopes      []string  `json:"scopes,omitempty"`
}

// TransportMode enumerates supported travel modes for directions calls.
type TransportMode string

const (
	ModeTransit   TransportMode = "transit"
	ModeDriving   TransportMode = "driving"
	ModeWalking   TransportMode = "walking"
	ModeBicycling TransportMode = "bicycling"
)

// KnownTransportMode reports whether m is a supported travel mode.
func KnownTransportMode(m TransportMode) bool {
	switch m {
	case ModeTransit, ModeDriving, ModeWalking, ModeBicycling:
		return true
	}
	return false
}
