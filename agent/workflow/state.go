package workflow

import (
	"encoding/json"
	"time"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
	"github.com/woojin-heo/mcp-assistant/agent/enrich"
)

// Stage is one tagged step of an intent's workflow.
type Stage string

const (
	StageFetchEvents      Stage = "fetch_events"
	StageEnrichTravel     Stage = "enrich_travel"
	StageExtractFields    Stage = "extract_fields"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageExecute          Stage = "execute"
	StageSearch           Stage = "search"
	StageDirections       Stage = "directions"
	StageRespond          Stage = "respond"
	StageErrorResponse    Stage = "error_response"
)

// stageSequences fixes the stage order per intent. Workflows only ever move
// forward through their sequence or jump to error_response.
var stageSequences = map[contractx.IntentType][]Stage{
	contractx.IntentCheckSchedule: {StageFetchEvents, StageEnrichTravel, StageRespond},
	contractx.IntentCreateEvent:   {StageExtractFields, StageAwaitingApproval, StageExecute, StageRespond},
	contractx.IntentSearchPlace:   {StageSearch, StageRespond},
	contractx.IntentGetDirections: {StageDirections, StageRespond},
	contractx.IntentGeneral:       {StageRespond},
}

// Sequence returns the happy-path stage order for intent. Error paths jump
// to StageErrorResponse from any stage.
func Sequence(intent contractx.IntentType) []Stage {
	seq := stageSequences[intent]
	out := make([]Stage, len(seq))
	copy(out, seq)
	return out
}

// State is the mutable record of one workflow run, from classification to a
// terminal stage. Trace accumulates every visited stage for auditing.
type State struct {
	SessionID string
	UserID    string
	Utterance string
	Intent    contractx.Intent
	History   []contractx.Turn
	Stage     Stage
	Trace     []Stage
	StartedAt time.Time

	Events  []enrich.EnrichedEvent
	Payload json.RawMessage
	Pending *contractx.PendingAction
	Failure error
}

func newState(sessionID, userID, utterance string, intent contractx.Intent, now time.Time) *State {
	return &State{
		SessionID: sessionID,
		UserID:    userID,
		Utterance: utterance,
		Intent:    intent,
		StartedAt: now.UTC(),
	}
}

func (s *State) enter(stage Stage) {
	s.Stage = stage
	s.Trace = append(s.Trace, stage)
}

func (s *State) fail(err error) {
	s.Failure = err
	s.enter(StageErrorResponse)
}

// Terminal reports whether the workflow has finished.
func (s *State) Terminal() bool {
	return s.Stage == StageRespond || s.Stage == StageErrorResponse
}
