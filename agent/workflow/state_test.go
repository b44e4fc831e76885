package workflow

import (
	"errors"
	"reflect"
	"testing"
	"time"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

func TestSequenceCoversEveryIntent(t *testing.T) {
	t.Parallel()

	intents := []contractx.IntentType{
		contractx.IntentCheckSchedule,
		contractx.IntentCreateEvent,
		contractx.IntentSearchPlace,
		contractx.IntentGetDirections,
		contractx.IntentGeneral,
	}
	for _, intent := range intents {
		seq := Sequence(intent)
		if len(seq) == 0 {
			t.Fatalf("no sequence for intent %q", intent)
		}
		if seq[len(seq)-1] != StageRespond {
			t.Fatalf("sequence for %q must end in respond, got %v", intent, seq)
		}
	}

	want := []Stage{StageExtractFields, StageAwaitingApproval, StageExecute, StageRespond}
	if got := Sequence(contractx.IntentCreateEvent); !reflect.DeepEqual(got, want) {
		t.Fatalf("create_event sequence = %v, want %v", got, want)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	st := newState("s1", "u1", "hello", contractx.Intent{Type: contractx.IntentCheckSchedule}, time.Now())
	if st.Terminal() {
		t.Fatal("fresh state must not be terminal")
	}

	st.enter(StageFetchEvents)
	st.enter(StageEnrichTravel)
	if st.Terminal() {
		t.Fatal("mid-workflow state must not be terminal")
	}

	st.enter(StageRespond)
	if !st.Terminal() {
		t.Fatal("respond is terminal")
	}
	want := []Stage{StageFetchEvents, StageEnrichTravel, StageRespond}
	if !reflect.DeepEqual(st.Trace, want) {
		t.Fatalf("trace = %v, want %v", st.Trace, want)
	}
}

func TestStateFail(t *testing.T) {
	t.Parallel()

	st := newState("s1", "u1", "hello", contractx.Intent{Type: contractx.IntentSearchPlace}, time.Now())
	st.enter(StageSearch)
	st.fail(contractx.ErrToolTransient)

	if !st.Terminal() {
		t.Fatal("error_response is terminal")
	}
	if !errors.Is(st.Failure, contractx.ErrToolTransient) {
		t.Fatalf("failure = %v", st.Failure)
	}
	if st.Trace[len(st.Trace)-1] != StageErrorResponse {
		t.Fatalf("trace = %v", st.Trace)
	}
}
