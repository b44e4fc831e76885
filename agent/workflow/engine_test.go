package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
	"github.com/woojin-heo/mcp-assistant/agent/enrich"
	"github.com/woojin-heo/mcp-assistant/agent/state"
	"github.com/woojin-heo/mcp-assistant/agent/synth"
)

type fakeClassifier struct {
	intents []contractx.Intent
	err     error
	calls   int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ []contractx.Turn) (contractx.Intent, error) {
	f.calls++
	if f.err != nil {
		return contractx.Intent{}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.intents) {
		idx = len(f.intents) - 1
	}
	return f.intents[idx], nil
}

type fakeInvoker struct {
	mu       sync.Mutex
	payloads map[string]json.RawMessage
	errs     map[string]error
	calls    []contractx.ToolCall
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, call contractx.ToolCall) (contractx.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if err, ok := f.errs[call.Name]; ok {
		return contractx.ToolResult{}, err
	}
	return contractx.ToolResult{Tool: call.Name, Payload: f.payloads[call.Name]}, nil
}

func (f *fakeInvoker) count(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call.Name == tool {
			n++
		}
	}
	return n
}

func (f *fakeInvoker) last(tool string) (contractx.ToolCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Name == tool {
			return f.calls[i], true
		}
	}
	return contractx.ToolCall{}, false
}

type fakeModel struct {
	response string
	err      error
}

func (f *fakeModel) Complete(_ context.Context, _ string, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type chanTransport struct {
	delivered chan string
}

func (c *chanTransport) Deliver(_ context.Context, _ string, text string) error {
	c.delivered <- text
	return nil
}

func newTestEngine(t *testing.T, classifier contractx.Classifier, invoker contractx.Invoker, cfg Config) (*Engine, *chanTransport) {
	t.Helper()

	if cfg.ApprovalTools == nil {
		cfg.ApprovalTools = []string{"create_event"}
	}
	renderer := synth.NewRenderer(&fakeModel{response: "okay."}, "respond")
	enricher := enrich.NewEnricher(invoker, "", contractx.ModeTransit, 0)
	transport := &chanTransport{delivered: make(chan string, 4)}

	engine, err := NewEngine(classifier, invoker, enricher, renderer, state.NewMemoryHistory(0), transport, cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, transport
}

func TestHandleMessageValidation(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, &fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentGeneral}}}, &fakeInvoker{}, Config{})

	if _, err := engine.HandleMessage(context.Background(), "", "u1", "hi"); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty session, got %v", err)
	}
	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "   "); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty text, got %v", err)
	}
}

func TestCheckScheduleTrace(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentCheckSchedule, Params: map[string]string{"period": "today"}}}}
	invoker := &fakeInvoker{payloads: map[string]json.RawMessage{
		"get_events": json.RawMessage(`{"events":[{"title":"standup","start":"2026-08-01T09:00:00Z","end":"2026-08-01T09:15:00Z"}]}`),
	}}
	engine, _ := newTestEngine(t, classifier, invoker, Config{})

	reply, err := engine.HandleMessage(context.Background(), "s1", "u1", "what's on today?")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if reply == "" {
		t.Fatal("expected a reply")
	}

	want := []Stage{StageFetchEvents, StageEnrichTravel, StageRespond}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	if invoker.count("get_events") != 1 {
		t.Fatalf("expected one get_events call, got %d", invoker.count("get_events"))
	}
	call, _ := invoker.last("get_events")
	if call.Args["period"] != "today" {
		t.Fatalf("unexpected args %v", call.Args)
	}
}

func TestCheckScheduleWithTravelAnnotations(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentCheckSchedule, Params: map[string]string{"period": "week"}}}}
	invoker := &fakeInvoker{payloads: map[string]json.RawMessage{
		"get_events": json.RawMessage(`{"events":[
			{"title":"standup","start":"2026-08-03T09:00:00Z","end":"2026-08-03T09:15:00Z","location":"Office"},
			{"title":"dentist","start":"2026-08-04T14:00:00Z","end":"2026-08-04T15:00:00Z","location":"Clinic"}
		]}`),
		"get_directions": json.RawMessage(`{"distance":"5 km","duration":"30 mins","duration_minutes":30}`),
	}}

	// Model unreachable, so the reply is the deterministic rendering and the
	// travel facts are directly assertable.
	renderer := synth.NewRenderer(&fakeModel{err: errors.New("unavailable")}, "respond")
	enricher := enrich.NewEnricher(invoker, "Home", contractx.ModeTransit, 10*time.Minute)
	transport := &chanTransport{delivered: make(chan string, 1)}

	engine, err := NewEngine(classifier, invoker, enricher, renderer, state.NewMemoryHistory(0), transport, Config{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	reply, err := engine.HandleMessage(context.Background(), "s1", "u1", "what's on my calendar this week?")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "standup") || !strings.Contains(reply, "dentist") {
		t.Fatalf("reply missing events: %q", reply)
	}
	if !strings.Contains(reply, "leave by") {
		t.Fatalf("reply missing travel annotation: %q", reply)
	}
	if got := invoker.count("get_directions"); got != 2 {
		t.Fatalf("expected one directions call per located event, got %d", got)
	}

	want := []Stage{StageFetchEvents, StageEnrichTravel, StageRespond}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
}

func TestCreateEventApprovedFlow(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type: contractx.IntentCreateEvent,
		Params: map[string]string{
			"title": "dinner",
			"start": "2026-08-01T19:00:00Z",
			"end":   "2026-08-01T20:00:00Z",
		},
	}}}
	invoker := &fakeInvoker{payloads: map[string]json.RawMessage{
		"create_event": json.RawMessage(`{"id":"evt-1"}`),
	}}
	engine, _ := newTestEngine(t, classifier, invoker, Config{ApprovalTTL: time.Minute})

	prompt, err := engine.HandleMessage(context.Background(), "s1", "u1", "dinner at 7 tonight")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(prompt, "dinner") || !strings.Contains(prompt, "yes/no") {
		t.Fatalf("unexpected approval prompt %q", prompt)
	}
	if invoker.count("create_event") != 0 {
		t.Fatal("staged action must not execute before approval")
	}
	want := []Stage{StageExtractFields, StageAwaitingApproval}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}

	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "yes"); err != nil {
		t.Fatalf("HandleMessage(yes) error = %v", err)
	}
	if invoker.count("create_event") != 1 {
		t.Fatalf("expected one execution after approval, got %d", invoker.count("create_event"))
	}
	call, _ := invoker.last("create_event")
	if call.CallID == "" {
		t.Fatal("executed mutation should carry the staged call id")
	}
	if call.Args["title"] != "dinner" {
		t.Fatalf("unexpected args %v", call.Args)
	}
	// The decision turn must not be classified as a fresh request.
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d, want 1", classifier.calls)
	}

	want = []Stage{StageExtractFields, StageAwaitingApproval, StageExecute, StageRespond}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
}

func TestCreateEventDenied(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type:   contractx.IntentCreateEvent,
		Params: map[string]string{"title": "dinner", "start": "2026-08-01T19:00:00Z"},
	}}}
	invoker := &fakeInvoker{}
	engine, _ := newTestEngine(t, classifier, invoker, Config{ApprovalTTL: time.Minute})

	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "dinner at 7"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "no, forget it"); err != nil {
		t.Fatalf("HandleMessage(no) error = %v", err)
	}

	if got := invoker.count("create_event"); got != 0 {
		t.Fatalf("denied action executed %d times", got)
	}
	want := []Stage{StageExtractFields, StageAwaitingApproval, StageRespond}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
}

func TestCreateEventAmbiguousReplyDenies(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type:   contractx.IntentCreateEvent,
		Params: map[string]string{"title": "dinner", "start": "2026-08-01T19:00:00Z"},
	}}}
	invoker := &fakeInvoker{}
	engine, _ := newTestEngine(t, classifier, invoker, Config{ApprovalTTL: time.Minute})

	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "dinner at 7"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "actually make it 8pm"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if got := invoker.count("create_event"); got != 0 {
		t.Fatalf("ambiguous reply executed the action %d times", got)
	}
}

func TestCreateEventMissingFields(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type:   contractx.IntentCreateEvent,
		Params: map[string]string{"title": "dinner"},
	}}}
	invoker := &fakeInvoker{}
	engine, _ := newTestEngine(t, classifier, invoker, Config{})

	reply, err := engine.HandleMessage(context.Background(), "s1", "u1", "create a dinner event")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "title and start time") {
		t.Fatalf("expected clarification, got %q", reply)
	}
	if invoker.count("create_event") != 0 {
		t.Fatal("incomplete event must not reach the tool")
	}
	want := []Stage{StageExtractFields, StageErrorResponse}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
}

func TestApprovalExpiryNotifies(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type:   contractx.IntentCreateEvent,
		Params: map[string]string{"title": "dinner", "start": "2026-08-01T19:00:00Z"},
	}}}
	invoker := &fakeInvoker{}
	engine, transport := newTestEngine(t, classifier, invoker, Config{ApprovalTTL: 40 * time.Millisecond})

	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "dinner at 7"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	select {
	case notice := <-transport.delivered:
		if notice == "" {
			t.Fatal("empty expiry notice")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry notice never delivered")
	}

	if got := invoker.count("create_event"); got != 0 {
		t.Fatalf("expired action executed %d times", got)
	}
}

func TestSearchPlaceFlow(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type:   contractx.IntentSearchPlace,
		Params: map[string]string{"query": "coffee near the office"},
	}}}
	invoker := &fakeInvoker{payloads: map[string]json.RawMessage{
		"search_places": json.RawMessage(`{"places":[{"name":"Blue Bottle"}]}`),
	}}
	engine, _ := newTestEngine(t, classifier, invoker, Config{})

	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "find coffee near the office"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	want := []Stage{StageSearch, StageRespond}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	call, ok := invoker.last("search_places")
	if !ok || call.Args["query"] != "coffee near the office" {
		t.Fatalf("unexpected search call %v", call)
	}
}

func TestGetDirectionsDefaultsMode(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{
		Type:   contractx.IntentGetDirections,
		Params: map[string]string{"origin": "home", "destination": "airport"},
	}}}
	invoker := &fakeInvoker{payloads: map[string]json.RawMessage{
		"get_directions": json.RawMessage(`{"distance":"20 km","duration":"35 mins","duration_minutes":35}`),
	}}
	engine, _ := newTestEngine(t, classifier, invoker, Config{TransportMode: contractx.ModeDriving})

	if _, err := engine.HandleMessage(context.Background(), "s1", "u1", "how do I get to the airport?"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	call, ok := invoker.last("get_directions")
	if !ok {
		t.Fatal("directions tool never called")
	}
	if call.Args["mode"] != "driving" {
		t.Fatalf("mode = %v, want driving", call.Args["mode"])
	}
	want := []Stage{StageDirections, StageRespond}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
}

func TestReauthRequiredReply(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentCheckSchedule}}}
	invoker := &fakeInvoker{errs: map[string]error{"get_events": contractx.ErrReauthRequired}}
	engine, _ := newTestEngine(t, classifier, invoker, Config{})

	reply, err := engine.HandleMessage(context.Background(), "s1", "u1", "what's on today?")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "reconnect") {
		t.Fatalf("expected reauth reply, got %q", reply)
	}
	want := []Stage{StageFetchEvents, StageErrorResponse}
	if got := engine.LastTrace("s1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
}

func TestTransientToolFailureReply(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentCheckSchedule}}}
	invoker := &fakeInvoker{errs: map[string]error{"get_events": contractx.ErrToolTransient}}
	engine, _ := newTestEngine(t, classifier, invoker, Config{})

	reply, err := engine.HandleMessage(context.Background(), "s1", "u1", "what's on today?")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "took too long") {
		t.Fatalf("expected transient failure reply, got %q", reply)
	}
}

func TestClassifierUnavailableStillReplies(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{err: contractx.ErrClassifierUnavailable}
	engine, _ := newTestEngine(t, classifier, &fakeInvoker{}, Config{})

	reply, err := engine.HandleMessage(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "Sorry") {
		t.Fatalf("expected apologetic reply, got %q", reply)
	}
}

func TestUnknownTransportModeRejected(t *testing.T) {
	t.Parallel()

	renderer := synth.NewRenderer(&fakeModel{response: "okay."}, "respond")
	invoker := &fakeInvoker{}
	enricher := enrich.NewEnricher(invoker, "", contractx.ModeTransit, 0)

	_, err := NewEngine(&fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentGeneral}}}, invoker, enricher, renderer,
		state.NewMemoryHistory(0), &chanTransport{delivered: make(chan string, 1)}, Config{TransportMode: "teleport"})
	if !errors.Is(err, contractx.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestSessionsIsolated(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intents: []contractx.Intent{{Type: contractx.IntentGeneral}}}
	engine, _ := newTestEngine(t, classifier, &fakeInvoker{}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID := "s" + string(rune('a'+i))
			if _, err := engine.HandleMessage(context.Background(), sessionID, "u1", "hi"); err != nil {
				t.Errorf("session %s error = %v", sessionID, err)
			}
		}(i)
	}
	wg.Wait()
}
