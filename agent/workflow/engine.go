package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/woojin-heo/mcp-assistant/agent/approval"
	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
	"github.com/woojin-heo/mcp-assistant/agent/enrich"
	"github.com/woojin-heo/mcp-assistant/agent/state"
	"github.com/woojin-heo/mcp-assistant/agent/synth"
)

const (
	toolGetEvents    = "get_events"
	toolCreateEvent  = "create_event"
	toolSearchPlaces = "search_places"
	toolDirections   = "get_directions"

	defaultSessionIdleTTL = 30 * time.Minute
	defaultHistoryLimit   = 40
	expiryNoticeTimeout   = 15 * time.Second
)

// Config tunes the engine. Zero values fall back to sane defaults; an
// unknown transport mode is a configuration error.
type Config struct {
	ApprovalTools  []string
	ApprovalTTL    time.Duration
	SessionIdleTTL time.Duration
	HistoryLimit   int
	TransportMode  contractx.TransportMode
}

// Engine drives one workflow per inbound turn: classify, walk the intent's
// stage sequence, and reply exactly once. Sessions are serialized
// individually; distinct sessions proceed concurrently.
type Engine struct {
	classifier contractx.Classifier
	invoker    contractx.Invoker
	enricher   *enrich.Enricher
	renderer   *synth.Renderer
	history    state.HistoryStore
	transport  contractx.Transport
	gate       *approval.Gate
	cfg        Config
	now        func() time.Time

	mu        sync.Mutex
	sessions  map[string]*state.Session
	waiting   map[string]*State
	lastTrace map[string][]Stage
}

type Option func(*Engine)

// WithClock overrides the engine's (and its approval gate's) time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(
	classifier contractx.Classifier,
	invoker contractx.Invoker,
	enricher *enrich.Enricher,
	renderer *synth.Renderer,
	history state.HistoryStore,
	transport contractx.Transport,
	cfg Config,
	opts ...Option,
) (*Engine, error) {
	if cfg.TransportMode != "" && !contractx.KnownTransportMode(cfg.TransportMode) {
		return nil, fmt.Errorf("%w: unknown transport mode %q", contractx.ErrConfiguration, cfg.TransportMode)
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = defaultSessionIdleTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	e := &Engine{
		classifier: classifier,
		invoker:    invoker,
		enricher:   enricher,
		renderer:   renderer,
		history:    history,
		transport:  transport,
		cfg:        cfg,
		now:        time.Now,
		sessions:   make(map[string]*state.Session),
		waiting:    make(map[string]*State),
		lastTrace:  make(map[string][]Stage),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.gate = approval.NewGate(cfg.ApprovalTools, e.onApprovalExpired,
		approval.WithTTL(cfg.ApprovalTTL), approval.WithClock(e.now))
	return e, nil
}

// HandleMessage processes one inbound turn and returns the single reply for
// it. If the session has an action awaiting approval, the utterance is
// consumed as the decision; otherwise it starts a fresh workflow.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, userID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if sessionID == "" || userID == "" {
		return "", fmt.Errorf("%w: session and user ids are required", contractx.ErrValidation)
	}
	if text == "" {
		return "", fmt.Errorf("%w: empty message", contractx.ErrValidation)
	}

	sess := e.session(sessionID, userID)
	sess.Lock()
	defer sess.Unlock()

	now := e.now()
	sess.Append(contractx.RoleUser, text, now)
	if err := e.history.Append(ctx, sessionID, contractx.Turn{Role: contractx.RoleUser, Text: text, At: now.UTC()}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history append failed")
	}

	var reply string
	if parked := e.takeParked(sessionID); parked != nil {
		reply = e.resume(ctx, parked, text)
	} else {
		reply = e.run(ctx, sess, text)
	}

	after := e.now()
	sess.Append(contractx.RoleAssistant, reply, after)
	if err := e.history.Append(ctx, sessionID, contractx.Turn{Role: contractx.RoleAssistant, Text: reply, At: after.UTC()}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history append failed")
	}

	e.sweep(after)
	return reply, nil
}

// LastTrace returns the stage trace of the session's most recent workflow.
func (e *Engine) LastTrace(sessionID string) []Stage {
	e.mu.Lock()
	defer e.mu.Unlock()

	trace := e.lastTrace[sessionID]
	out := make([]Stage, len(trace))
	copy(out, trace)
	return out
}

func (e *Engine) run(ctx context.Context, sess *state.Session, text string) string {
	history, err := e.history.Recent(ctx, sess.ID, e.cfg.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("history read failed, using in-memory turns")
		history = sess.History
	}
	// Exclude the turn just appended so the classifier sees only context.
	if len(history) > 0 {
		history = history[:len(history)-1]
	}

	st := newState(sess.ID, sess.UserID, text, contractx.Intent{Type: contractx.IntentGeneral}, e.now())
	st.History = history

	intent, err := e.classifier.Classify(ctx, text, history)
	if err != nil {
		st.fail(err)
		e.recordTrace(st)
		return e.renderFailure(ctx, st)
	}
	st.Intent = intent
	log.Info().Str("session_id", sess.ID).Str("intent", string(intent.Type)).Msg("turn classified")

	switch intent.Type {
	case contractx.IntentCheckSchedule:
		e.runCheckSchedule(ctx, st)
	case contractx.IntentCreateEvent:
		e.runCreateEvent(ctx, st)
	case contractx.IntentSearchPlace:
		e.runSearchPlace(ctx, st)
	case contractx.IntentGetDirections:
		e.runGetDirections(ctx, st)
	default:
		st.enter(StageRespond)
	}
	e.recordTrace(st)

	if st.Stage == StageAwaitingApproval {
		return synth.ApprovalPrompt(st.Pending, e.now())
	}
	if st.Stage == StageErrorResponse {
		return e.renderFailure(ctx, st)
	}
	return e.renderSuccess(ctx, st)
}

func (e *Engine) runCheckSchedule(ctx context.Context, st *State) {
	st.enter(StageFetchEvents)

	args := map[string]any{}
	if period := st.Intent.Param("period"); period != "" {
		args["period"] = period
	}
	if start := st.Intent.Param("start_date"); start != "" {
		args["start_date"] = start
	}
	if end := st.Intent.Param("end_date"); end != "" {
		args["end_date"] = end
	}
	if len(args) == 0 {
		args["period"] = "week"
	}

	result, err := e.invoker.Invoke(ctx, st.UserID, contractx.ToolCall{Name: toolGetEvents, Args: args})
	if err != nil {
		st.fail(err)
		return
	}
	events, err := enrich.ParseEvents(result.Payload)
	if err != nil {
		st.fail(fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err))
		return
	}

	st.enter(StageEnrichTravel)
	st.Events = e.enricher.EnrichTravel(ctx, st.UserID, events)
	st.enter(StageRespond)
}

func (e *Engine) runCreateEvent(ctx context.Context, st *State) {
	st.enter(StageExtractFields)

	title := st.Intent.Param("title")
	start := st.Intent.Param("start")
	if title == "" || start == "" {
		st.fail(fmt.Errorf("%w: event title and start time are required", contractx.ErrInvalidParameters))
		return
	}
	end := st.Intent.Param("end")
	if end == "" {
		startAt, err := time.Parse(time.RFC3339, start)
		if err != nil {
			st.fail(fmt.Errorf("%w: unparseable start time %q", contractx.ErrInvalidParameters, start))
			return
		}
		end = startAt.Add(time.Hour).Format(time.RFC3339)
	}

	args := map[string]any{"title": title, "start": start, "end": end}
	summary := fmt.Sprintf("Create event %q from %s to %s", title, start, end)
	if location := st.Intent.Param("location"); location != "" {
		args["location"] = location
		summary += " at " + location
	}
	call := contractx.ToolCall{Name: toolCreateEvent, Args: args, CallID: uuid.NewString()}

	if !e.gate.Requires(call.Name) {
		e.execute(ctx, st, call, summary)
		return
	}

	pending, err := e.gate.Stage(st.SessionID, call, summary)
	if err != nil {
		st.fail(fmt.Errorf("stage approval: %w", err))
		return
	}
	st.Pending = pending
	st.enter(StageAwaitingApproval)
	e.park(st)
}

func (e *Engine) runSearchPlace(ctx context.Context, st *State) {
	st.enter(StageSearch)

	query := st.Intent.Param("query")
	if query == "" {
		query = st.Utterance
	}
	args := map[string]any{"query": query}
	if location := st.Intent.Param("location"); location != "" {
		args["location"] = location
	}

	result, err := e.invoker.Invoke(ctx, st.UserID, contractx.ToolCall{Name: toolSearchPlaces, Args: args})
	if err != nil {
		st.fail(err)
		return
	}
	st.Payload = result.Payload
	st.enter(StageRespond)
}

func (e *Engine) runGetDirections(ctx context.Context, st *State) {
	st.enter(StageDirections)

	origin := st.Intent.Param("origin")
	destination := st.Intent.Param("destination")
	if destination == "" {
		st.fail(fmt.Errorf("%w: destination is required", contractx.ErrInvalidParameters))
		return
	}
	mode := st.Intent.Param("mode")
	if mode == "" {
		mode = string(e.cfg.TransportMode)
	}
	if mode == "" {
		mode = string(contractx.ModeTransit)
	}
	args := map[string]any{"destination": destination, "mode": mode}
	if origin != "" {
		args["origin"] = origin
	}

	result, err := e.invoker.Invoke(ctx, st.UserID, contractx.ToolCall{Name: toolDirections, Args: args})
	if err != nil {
		st.fail(err)
		return
	}
	st.Payload = result.Payload
	st.enter(StageRespond)
}

// resume finishes a workflow parked at awaiting_approval. The inbound
// utterance is the decision; anything but an explicit yes denies.
func (e *Engine) resume(ctx context.Context, st *State, text string) string {
	decision := approval.ParseDecision(text)

	pending, err := e.gate.Resolve(st.SessionID)
	if err != nil {
		// Expiry won the race; nothing was executed.
		st.enter(StageRespond)
		e.recordTrace(st)
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindCancellation, Decision: contractx.DecisionExpired, Pending: st.Pending})
	}

	if decision != contractx.DecisionApproved {
		log.Info().Str("session_id", st.SessionID).Str("tool", pending.Call.Name).Msg("pending action denied")
		st.enter(StageRespond)
		e.recordTrace(st)
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindCancellation, Decision: contractx.DecisionDenied, Pending: pending})
	}

	e.execute(ctx, st, pending.Call, pending.Summary)
	e.recordTrace(st)
	if st.Stage == StageErrorResponse {
		return e.renderFailure(ctx, st)
	}
	return e.renderer.Render(ctx, synth.Input{Kind: synth.KindConfirmation, Pending: pending, Payload: st.Payload})
}

func (e *Engine) execute(ctx context.Context, st *State, call contractx.ToolCall, summary string) {
	st.enter(StageExecute)
	log.Info().Str("session_id", st.SessionID).Str("tool", call.Name).Str("call_id", call.CallID).Msg("executing approved action")

	result, err := e.invoker.Invoke(ctx, st.UserID, call)
	if err != nil {
		st.fail(err)
		return
	}
	st.Payload = result.Payload
	if st.Pending == nil {
		st.Pending = &contractx.PendingAction{SessionID: st.SessionID, Call: call, Summary: summary}
	}
	st.enter(StageRespond)
}

func (e *Engine) renderSuccess(ctx context.Context, st *State) string {
	switch st.Intent.Type {
	case contractx.IntentCheckSchedule:
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindSchedule, Events: st.Events})
	case contractx.IntentSearchPlace:
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindPlaces, Utterance: st.Utterance, Payload: st.Payload})
	case contractx.IntentGetDirections:
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindDirections, Payload: st.Payload})
	case contractx.IntentCreateEvent:
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindConfirmation, Pending: st.Pending, Payload: st.Payload})
	default:
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindGeneral, Utterance: st.Utterance, History: st.History})
	}
}

// renderFailure maps the failure onto a user-safe reply. Raw upstream
// detail never reaches the user; it goes to the log instead.
func (e *Engine) renderFailure(ctx context.Context, st *State) string {
	err := st.Failure
	log.Error().Err(err).Str("session_id", st.SessionID).Str("intent", string(st.Intent.Type)).Msg("workflow failed")

	switch {
	case errors.Is(err, contractx.ErrReauthRequired):
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindReauth})
	case errors.Is(err, contractx.ErrInvalidParameters):
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindError, Reason: clarification(st.Intent.Type)})
	case errors.Is(err, contractx.ErrClassifierUnavailable):
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindError, Reason: "I couldn't process that right now"})
	case errors.Is(err, contractx.ErrTimeout), errors.Is(err, contractx.ErrToolTransient):
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindError, Reason: "the service took too long to respond"})
	case errors.Is(err, contractx.ErrToolPermanent):
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindError, Reason: "the service couldn't handle that request"})
	default:
		return e.renderer.Render(ctx, synth.Input{Kind: synth.KindError})
	}
}

func clarification(intent contractx.IntentType) string {
	switch intent {
	case contractx.IntentCreateEvent:
		return "I still need the event's title and start time"
	case contractx.IntentGetDirections:
		return "I still need to know where you're headed"
	default:
		return "I couldn't pin down the details of that request"
	}
}

// onApprovalExpired runs on the gate's timer goroutine. It finalizes the
// parked workflow and pushes an unsolicited notice through the transport.
func (e *Engine) onApprovalExpired(pending *contractx.PendingAction) {
	st := e.takeParkedIf(pending.SessionID, pending.ID)
	if st == nil {
		return
	}

	sess := e.lookup(pending.SessionID)
	if sess != nil {
		sess.Lock()
		defer sess.Unlock()
	}

	st.enter(StageRespond)
	e.recordTrace(st)

	ctx, cancel := context.WithTimeout(context.Background(), expiryNoticeTimeout)
	defer cancel()

	reply := e.renderer.Render(ctx, synth.Input{Kind: synth.KindCancellation, Decision: contractx.DecisionExpired, Pending: pending})
	if err := e.transport.Deliver(ctx, pending.SessionID, reply); err != nil {
		log.Error().Err(err).Str("session_id", pending.SessionID).Msg("expiry notice delivery failed")
	}

	now := e.now()
	if sess != nil {
		sess.Append(contractx.RoleAssistant, reply, now)
	}
	if err := e.history.Append(ctx, pending.SessionID, contractx.Turn{Role: contractx.RoleAssistant, Text: reply, At: now.UTC()}); err != nil {
		log.Warn().Err(err).Str("session_id", pending.SessionID).Msg("history append failed")
	}
}

func (e *Engine) session(sessionID, userID string) *state.Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sess, ok := e.sessions[sessionID]; ok {
		return sess
	}
	sess := state.NewSession(sessionID, userID, e.now())
	e.sessions[sessionID] = sess
	return sess
}

func (e *Engine) lookup(sessionID string) *state.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

func (e *Engine) park(st *State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiting[st.SessionID] = st
}

// takeParked atomically claims the session's parked workflow, if any.
func (e *Engine) takeParked(sessionID string) *State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.waiting[sessionID]
	if !ok {
		return nil
	}
	delete(e.waiting, sessionID)
	return st
}

// takeParkedIf claims the parked workflow only when it still belongs to the
// given pending action. Used by the expiry path to lose races cleanly.
func (e *Engine) takeParkedIf(sessionID, pendingID string) *State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.waiting[sessionID]
	if !ok || st.Pending == nil || st.Pending.ID != pendingID {
		return nil
	}
	delete(e.waiting, sessionID)
	return st
}

func (e *Engine) recordTrace(st *State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trace := make([]Stage, len(st.Trace))
	copy(trace, st.Trace)
	e.lastTrace[st.SessionID] = trace
}

// sweep evicts sessions idle past the TTL. Sessions with a parked workflow
// are kept so the expiry notice still has somewhere to land.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, sess := range e.sessions {
		if _, parked := e.waiting[id]; parked {
			continue
		}
		if sess.Idle(now, e.cfg.SessionIdleTTL) {
			delete(e.sessions, id)
			delete(e.lastTrace, id)
		}
	}
}
