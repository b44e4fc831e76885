package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
	"github.com/woojin-heo/mcp-assistant/agent/enrich"
)

// Kind selects the rendering template for a finished workflow.
type Kind string

const (
	KindSchedule     Kind = "schedule"
	KindPlaces       Kind = "places"
	KindDirections   Kind = "directions"
	KindConfirmation Kind = "confirmation"
	KindCancellation Kind = "cancellation"
	KindReauth       Kind = "reauth"
	KindError        Kind = "error"
	KindGeneral      Kind = "general"
)

// Input carries everything a terminal workflow produced that the reply can
// draw on. Only the fields relevant to the Kind are set.
type Input struct {
	Kind      Kind
	Utterance string
	History   []contractx.Turn
	Events    []enrich.EnrichedEvent
	Payload   json.RawMessage
	Pending   *contractx.PendingAction
	Decision  contractx.Decision
	Service   string
	Reason    string
}

// Renderer turns terminal workflow results into a natural language reply.
// The model phrases the reply; when it is unreachable the renderer degrades
// to a deterministic plain text rendering, so a finished workflow always
// yields exactly one non-empty reply.
type Renderer struct {
	model  contractx.ModelClient
	prompt string
}

func NewRenderer(model contractx.ModelClient, prompt string) *Renderer {
	return &Renderer{model: model, prompt: prompt}
}

func (r *Renderer) Render(ctx context.Context, in Input) string {
	// Reauth and error replies carry no model-worthy content and must not
	// depend on the model being reachable.
	switch in.Kind {
	case KindReauth:
		return reauthText(in.Service)
	case KindError:
		return errorText(in.Reason)
	}

	instruction, facts := r.compose(in)
	user := instruction
	if facts != "" {
		user += "\n\nFacts:\n" + facts
	}

	reply, err := r.model.Complete(ctx, r.prompt, user)
	if err != nil {
		err = fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	} else if trimmed := strings.TrimSpace(reply); trimmed != "" {
		return trimmed
	} else {
		err = fmt.Errorf("%w: empty completion", contractx.ErrModelInvoke)
	}
	log.Warn().Err(err).Str("kind", string(in.Kind)).Msg("reply synthesis degraded to deterministic rendering")
	return r.fallback(in)
}

func (r *Renderer) compose(in Input) (instruction, facts string) {
	switch in.Kind {
	case KindSchedule:
		if len(in.Events) == 0 {
			return "Tell the user their calendar is empty for the requested period.", ""
		}
		encoded, _ := json.Marshal(in.Events)
		return "Summarize the user's schedule below. For events with travel information, mention the travel time and when to leave.", string(encoded)
	case KindPlaces:
		return fmt.Sprintf("Present these place search results for the request %q.", in.Utterance), string(in.Payload)
	case KindDirections:
		return "Present this route to the user.", string(in.Payload)
	case KindConfirmation:
		facts := ""
		if in.Pending != nil {
			facts = in.Pending.Summary
		}
		if len(in.Payload) > 0 {
			facts += "\nresult: " + string(in.Payload)
		}
		return "Confirm to the user that the approved action below was carried out.", facts
	case KindCancellation:
		facts := ""
		if in.Pending != nil {
			facts = in.Pending.Summary
		}
		if in.Decision == contractx.DecisionExpired {
			return "Tell the user the action below was cancelled because the approval window ran out. They can ask again.", facts
		}
		return "Acknowledge that the user declined the action below. Nothing was changed.", facts
	default:
		return fmt.Sprintf("Reply to the user's message: %q", in.Utterance), historyFacts(in.History)
	}
}

func (r *Renderer) fallback(in Input) string {
	switch in.Kind {
	case KindSchedule:
		return scheduleText(in.Events)
	case KindPlaces:
		return "Here is what I found:\n" + compactJSON(in.Payload)
	case KindDirections:
		return "Here is the route:\n" + compactJSON(in.Payload)
	case KindConfirmation:
		if in.Pending != nil {
			return "Done: " + in.Pending.Summary
		}
		return "Done."
	case KindCancellation:
		if in.Decision == contractx.DecisionExpired {
			return "The pending action expired without a decision, so nothing was changed."
		}
		return "Okay, I won't do that. Nothing was changed."
	default:
		return "Sorry, I can't answer that right now. Please try again."
	}
}

func scheduleText(events []enrich.EnrichedEvent) string {
	if len(events) == 0 {
		return "Your calendar is empty for that period."
	}
	var b strings.Builder
	b.WriteString("Your schedule:\n")
	for _, event := range events {
		b.WriteString("- ")
		b.WriteString(event.Start.Format("Mon Jan 2 15:04"))
		b.WriteString(" ")
		b.WriteString(event.Title)
		if event.Location != "" {
			b.WriteString(" @ ")
			b.WriteString(event.Location)
		}
		if event.TravelAvailable {
			b.WriteString(fmt.Sprintf(" (travel %s, leave by %s)", event.TravelSummary, event.LeaveBy.Format("15:04")))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func reauthText(service string) string {
	if service == "" {
		service = "that service"
	}
	return fmt.Sprintf("I've lost access to %s. Please reconnect your account and try again.", service)
}

func errorText(reason string) string {
	if reason == "" {
		reason = "something went wrong"
	}
	return fmt.Sprintf("Sorry, %s. Please try again.", reason)
}

func historyFacts(history []contractx.Turn) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > 6 {
		history = history[len(history)-6:]
	}
	var b strings.Builder
	for _, turn := range history {
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func compactJSON(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "(no details)"
	}
	var pretty map[string]any
	if err := json.Unmarshal(payload, &pretty); err != nil {
		return string(payload)
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return string(payload)
	}
	return string(encoded)
}

// ApprovalPrompt is the message shown when an action is staged. It is
// deterministic so the user always sees exactly what will run and how long
// they have to decide.
func ApprovalPrompt(pending *contractx.PendingAction, now time.Time) string {
	remaining := pending.ExpiresAt.Sub(now).Round(time.Second)
	return fmt.Sprintf("I'd like to do the following:\n%s\nShall I go ahead? (yes/no, expires in %s)", pending.Summary, remaining)
}
