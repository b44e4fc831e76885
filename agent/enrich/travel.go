package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

const (
	toolGetDirections = "get_directions"

	defaultMaxConcurrent = 4
)

// Event is one calendar entry as returned by the calendar tool.
type Event struct {
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
}

// EnrichedEvent is an event annotated with travel context. When the
// directions call fails or the event has no location, TravelAvailable is
// false and the event is still returned.
type EnrichedEvent struct {
	Event
	TravelAvailable bool          `json:"travel_available"`
	TravelDuration  time.Duration `json:"travel_duration,omitempty"`
	TravelSummary   string        `json:"travel_summary,omitempty"`
	LeaveBy         time.Time     `json:"leave_by,omitempty"`
}

type eventsPayload struct {
	Events []Event `json:"events"`
}

type directionsPayload struct {
	Distance        string `json:"distance"`
	Duration        string `json:"duration"`
	DurationMinutes int    `json:"duration_minutes"`
}

// ParseEvents decodes the calendar tool's payload.
func ParseEvents(payload json.RawMessage) ([]Event, error) {
	var parsed eventsPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode events payload: %w", err)
	}
	return parsed.Events, nil
}

// Enricher composes the calendar listing with per-event directions calls.
type Enricher struct {
	invoker         contractx.Invoker
	defaultLocation string
	mode            contractx.TransportMode
	buffer          time.Duration
	maxConcurrent   int
}

type Option func(*Enricher)

func WithMaxConcurrent(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

func NewEnricher(invoker contractx.Invoker, defaultLocation string, mode contractx.TransportMode, buffer time.Duration, opts ...Option) *Enricher {
	e := &Enricher{
		invoker:         invoker,
		defaultLocation: defaultLocation,
		mode:            mode,
		buffer:          buffer,
		maxConcurrent:   defaultMaxConcurrent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// EnrichTravel annotates each located event with the travel duration from
// the user's default location. Independent directions calls run
// concurrently; a failing call degrades that one event to
// "travel time unavailable" and never fails the whole batch.
func (e *Enricher) EnrichTravel(ctx context.Context, userID string, events []Event) []EnrichedEvent {
	enriched := make([]EnrichedEvent, len(events))
	for i, event := range events {
		enriched[i] = EnrichedEvent{Event: event}
	}

	if e.defaultLocation == "" {
		return enriched
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.maxConcurrent)

	for i := range enriched {
		if enriched[i].Location == "" {
			continue
		}
		idx := i
		group.Go(func() error {
			e.annotate(groupCtx, userID, &enriched[idx])
			return nil
		})
	}
	_ = group.Wait()

	return enriched
}

func (e *Enricher) annotate(ctx context.Context, userID string, event *EnrichedEvent) {
	result, err := e.invoker.Invoke(ctx, userID, contractx.ToolCall{
		Name: toolGetDirections,
		Args: map[string]any{
			"origin":      e.defaultLocation,
			"destination": event.Location,
			"mode":        string(e.mode),
		},
	})
	if err != nil {
		log.Debug().Err(err).Str("destination", event.Location).Msg("travel enrichment degraded")
		return
	}

	var directions directionsPayload
	if err := json.Unmarshal(result.Payload, &directions); err != nil {
		log.Debug().Err(err).Str("destination", event.Location).Msg("travel enrichment degraded")
		return
	}
	if directions.DurationMinutes <= 0 {
		return
	}

	duration := time.Duration(directions.DurationMinutes) * time.Minute
	event.TravelAvailable = true
	event.TravelDuration = duration
	event.TravelSummary = directions.Duration
	if !event.Start.IsZero() {
		event.LeaveBy = event.Start.Add(-duration - e.buffer)
	}
}
