package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

const historyWindow = 10

// Classifier maps a raw utterance onto one of the fixed intents using the
// model. Unknown labels from the model are coerced to general; a model
// transport failure is surfaced as ErrClassifierUnavailable so the caller
// can degrade instead of guessing.
type Classifier struct {
	model  contractx.ModelClient
	prompt string
	now    func() time.Time
}

func NewClassifier(model contractx.ModelClient, prompt string) *Classifier {
	return &Classifier{model: model, prompt: prompt, now: time.Now}
}

type classifierInput struct {
	Utterance string         `json:"utterance"`
	History   []historyEntry `json:"history,omitempty"`
	Now       string         `json:"now"`
}

type historyEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type classifierOutput struct {
	Intent string            `json:"intent"`
	Params map[string]string `json:"params"`
}

func (c *Classifier) Classify(ctx context.Context, utterance string, history []contractx.Turn) (contractx.Intent, error) {
	if strings.TrimSpace(utterance) == "" {
		return contractx.Intent{}, fmt.Errorf("%w: empty utterance", contractx.ErrValidation)
	}

	input := classifierInput{
		Utterance: utterance,
		Now:       c.now().UTC().Format(time.RFC3339),
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, turn := range history {
		input.History = append(input.History, historyEntry{Role: string(turn.Role), Text: turn.Text})
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return contractx.Intent{}, fmt.Errorf("marshal classifier input: %w", err)
	}

	raw, err := c.model.Complete(ctx, c.prompt, string(payload))
	if err != nil {
		return contractx.Intent{}, fmt.Errorf("%w: %v", contractx.ErrClassifierUnavailable, err)
	}

	var output classifierOutput
	if err := json.Unmarshal([]byte(stripFences(raw)), &output); err != nil {
		log.Warn().Str("raw", raw).Msg("classifier output is not valid JSON, falling back to general")
		return contractx.Intent{Type: contractx.IntentGeneral}, nil
	}

	intentType := contractx.IntentType(strings.TrimSpace(output.Intent))
	if !contractx.KnownIntent(intentType) {
		log.Warn().Str("intent", output.Intent).Msg("classifier produced unknown intent, coercing to general")
		intentType = contractx.IntentGeneral
	}

	params := make(map[string]string, len(output.Params))
	for key, value := range output.Params {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			params[key] = trimmed
		}
	}

	return contractx.Intent{Type: intentType, Params: params}, nil
}

// stripFences removes a surrounding markdown code fence, which models emit
// even when told not to.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
