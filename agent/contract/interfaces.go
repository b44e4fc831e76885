package contract

import "context"

// ModelClient is the language-model collaborator reduced to a pure function:
// instruction + input text in, text out.
type ModelClient interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

// Classifier maps an utterance plus conversation history onto exactly one
// of the fixed intents.
type Classifier interface {
	Classify(ctx context.Context, utterance string, history []Turn) (Intent, error)
}

// Invoker dispatches a named tool call on behalf of a user.
type Invoker interface {
	Invoke(ctx context.Context, userID string, call ToolCall) (ToolResult, error)
}

// TokenSource hands out valid access tokens for a (user, service) pair.
type TokenSource interface {
	ValidToken(ctx context.Context, userID string, service string) (Token, error)
}

// Transport is the outbound half of the chat collaborator. The engine uses
// it for messages that are not direct replies to an inbound turn, such as
// approval-expiry notices.
type Transport interface {
	Deliver(ctx context.Context, sessionID string, text string) error
}
