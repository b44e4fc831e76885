package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

const defaultCallTimeout = 20 * time.Second

// Dispatcher routes tool calls to their servers. It validates parameters
// before any network traffic, fetches a fresh token from the credential
// store immediately before each call, and bounds every call's wait.
type Dispatcher struct {
	registry *Registry
	tokens   contractx.TokenSource
	timeout  time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithCallTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func NewDispatcher(registry *Registry, tokens contractx.TokenSource, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}

	d := &Dispatcher{
		registry: registry,
		tokens:   tokens,
		timeout:  defaultCallTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Registry exposes the read-only tool registry for catalog prompts.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Invoke runs one tool call for one user. Timeouts are retried exactly once
// for declared-idempotent read tools; mutating calls are never retried, so
// a timed-out mutation cannot fire twice.
func (d *Dispatcher) Invoke(ctx context.Context, userID string, call contractx.ToolCall) (contractx.ToolResult, error) {
	entry, ok := d.registry.Get(call.Name)
	if !ok {
		return contractx.ToolResult{}, fmt.Errorf("%w: unknown tool %q", contractx.ErrInvalidParameters, call.Name)
	}

	if err := entry.Params.Validate(call.Args); err != nil {
		return contractx.ToolResult{}, err
	}

	if entry.Mutating && call.CallID == "" {
		call.CallID = uuid.NewString()
	}

	token, err := d.authorize(ctx, userID, entry)
	if err != nil {
		return contractx.ToolResult{}, err
	}

	result, err := d.call(ctx, entry, call, token)
	if err == nil {
		return result, nil
	}

	if d.retryable(entry, err) {
		log.Debug().Str("tool", call.Name).Err(err).Msg("retrying idempotent read once")
		return d.call(ctx, entry, call, token)
	}
	return contractx.ToolResult{}, err
}

func (d *Dispatcher) authorize(ctx context.Context, userID string, entry Tool) (string, error) {
	service := entry.server.Service()
	if service == "" {
		return "", nil
	}
	token, err := d.tokens.ValidToken(ctx, userID, service)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (d *Dispatcher) call(ctx context.Context, entry Tool, call contractx.ToolCall, token string) (contractx.ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return entry.server.Call(callCtx, call, token)
}

func (d *Dispatcher) retryable(entry Tool, err error) bool {
	if entry.Mutating || !entry.Idempotent {
		return false
	}
	return errors.Is(err, contractx.ErrTimeout) || errors.Is(err, contractx.ErrToolTransient)
}
