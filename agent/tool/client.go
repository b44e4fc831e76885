package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
	configx "github.com/woojin-heo/mcp-assistant/pkg/config"
)

const maxResponseSizeBytes = 2 << 20

// ServerConfig describes one connected tool server. Service names the
// credential used to authorize calls; empty means the server is
// unauthenticated.
type ServerConfig struct {
	Name    string           `yaml:"name"`
	BaseURL string           `yaml:"base_url"`
	Service string           `yaml:"service,omitempty"`
	Timeout configx.Duration `yaml:"timeout,omitempty"`
}

// ServersFile is the on-disk tool topology (servers.yaml).
type ServersFile struct {
	Servers               []ServerConfig `yaml:"servers"`
	ApprovalRequiredTools []string       `yaml:"approval_required_tools"`
}

// Client speaks the tool invocation protocol with one server: a catalog
// listing plus a request/response invoke call.
type Client struct {
	name       string
	service    string
	baseURL    string
	httpClient *http.Client
}

// CatalogTool is a tool as advertised by its server.
type CatalogTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mutating    bool   `json:"mutating"`
	Idempotent  bool   `json:"idempotent"`
	Parameters  Schema `json:"parameters"`
}

type catalogResponse struct {
	Server string        `json:"server"`
	Tools  []CatalogTool `json:"tools"`
}

type invokeRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
}

type invokeResponse struct {
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
}

func NewClient(cfg ServerConfig) (*Client, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: tool server name is required", contractx.ErrConfiguration)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url for server %q is required", contractx.ErrConfiguration, name)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid base url for server %q: %v", contractx.ErrConfiguration, name, err)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		name:       name,
		service:    strings.TrimSpace(cfg.Service),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Service() string { return c.service }

// Catalog fetches the server's advertised tool list. Called once at
// startup while the registry is built.
func (c *Client) Catalog(ctx context.Context) ([]CatalogTool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/catalog", nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read catalog from %s: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog from %s: status=%d body=%s", c.name, resp.StatusCode, string(raw))
	}

	var parsed catalogResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode catalog from %s: %w", c.name, err)
	}
	return parsed.Tools, nil
}

// Call performs one invoke round trip. The access token, when present, is
// forwarded as a bearer credential.
func (c *Client) Call(ctx context.Context, call contractx.ToolCall, accessToken string) (contractx.ToolResult, error) {
	body, err := json.Marshal(invokeRequest{
		Tool:       call.Name,
		Parameters: call.Args,
		CallID:     call.CallID,
	})
	if err != nil {
		return contractx.ToolResult{}, fmt.Errorf("marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return contractx.ToolResult{}, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return contractx.ToolResult{}, fmt.Errorf("%w: %s on %s", contractx.ErrTimeout, call.Name, c.name)
		}
		return contractx.ToolResult{}, fmt.Errorf("%w: %s on %s: %v", contractx.ErrToolTransient, call.Name, c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return contractx.ToolResult{}, fmt.Errorf("%w: read invoke response: %v", contractx.ErrToolTransient, err)
	}

	var parsed invokeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return contractx.ToolResult{}, fmt.Errorf("%w: decode invoke response: %v", contractx.ErrToolPermanent, err)
	}

	if parsed.Status != "ok" {
		kind := contractx.ErrToolPermanent
		if parsed.Retryable {
			kind = contractx.ErrToolTransient
		}
		return contractx.ToolResult{}, fmt.Errorf("%w: %s: %s", kind, call.Name, parsed.ErrorDetail)
	}

	return contractx.ToolResult{
		Tool:    call.Name,
		Payload: parsed.Payload,
	}, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
