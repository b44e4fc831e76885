package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxTokenResponseBytes = 1 << 20

// OAuthConfig describes one provider's token endpoint.
type OAuthConfig struct {
	TokenURL     string        `envconfig:"TOKEN_URL" split_words:"true" required:"true"`
	ClientID     string        `envconfig:"CLIENT_ID" split_words:"true" required:"true"`
	ClientSecret string        `envconfig:"CLIENT_SECRET" split_words:"true" required:"true"`
	RedirectURI  string        `envconfig:"REDIRECT_URI" split_words:"true"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// HTTPOAuthClient implements OAuthClient against a standard OAuth2 token
// endpoint (authorization_code and refresh_token grants).
type HTTPOAuthClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
}

func NewHTTPOAuthClient(cfg OAuthConfig) (*HTTPOAuthClient, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, errors.New("oauth token url is required")
	}
	if _, err := url.ParseRequestURI(tokenURL); err != nil {
		return nil, fmt.Errorf("invalid oauth token url: %w", err)
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("oauth client id and secret are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPOAuthClient{
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		redirectURI:  strings.TrimSpace(cfg.RedirectURI),
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (c *HTTPOAuthClient) ExchangeAuthCode(ctx context.Context, code string) (Grant, error) {
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}
	if c.redirectURI != "" {
		form.Set("redirect_uri", c.redirectURI)
	}
	return c.post(ctx, form)
}

func (c *HTTPOAuthClient) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	return c.post(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *HTTPOAuthClient) post(ctx context.Context, form url.Values) (Grant, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("execute token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return Grant{}, fmt.Errorf("read token response: %w", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Grant{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices || parsed.Error != "" {
		detail := parsed.Error
		if parsed.ErrorDesc != "" {
			detail = parsed.Error + ": " + parsed.ErrorDesc
		}
		return Grant{}, fmt.Errorf("token endpoint status=%d %s", resp.StatusCode, detail)
	}
	if parsed.AccessToken == "" {
		return Grant{}, errors.New("token endpoint returned no access token")
	}

	grant := Grant{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UTC(),
	}
	if parsed.Scope != "" {
		grant.Scopes = strings.Fields(parsed.Scope)
	}
	return grant, nil
}
