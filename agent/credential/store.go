package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

var (
	ErrNotFound       = errors.New("credential not found")
	ErrUnknownService = errors.New("unknown credential service")
)

const defaultExpiryMargin = 2 * time.Minute

// Record is a stored OAuth grant for one (user, service) pair.
type Record struct {
	UserID       string    `bun:"user_id,pk" json:"user_id"`
	Service      string    `bun:"service,pk" json:"service"`
	AccessToken  string    `bun:"access_token,notnull" json:"access_token"`
	RefreshToken string    `bun:"refresh_token,notnull" json:"refresh_token"`
	Expiry       time.Time `bun:"expiry,notnull" json:"expiry"`
	Scopes       []string  `bun:"scopes,array" json:"scopes,omitempty"`
	UpdatedAt    time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Grant is what the OAuth collaborator returns from an exchange or refresh.
// RefreshToken is empty on refresh responses.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// OAuthClient is the external OAuth collaborator. The HTTP redirect
// listener that obtains the auth code lives outside this module.
type OAuthClient interface {
	ExchangeAuthCode(ctx context.Context, code string) (Grant, error)
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

// Backend persists credential records.
type Backend interface {
	Get(ctx context.Context, userID, service string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, userID, service string) error
}

// Store hands out valid access tokens, refreshing on demand. Refreshes for
// the same (user, service) key are collapsed into a single upstream call.
type Store struct {
	backend Backend
	oauth   map[string]OAuthClient
	margin  time.Duration
	group   singleflight.Group
	now     func() time.Time
}

type StoreOption func(*Store)

func WithExpiryMargin(margin time.Duration) StoreOption {
	return func(s *Store) {
		if margin > 0 {
			s.margin = margin
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds a credential store. oauth maps service name to that
// service's OAuth collaborator.
func NewStore(backend Backend, oauth map[string]OAuthClient, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("credential backend is required")
	}

	s := &Store{
		backend: backend,
		oauth:   make(map[string]OAuthClient, len(oauth)),
		margin:  defaultExpiryMargin,
		now:     time.Now,
	}
	for service, client := range oauth {
		if strings.TrimSpace(service) == "" || client == nil {
			return nil, fmt.Errorf("%w: oauth client for service %q", contractx.ErrConfiguration, service)
		}
		s.oauth[service] = client
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ValidToken returns a token whose expiry is strictly after now+margin,
// refreshing at most once. Refresh failure means the grant is unusable and
// yields ErrReauthRequired, never a generic tool failure.
func (s *Store) ValidToken(ctx context.Context, userID, service string) (contractx.Token, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(service) == "" {
		return contractx.Token{}, fmt.Errorf("%w: user id and service are required", contractx.ErrValidation)
	}

	rec, err := s.backend.Get(ctx, userID, service)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contractx.Token{}, fmt.Errorf("%w: no credential for %s/%s", contractx.ErrReauthRequired, userID, service)
		}
		return contractx.Token{}, err
	}

	if s.usable(rec) {
		return tokenOf(rec), nil
	}

	key := userID + "|" + service
	result, err, _ := s.group.Do(key, func() (any, error) {
		return s.refresh(ctx, userID, service)
	})
	if err != nil {
		return contractx.Token{}, err
	}
	return result.(contractx.Token), nil
}

func (s *Store) refresh(ctx context.Context, userID, service string) (contractx.Token, error) {
	// Re-read under the flight: a concurrent caller may have refreshed
	// between our staleness check and joining the group.
	rec, err := s.backend.Get(ctx, userID, service)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contractx.Token{}, fmt.Errorf("%w: no credential for %s/%s", contractx.ErrReauthRequired, userID, service)
		}
		return contractx.Token{}, err
	}
	if s.usable(rec) {
		return tokenOf(rec), nil
	}

	client, ok := s.oauth[service]
	if !ok {
		return contractx.Token{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	if strings.TrimSpace(rec.RefreshToken) == "" {
		_ = s.backend.Delete(ctx, userID, service)
		return contractx.Token{}, fmt.Errorf("%w: no refresh token for %s/%s", contractx.ErrReauthRequired, userID, service)
	}

	grant, err := client.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("service", service).Msg("token refresh failed")
		_ = s.backend.Delete(ctx, userID, service)
		return contractx.Token{}, fmt.Errorf("%w: refresh rejected for %s/%s", contractx.ErrReauthRequired, userID, service)
	}

	rec.AccessToken = grant.AccessToken
	rec.Expiry = grant.Expiry.UTC()
	if grant.RefreshToken != "" {
		rec.RefreshToken = grant.RefreshToken
	}
	if len(grant.Scopes) > 0 {
		rec.Scopes = grant.Scopes
	}
	rec.UpdatedAt = s.now().UTC()

	if err := s.backend.Put(ctx, rec); err != nil {
		return contractx.Token{}, fmt.Errorf("persist refreshed credential: %w", err)
	}

	log.Debug().Str("user_id", userID).Str("service", service).Time("expiry", rec.Expiry).Msg("token refreshed")
	return tokenOf(rec), nil
}

// StoreAuthCode runs the auth-code exchange and persists the grant. Called
// by the OAuth redirect collaborator after the user authorizes.
func (s *Store) StoreAuthCode(ctx context.Context, userID, service, code string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(service) == "" || strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: user id, service, and code are required", contractx.ErrValidation)
	}

	client, ok := s.oauth[service]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	grant, err := client.ExchangeAuthCode(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}

	return s.backend.Put(ctx, &Record{
		UserID:       userID,
		Service:      service,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry.UTC(),
		Scopes:       grant.Scopes,
		UpdatedAt:    s.now().UTC(),
	})
}

// Revoke drops the stored grant so the next call demands re-authentication.
func (s *Store) Revoke(ctx context.Context, userID, service string) error {
	return s.backend.Delete(ctx, userID, service)
}

func (s *Store) usable(rec *Record) bool {
	return rec != nil && strings.TrimSpace(rec.AccessToken) != "" && rec.Expiry.After(s.now().Add(s.margin))
}

func tokenOf(rec *Record) contractx.Token {
	return contractx.Token{
		AccessToken: rec.AccessToken,
		Expiry:      rec.Expiry,
		Scopes:      rec.Scopes,
	}
}
