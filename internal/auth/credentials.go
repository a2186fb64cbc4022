package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wow-token-tracker/internal/storage"
)

const defaultOAuthURLTemplate = "https://%s.battle.net/oauth/token"

// AuthError indicates a failed client-credentials exchange. Callers must not
// retry with the same credentials without delay.
type AuthError struct {
	Region string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: token exchange for region %s failed (status %d)", e.Region, e.Status)
	}
	return fmt.Sprintf("auth: token exchange for region %s failed: %v", e.Region, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Token is a per-region OAuth access token with its absolute expiry. Tokens
// are replaced whole on refresh, never mutated in place.
type Token struct {
	Region      string
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used at the given instant.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// TokenSource yields a usable token for a region.
type TokenSource interface {
	Token(ctx context.Context, region string) (Token, error)
}

// Options parameterise the credential store.
type Options struct {
	ClientID         string
	ClientSecret     string
	OAuthURLTemplate string
	Margin           time.Duration
	Timeout          time.Duration
}

// CredentialStore caches one OAuth token per region, refreshing it through a
// client-credentials exchange before the upstream expiry (the margin keeps a
// token from expiring mid-request). Durable records survive restarts.
type CredentialStore struct {
	opts    Options
	client  *http.Client
	logger  zerolog.Logger
	records storage.TokenStore

	mu      sync.Mutex
	regions map[string]*regionToken

	now func() time.Time
}

type regionToken struct {
	mu     sync.Mutex
	token  Token
	loaded bool
}

// NewCredentialStore constructs a credential store. records may be nil, in
// which case tokens live only in memory.
func NewCredentialStore(opts Options, records storage.TokenStore, logger zerolog.Logger) *CredentialStore {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.OAuthURLTemplate == "" {
		opts.OAuthURLTemplate = defaultOAuthURLTemplate
	}
	if opts.Margin < 0 {
		opts.Margin = 0
	}

	return &CredentialStore{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "credential_store").Logger(),
		records: records,
		regions: make(map[string]*regionToken),
		now:     time.Now,
	}
}

// Token returns a cached token for the region while it is still valid,
// otherwise performs one exchange. Concurrent callers for the same region
// share a single exchange via the per-region lock and re-check.
func (c *CredentialStore) Token(ctx context.Context, region string) (Token, error) {
	state := c.regionState(region)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := c.now().UTC()
	if state.token.Valid(now) {
		return state.token, nil
	}

	if !state.loaded && c.records != nil {
		state.loaded = true
		record, err := c.records.LoadToken(ctx, region)
		if err != nil {
			c.logger.Warn().Err(err).Str("region", region).Msg("failed to load durable token record")
		} else if record != nil {
			cached := Token{Region: region, AccessToken: record.AccessToken, ExpiresAt: record.ExpiresAt}
			if cached.Valid(now) {
				state.token = cached
				return cached, nil
			}
		}
	}

	token, err := c.exchange(ctx, region)
	if err != nil {
		return Token{}, err
	}

	if c.records != nil {
		record := storage.TokenRecord{Region: region, AccessToken: token.AccessToken, ExpiresAt: token.ExpiresAt}
		if saveErr := c.records.SaveToken(ctx, record); saveErr != nil {
			c.logger.Error().Err(saveErr).Str("region", region).Msg("failed to persist token record")
		}
	}

	state.token = token
	return token, nil
}

func (c *CredentialStore) regionState(region string) *regionToken {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.regions[region]
	if !ok {
		state = &regionToken{}
		c.regions[region] = state
	}
	return state
}

func (c *CredentialStore) exchange(ctx context.Context, region string) (Token, error) {
	if c.opts.ClientID == "" || c.opts.ClientSecret == "" {
		return Token{}, &AuthError{Region: region, Err: errors.New("client credentials not configured")}
	}

	endpoint := fmt.Sprintf(c.opts.OAuthURLTemplate, region)
	form := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &AuthError{Region: region, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.opts.ClientID, c.opts.ClientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, &AuthError{Region: region, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, &AuthError{Region: region, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, &AuthError{Region: region, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, &AuthError{Region: region, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if payload.AccessToken == "" {
		return Token{}, &AuthError{Region: region, Err: errors.New("token response missing access_token")}
	}

	expiresAt := c.now().UTC().Add(time.Duration(payload.ExpiresIn)*time.Second - c.opts.Margin)

	c.logger.Debug().Str("region", region).Time("expires_at", expiresAt).Msg("token exchanged")

	return Token{Region: region, AccessToken: payload.AccessToken, ExpiresAt: expiresAt}, nil
}

var _ TokenSource = (*CredentialStore)(nil)
