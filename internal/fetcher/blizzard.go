package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wow-token-tracker/internal/auth"
)

const (
	defaultAPIURLTemplate = "https://%s.api.blizzard.com"
	tokenIndexPath        = "/data/wow/token/index"
)

// BlizzardOptions parameterise the Game Data API client.
type BlizzardOptions struct {
	APIURLTemplate    string
	Locale            string
	Timeout           time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// Blizzard fetches token prices from the Battle.net Game Data API. Transient
// failures (connection errors, 429, 5xx) are retried with exponential
// backoff; other client errors fail immediately. All outbound requests pass
// through a shared rate limiter.
type Blizzard struct {
	opts    BlizzardOptions
	tokens  auth.TokenSource
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewBlizzard constructs a Game Data API client.
func NewBlizzard(opts BlizzardOptions, tokens auth.TokenSource, logger zerolog.Logger) *Blizzard {
	if opts.APIURLTemplate == "" {
		opts.APIURLTemplate = defaultAPIURLTemplate
	}
	if opts.Locale == "" {
		opts.Locale = "en_US"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 4
	}

	return &Blizzard{
		opts:    opts,
		tokens:  tokens,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:  logger.With().Str("component", "blizzard_client").Logger(),
	}
}

// FetchPrice returns the current token price in copper for a region.
func (b *Blizzard) FetchPrice(ctx context.Context, region string) (int64, error) {
	token, err := b.tokens.Token(ctx, region)
	if err != nil {
		return 0, err
	}

	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= b.opts.RetryAttempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		price, status, err := b.doFetch(ctx, region, token.AccessToken)
		if err == nil {
			return price, nil
		}

		var malformed *MalformedResponseError
		if errors.As(err, &malformed) {
			return 0, err
		}

		lastStatus = status
		lastErr = err
		if !retryable(status, err) {
			return 0, &FetchError{Region: region, Status: status, Attempts: attempt, Err: err}
		}

		if attempt < b.opts.RetryAttempts {
			delay := b.opts.RetryBaseDelay << (attempt - 1)
			b.logger.Warn().Str("region", region).Int("attempt", attempt).Dur("backoff", delay).Err(err).Msg("transient fetch failure, backing off")
			if err := sleepCtx(ctx, delay); err != nil {
				return 0, err
			}
		}
	}

	return 0, &FetchError{Region: region, Status: lastStatus, Attempts: b.opts.RetryAttempts, Err: lastErr}
}

func (b *Blizzard) doFetch(ctx context.Context, region, accessToken string) (int64, int, error) {
	base := strings.TrimRight(fmt.Sprintf(b.opts.APIURLTemplate, region), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+tokenIndexPath, nil)
	if err != nil {
		return 0, 0, err
	}

	q := req.URL.Query()
	q.Set("namespace", "dynamic-"+region)
	q.Set("locale", b.opts.Locale)
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// A connection dropped mid-body is a transport failure no matter
		// what status line preceded it.
		return 0, 0, err
	}

	if resp.StatusCode != http.StatusOK {
		return 0, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Price                *int64 `json:"price"`
		LastUpdatedTimestamp int64  `json:"last_updated_timestamp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, resp.StatusCode, &MalformedResponseError{Region: region, Err: err}
	}
	if payload.Price == nil {
		return 0, resp.StatusCode, &MalformedResponseError{Region: region, Err: fmt.Errorf("response missing price field")}
	}

	return *payload.Price, resp.StatusCode, nil
}

func retryable(status int, err error) bool {
	if status == 0 {
		// Connection-level failure before any status was received.
		return err != nil
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ PriceFetcher = (*Blizzard)(nil)
