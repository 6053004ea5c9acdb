// Package token fetches ephemeral realtime credentials from the Saem backend.
//
// The backend mints short-lived client secrets so the provider key never
// reaches a device. This client adds the retry and dedup behavior sessions
// depend on: rate-limit-aware retries with capped backoff, and collapsing of
// concurrent fetches into a single request.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenPath is the broker route serving ephemeral credentials.
const TokenPath = "/openai/realtime/token"

const (
	maxRetryAfter = 5 * time.Minute
	maxBackoff    = 30 * time.Second
	baseBackoff   = time.Second
)

// ErrAlreadyConnected is returned when a retry wait was abandoned because a
// concurrent attempt already established the connection.
var ErrAlreadyConnected = errors.New("token: connection already established")

// ErrRateLimited is wrapped into the error returned once rate-limit retries
// are exhausted.
var ErrRateLimited = errors.New("token: rate limited")

// User identifies the learner the session is for.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Request describes the session the credential is minted for. The backend
// derives the tutoring instructions from these fields at minting time.
type Request struct {
	Model           string `json:"model"`
	Voice           string `json:"voice"`
	ScenarioID      string `json:"scenarioId"`
	IsScenarioBased bool   `json:"isScenarioBased"`
	IsLessonBased   bool   `json:"isLessonBased"`
	LessonDetails   string `json:"lessonDetails,omitempty"`
	Level           string `json:"level"`
	User            *User  `json:"user,omitempty"`
}

// Credential is a short-lived secret for the realtime SDP exchange.
type Credential struct {
	EphemeralKey string
}

// canonical response: {"success":true,"data":{"ephemeralKey":"ek_..."}}
// legacy response:    {"token":"ek_..."}
type tokenResponse struct {
	Success bool `json:"success"`
	Data    struct {
		EphemeralKey string `json:"ephemeralKey"`
	} `json:"data"`
	Token string `json:"token"`
	Error string `json:"error"`
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retryAfter"`
}

// Config configures a [Client]. AuthToken supplies the user's bearer token
// per request; Connected lets retry waits abort once a concurrent attempt
// has already connected (may be nil).
type Config struct {
	APIBase    string
	AuthToken  func(ctx context.Context) (string, error)
	Connected  func() bool
	MaxRetries int
	HTTPClient *http.Client
}

// Client fetches ephemeral credentials from the backend token endpoint.
// Safe for concurrent use; concurrent fetches for the same scenario are
// collapsed into one request.
type Client struct {
	base       string
	authToken  func(ctx context.Context) (string, error)
	connected  func() bool
	maxRetries int
	httpc      *http.Client
	group      singleflight.Group
}

// NewClient creates a Client. MaxRetries defaults to 3 and the HTTP client
// to one with a 30s timeout.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	connected := cfg.Connected
	if connected == nil {
		connected = func() bool { return false }
	}
	return &Client{
		base:       cfg.APIBase,
		authToken:  cfg.AuthToken,
		connected:  connected,
		maxRetries: cfg.MaxRetries,
		httpc:      cfg.HTTPClient,
	}
}

// EphemeralToken requests a credential for req, retrying on rate limits.
// Concurrent calls for the same scenario share one in-flight request.
func (c *Client) EphemeralToken(ctx context.Context, req Request) (Credential, error) {
	v, err, shared := c.group.Do(req.ScenarioID, func() (any, error) {
		return c.fetchWithRetry(ctx, req)
	})
	if shared {
		slog.Debug("token fetch deduplicated", "scenario_id", req.ScenarioID)
	}
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (c *Client) fetchWithRetry(ctx context.Context, req Request) (Credential, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		cred, retryAfter, err := c.fetchOnce(ctx, req)
		if err == nil {
			return cred, nil
		}
		if retryAfter < 0 {
			// Not a rate limit; fatal.
			return Credential{}, err
		}
		lastErr = err
		if attempt >= c.maxRetries {
			return Credential{}, fmt.Errorf("%w after %d retries: %v", ErrRateLimited, c.maxRetries, lastErr)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = backoff(attempt)
		}
		slog.Info("token endpoint rate limited, retrying",
			"scenario_id", req.ScenarioID,
			"attempt", attempt+1,
			"wait", wait,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return Credential{}, err
		}
		if c.connected() {
			return Credential{}, ErrAlreadyConnected
		}
	}
}

// fetchOnce performs one request. On rate limiting it returns a non-negative
// retry hint (zero when the server gave none); any other failure returns -1.
func (c *Client) fetchOnce(ctx context.Context, req Request) (Credential, time.Duration, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Credential{}, -1, fmt.Errorf("token: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+TokenPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, -1, fmt.Errorf("token: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != nil {
		auth, err := c.authToken(ctx)
		if err != nil {
			return Credential{}, -1, fmt.Errorf("token: resolve auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+auth)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return Credential{}, -1, fmt.Errorf("token: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, -1, fmt.Errorf("token: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Credential{}, parseRetryAfter(resp, data), fmt.Errorf("token: rate limited (status 429)")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, -1, fmt.Errorf("token: endpoint returned status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return Credential{}, -1, fmt.Errorf("token: decode response: %w", err)
	}
	switch {
	case tr.Data.EphemeralKey != "":
		return Credential{EphemeralKey: tr.Data.EphemeralKey}, -1, nil
	case tr.Token != "":
		return Credential{EphemeralKey: tr.Token}, -1, nil
	default:
		return Credential{}, -1, fmt.Errorf("token: response carried no credential")
	}
}

// parseRetryAfter extracts the server's retry hint from the JSON body or the
// Retry-After header, capped at 5 minutes. Returns zero when absent so the
// caller falls back to exponential backoff.
func parseRetryAfter(resp *http.Response, body []byte) time.Duration {
	var rl rateLimitBody
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		return capRetry(time.Duration(rl.RetryAfter * float64(time.Second)))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return capRetry(time.Duration(secs) * time.Second)
		}
	}
	return 0
}

func capRetry(d time.Duration) time.Duration {
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// backoff returns 1s·2^attempt capped at 30s.
func backoff(attempt int) time.Duration {
	d := baseBackoff << uint(attempt)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
