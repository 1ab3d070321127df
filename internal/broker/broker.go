// Package broker mints short-lived single-negotiation credentials against the
// upstream realtime sessions endpoint. The long-lived API key stays inside
// this process; clients only ever see the ephemeral token.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nmorag/attune/internal/reliability"
)

// Error is a credential broker failure. Retryable mirrors the upstream HTTP
// status classification and is informational only; a failed start attempt is
// never retried automatically.
type Error struct {
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential broker: %v", e.Err)
	}
	return fmt.Sprintf("credential broker: status %d: %s", e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Client requests ephemeral credentials for one negotiation each.
type Client struct {
	sessionsURL string
	apiKey      string
	model       string
	voice       string
	httpClient  *http.Client
}

type Config struct {
	SessionsURL string
	APIKey      string
	Model       string
	Voice       string
}

func NewClient(cfg Config) *Client {
	return &Client{
		sessionsURL: strings.TrimSpace(cfg.SessionsURL),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		voice:       cfg.Voice,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type mintRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type mintResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// Mint issues one ephemeral bearer token. Non-success leaves no partial state;
// the caller simply surfaces the error.
func (c *Client) Mint(ctx context.Context) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Err: fmt.Errorf("api key not configured")}
	}

	payload, err := json.Marshal(mintRequest{Model: c.model, Voice: c.voice})
	if err != nil {
		return "", &Error{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionsURL, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &Error{
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	var out mintResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", &Error{Err: fmt.Errorf("decode response: %w", err)}
	}
	token := strings.TrimSpace(out.ClientSecret.Value)
	if token == "" {
		return "", &Error{Err: fmt.Errorf("response missing client secret")}
	}
	return token, nil
}
