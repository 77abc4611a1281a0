// Package aiprovider implements the AI peer's signed-URL fetcher (C1):
// an HTTPS client exchanging an agent ID and API key for a short-lived
// signed WebSocket URL used to dial the conversational-AI peer.
package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vossbridge/relay/internal/resilience"
	"go.uber.org/zap"
)

// Config configures the fetcher. The HTTP method is configuration
// rather than hardcoded (GET+query vs POST+body), since the exact
// endpoint contract is observed to vary by provider deployment; the
// response is always accepted under either the signed_url or the url
// key, preferring signed_url.
type Config struct {
	AgentID string
	APIKey  string
	Base    string
	Method  string // "GET" or "POST"
}

// Fetcher dials the AI provider's signed-URL endpoint.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	breaker    *resilience.Breaker[string]
}

// New builds a Fetcher, circuit-broken so a persistently failing
// signed-URL endpoint fails fast rather than stalling every session's
// connect attempt behind a dependency already known to be down.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    resilience.New[string]("ai-signed-url", logger),
	}
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	URL       string `json:"url"`
}

// Fetch exchanges the configured agent ID for a signed WebSocket URL.
// It does not retry; the bridge session owns reconnect/backoff policy
// and calls Fetch again itself on each attempt.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	return f.breaker.Execute(ctx, f.fetch)
}

func (f *Fetcher) fetch(ctx context.Context) (string, error) {
	var req *http.Request
	var err error

	switch f.cfg.Method {
	case "POST":
		body, mErr := json.Marshal(map[string]string{"agent_id": f.cfg.AgentID})
		if mErr != nil {
			return "", fmt.Errorf("signed url: encode request: %w", mErr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Base, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		u, pErr := url.Parse(f.cfg.Base)
		if pErr != nil {
			return "", fmt.Errorf("signed url: parse base: %w", pErr)
		}
		q := u.Query()
		q.Set("agent_id", f.cfg.AgentID)
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return "", fmt.Errorf("signed url: build request: %w", err)
	}

	req.Header.Set("xi-api-key", f.cfg.APIKey)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signed url: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("signed url: auth rejected (%d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("signed url: provider error (%d): %s", resp.StatusCode, string(body))
	}

	var parsed signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("signed url: parse response: %w", err)
	}
	if parsed.SignedURL != "" {
		return parsed.SignedURL, nil
	}
	if parsed.URL != "" {
		return parsed.URL, nil
	}
	return "", fmt.Errorf("signed url: response missing signed_url/url field")
}
