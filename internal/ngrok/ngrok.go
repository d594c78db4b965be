// Package ngrok discovers the externally visible proxy host from a local
// ngrok agent's inspection API.
package ngrok

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"host-rewrite-proxy-go/internal/config"
)

const (
	discoveryAttempts = 10
	discoveryWait     = 2 * time.Second
)

// Client queries the ngrok agent's local API for active tunnels.
type Client struct {
	httpClient *http.Client
	apiURL     string
	logger     *slog.Logger
}

// NewClient creates a Client for the agent API configured in cfg.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		apiURL:     cfg.Ngrok.APIURL,
		logger:     logger,
	}
}

type tunnelList struct {
	Tunnels []tunnel `json:"tunnels"`
}

type tunnel struct {
	Proto     string `json:"proto"`
	PublicURL string `json:"public_url"`
}

// PublicHost returns the bare host of the agent's first https tunnel. The
// agent registers tunnels asynchronously after starting, so the lookup
// retries for a while before giving up.
func (c *Client) PublicHost(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= discoveryAttempts; attempt++ {
		host, err := c.fetchHost(ctx)
		if err == nil {
			c.logger.Info("discovered ngrok tunnel", "host", host, "attempt", attempt)
			return host, nil
		}
		lastErr = err
		c.logger.Warn("ngrok tunnel not ready", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(discoveryWait):
		}
	}
	return "", fmt.Errorf("no https ngrok tunnel after %d attempts: %w", discoveryAttempts, lastErr)
}

func (c *Client) fetchHost(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("building ngrok API request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying ngrok API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ngrok API returned status %d", resp.StatusCode)
	}

	var list tunnelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("decoding ngrok API response: %w", err)
	}

	for _, t := range list.Tunnels {
		if t.Proto != "https" {
			continue
		}
		host := strings.TrimPrefix(t.PublicURL, "https://")
		if host == "" || host == t.PublicURL {
			continue
		}
		return host, nil
	}
	return "", fmt.Errorf("no https tunnel among %d tunnels", len(list.Tunnels))
}
