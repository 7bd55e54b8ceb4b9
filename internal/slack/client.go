// Package slack posts run failure alerts to an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BEMADEV/Open-Connections-Digest/internal/config"
)

type Client struct {
	webhookURL    string
	httpClient    *http.Client
	retryAttempts int
	backoff       time.Duration
}

type Message struct {
	Text string `json:"text"`
}

// NewClient returns nil when no webhook is configured, so callers can treat
// alerts as optional.
func NewClient(cfg config.SlackConfig) *Client {
	if cfg.WebhookURL == "" {
		return nil
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryAttempts: attempts,
		backoff:       time.Second,
	}
}

func (c *Client) SendMessage(ctx context.Context, text string) error {
	message := Message{Text: text}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * c.backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}

		lastErr = fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return fmt.Errorf("failed after %d attempts: %w", c.retryAttempts, lastErr)
}
