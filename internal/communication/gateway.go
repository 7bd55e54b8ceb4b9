package communication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BEMADEV/Open-Connections-Digest/internal/config"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// GatewayTransport posts messages as JSON to an HTTP gateway. The same
// idempotency key is sent on every retry of one message.
type GatewayTransport struct {
	medium        models.Medium
	url           string
	token         string
	from          string
	httpClient    *http.Client
	retryAttempts int
	backoff       time.Duration
}

type gatewayPayload struct {
	ID       string `json:"id"`
	Medium   string `json:"medium"`
	PersonID int    `json:"person_id"`
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body"`
}

func NewGatewayTransport(medium models.Medium, cfg config.GatewayConfig) *GatewayTransport {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayTransport{
		medium: medium,
		url:    cfg.URL,
		token:  cfg.Token,
		from:   cfg.From,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryAttempts: attempts,
		backoff:       time.Second,
	}
}

func (g *GatewayTransport) Medium() models.Medium { return g.medium }

func (g *GatewayTransport) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(gatewayPayload{
		ID:       uuid.NewString(),
		Medium:   string(g.medium),
		PersonID: msg.PersonID,
		To:       msg.To,
		From:     g.from,
		Title:    msg.Subject,
		Body:     msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return postWithRetry(ctx, g.httpClient, g.url, payload, g.retryAttempts, g.backoff, func(req *http.Request) {
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
	})
}

// postWithRetry posts payload until the server answers 2xx. Client errors
// other than 429 are not retried. Backoff grows with the square of the attempt.
func postWithRetry(ctx context.Context, client *http.Client, url string, payload []byte, attempts int, backoff time.Duration, decorate func(*http.Request)) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if decorate != nil {
			decorate(req)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("gateway returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
