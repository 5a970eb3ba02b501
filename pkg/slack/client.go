// Package slack posts alert messages to a Slack-compatible incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("slack webhook not configured")

// Client handles communication with the webhook
type Client struct {
	webhookURL string
	httpClient *http.Client
	log        *logrus.Logger
	userAgent  string
}

// Config for the webhook client
type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

// NewClient creates a new webhook client
func NewClient(cfg Config, userAgent string, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:       log,
		userAgent: userAgent,
	}
}

// message is the incoming-webhook payload
type message struct {
	Text string `json:"text"`
}

// Notify posts text to the webhook. It makes a single attempt.
func (c *Client) Notify(ctx context.Context, text string) error {
	if c.webhookURL == "" {
		return ErrNotConfigured
	}

	jsonData, err := json.Marshal(message{Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.log.WithField("status", resp.StatusCode).Debug("Successfully posted to webhook")

	return nil
}
