// Package webhook delivers diverted broadcast payloads to an outbound
// Discord webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Discord posts message content to a Discord-compatible webhook URL.
// Deliveries are rate capped because Discord throttles webhooks at roughly
// 30 requests per minute; callers blocked past their context deadline get
// the context error back.
type Discord struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewDiscord creates a webhook sink for the given URL.
func NewDiscord(url string, logger zerolog.Logger) *Discord {
	return &Discord{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
}

// Deliver posts one UTF-8 string to the webhook. Failures are returned to
// the caller for logging; they never propagate to bus clients.
func (d *Discord) Deliver(ctx context.Context, content string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit wait: %w", err)
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	d.logger.Debug().Int("bytes", len(content)).Msg("webhook delivered")
	return nil
}
