// Package notify posts finished-command results to an HTTP webhook.
//
// The client uses hashicorp/go-retryablehttp for automatic retry with
// backoff, so a briefly unreachable receiver does not lose results.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/version"
)

// Payload is the JSON body posted for each finished command.
type Payload struct {
	Host       string `json:"host"`
	CommandID  int32  `json:"command_id"`
	Source     string `json:"source,omitempty"`
	Status     int32  `json:"status"`
	Output     string `json:"output"`
	Detached   bool   `json:"detached"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
	Metadata   any    `json:"metadata,omitempty"`
}

// Webhook implements commands.Sink by POSTing results to a URL.
type Webhook struct {
	httpClient *http.Client
	url        string
	token      string
	host       string
	logger     *slog.Logger
}

// Option configures a Webhook.
type Option func(*retryablehttp.Client)

// WithRetry overrides the retry policy.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = max
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMax
	}
}

// NewWebhook creates a webhook sink. token, when set, is sent as a Bearer token.
//
// Defaults: 3 retries, 1s-10s linear jitter backoff, 30s per request.
func NewWebhook(url, token string, logger *slog.Logger, opts ...Option) *Webhook {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Backoff = retryablehttp.LinearJitterBackoff

	// Disable retryablehttp's internal logging - we use slog instead
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = 30 * time.Second

	for _, opt := range opts {
		opt(retryClient)
	}

	host, _ := os.Hostname()
	return &Webhook{
		httpClient: retryClient.StandardClient(),
		url:        url,
		token:      token,
		host:       host,
		logger:     logging.WithComponent(logger, "notify"),
	}
}

// CommandStarted is a no-op; the webhook only reports completions.
func (w *Webhook) CommandStarted(context.Context, commands.Result) error {
	return nil
}

// CommandFinished posts the result.
func (w *Webhook) CommandFinished(ctx context.Context, res commands.Result) error {
	body, err := json.Marshal(Payload{
		Host:       w.host,
		CommandID:  res.ID,
		Source:     res.Source,
		Status:     res.Status,
		Output:     res.Output,
		Detached:   res.Detached,
		StartedAt:  res.StartTime.UTC().Format(time.RFC3339),
		FinishedAt: res.EndTime.UTC().Format(time.RFC3339),
		DurationMs: res.Duration().Milliseconds(),
		Metadata:   res.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rmm-management/"+version.Version+" ("+runtime.GOOS+"-"+runtime.GOARCH+")")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook delivered",
		slog.Int("command_id", int(res.ID)),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}
