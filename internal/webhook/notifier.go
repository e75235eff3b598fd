package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/logging"
)

// Notifier posts signed events to the configured runtime URL.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	logger *logging.Logger
	now    func() time.Time
}

// NewNotifier creates a Notifier. With an empty URL Send is a no-op.
func NewNotifier(cfg config.WebhookConfig, logger *logging.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger).With("component", "webhook"),
		now:    time.Now,
	}
}

// Enabled reports whether events are delivered anywhere.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Send signs and delivers ev. Timestamp is set when zero.
func (n *Notifier) Send(ctx context.Context, ev Event) error {
	if !n.Enabled() {
		return nil
	}
	now := n.now()
	if ev.Timestamp == 0 {
		ev.Timestamp = now.UnixMilli()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	SetHeaders(req.Header, body, n.secret, now)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "event", string(ev.Event), "task_id", ev.TaskID, "error", err)
		return fmt.Errorf("deliver %s: %w", ev.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected", "event", string(ev.Event), "task_id", ev.TaskID, "status", resp.StatusCode)
		return fmt.Errorf("deliver %s: status %d", ev.Event, resp.StatusCode)
	}

	n.logger.Debug("webhook delivered", "event", string(ev.Event), "task_id", ev.TaskID)
	return nil
}
