// Package notify reports upstream rate limiting to an operator webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/tidwall/gjson"
)

// RateLimitEvent is the webhook payload sent when the upstream answers 429.
type RateLimitEvent struct {
	Event     string          `json:"event"`
	Status    int             `json:"status"`
	Keyword   string          `json:"keyword"`
	Error     json.RawMessage `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// Notifier posts rate limit events. Delivery is best effort: failures are
// logged and never reach the client.
type Notifier struct {
	cfg    func() config.NotifyConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(cfg func() config.NotifyConfig, client *http.Client, logger *slog.Logger) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// Event builds the payload for an upstream rejection body. A JSON body is
// embedded as-is; anything else is wrapped as {"raw": body}.
func (n *Notifier) Event(status int, body []byte) RateLimitEvent {
	errPart := json.RawMessage(body)
	if !gjson.ValidBytes(body) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
		errPart = wrapped
	}
	return RateLimitEvent{
		Event:     "rate_limit",
		Status:    status,
		Keyword:   n.cfg().Keyword,
		Error:     errPart,
		Timestamp: n.now().UTC().Format(time.RFC3339Nano),
	}
}

// RateLimited sends the event in the background.
func (n *Notifier) RateLimited(status int, body []byte) {
	cfg := n.cfg()
	if cfg.RateLimitWebhookURL == "" {
		return
	}
	ev := n.Event(status, body)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := n.send(ctx, cfg.RateLimitWebhookURL, ev); err != nil {
			n.logger.Warn("rate limit webhook failed", "error", err)
		}
	}()
}

func (n *Notifier) send(ctx context.Context, url string, ev RateLimitEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
