// Package notify delivers operational alerts over an outbound webhook.
// The engine raises an alert when an hour slot exhausts its retry budget or
// a retention run fails; everything else stays in the structured log.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrSendFailed wraps every webhook delivery failure.
var ErrSendFailed = errors.New("webhook delivery failed")

// webhookPayload is the JSON body sent to the webhook endpoint.
// The structure is kept generic and compatible with Slack/Discord/Teams
// incoming webhook formats via the "text" field, while also carrying
// structured data in "payload" for custom integrations.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"` // "text" for Slack/Discord compatibility
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Notifier posts alerts to a configured webhook URL. A Notifier with an
// empty URL is valid and drops every alert, so callers never need a nil
// check.
type Notifier struct {
	client *http.Client
	url    string
	secret string
	logger *zap.Logger
}

// New builds a Notifier. timeout bounds each delivery attempt; zero means
// 10 seconds.
func New(url, secret string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		url:    url,
		secret: secret,
		logger: logger.Named("notify"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// SlotExhausted raises an alert for an hour slot that failed its final
// retry. Delivery failures are logged, not propagated: the slot state is
// already persisted and an unreachable webhook must not fail the pipeline.
func (n *Notifier) SlotExhausted(ctx context.Context, date, hourRange, lastError string, retries int) {
	n.deliver(ctx, "slot_exhausted",
		fmt.Sprintf("Hour window %s %s failed permanently", date, hourRange),
		fmt.Sprintf("Window %s on %s exhausted its retry budget after %d attempts: %s",
			hourRange, date, retries, lastError),
		map[string]any{
			"date":      date,
			"hourRange": hourRange,
			"retries":   retries,
			"error":     lastError,
		})
}

// RetentionFailed raises an alert for a failed retention run.
func (n *Notifier) RetentionFailed(ctx context.Context, target string, err error) {
	n.deliver(ctx, "retention_failed",
		fmt.Sprintf("Retention cleanup failed for %s", target),
		err.Error(),
		map[string]any{
			"target": target,
			"error":  err.Error(),
		})
}

func (n *Notifier) deliver(ctx context.Context, alertType, title, body string, payload map[string]any) {
	if !n.Enabled() {
		return
	}
	if err := n.send(ctx, alertType, title, body, payload); err != nil {
		n.logger.Warn("alert delivery failed",
			zap.String("type", alertType),
			zap.Error(err))
		return
	}
	n.logger.Debug("alert delivered", zap.String("type", alertType))
}

// send serializes the alert as JSON and POSTs it to the webhook URL.
// Non-2xx responses are treated as delivery failures and returned wrapped
// in ErrSendFailed.
func (n *Notifier) send(ctx context.Context, alertType, title, body string, payload map[string]any) error {
	data, err := json.Marshal(webhookPayload{
		Type:      alertType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %s", ErrSendFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Logarc-Webhook/1.0")

	// Sign the request body with HMAC-SHA256 if a secret is configured.
	// The signature is sent in the X-Logarc-Signature header as
	// "sha256=<hex>", following the convention used by GitHub and Stripe
	// webhooks.
	if n.secret != "" {
		req.Header.Set("X-Logarc-Signature", "sha256="+hmacSHA256(data, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}

	return nil
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using secret,
// returned as a lowercase hex string.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
