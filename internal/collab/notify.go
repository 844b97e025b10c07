package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier posts messages to an incoming-webhook endpoint as a
// MessageCard payload.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewWebhookNotifier creates a notifier for the given webhook URL. The
// HTTP client carries its own timeout so a dead endpoint cannot stall a
// bootstrap report.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.With("component", "notify"),
	}
}

type webhookCard struct {
	Type    string `json:"@type"`
	Context string `json:"@context"`
	Title   string `json:"title"`
	Text    string `json:"text"`
}

// Notify posts the message. Any non-2xx response is an error; the caller
// decides whether a failed notification fails the run.
func (n *WebhookNotifier) Notify(ctx context.Context, title, text string) error {
	body, err := json.Marshal(webhookCard{
		Type:    "MessageCard",
		Context: "http://schema.org/extensions",
		Title:   title,
		Text:    text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	n.log.Debug("notification delivered", "title", title)
	return nil
}
