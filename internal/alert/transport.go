package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookTransport POSTs the message as JSON to the channel target URL.
type WebhookTransport struct {
	client  *http.Client
	headers map[string]string
}

func NewWebhookTransport(client *http.Client, headers map[string]string) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookTransport{client: client, headers: headers}
}

func (w *WebhookTransport) Send(ctx context.Context, msg Message) error {
	if msg.Target == "" {
		return fmt.Errorf("webhook %s: target url required", msg.Channel)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", msg.Channel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s rejected: %s", msg.Channel, resp.Status)
	}
	return nil
}

// LogTransport writes notifications to the log. It stands in for email and
// pager integrations that are not wired to a provider.
type LogTransport struct {
	Logger *zap.Logger
}

func (l LogTransport) Send(_ context.Context, msg Message) error {
	l.Logger.Info("notification",
		zap.String("channel", msg.Channel),
		zap.String("type", msg.Type),
		zap.String("target", msg.Target),
		zap.String("subject", msg.Subject),
		zap.String("alert_id", msg.Alert.ID))
	return nil
}
