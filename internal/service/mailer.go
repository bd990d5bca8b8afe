package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

// Mailer is the external delivery collaborator. This core hands over complete
// payloads; rendering templates and transport retries belong to the mailer.
type Mailer interface {
	SendImmediate(ctx context.Context, n domain.Notification) error
	SendDigest(ctx context.Context, d domain.Digest) error
}

// WebhookMailer posts payloads to an external mailer service over HTTP.
type WebhookMailer struct {
	url    string
	client *http.Client
}

// NewWebhookMailer creates a WebhookMailer targeting the given URL.
func NewWebhookMailer(url string) *WebhookMailer {
	return &WebhookMailer{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendImmediate hands off a single immediate email notification.
func (m *WebhookMailer) SendImmediate(ctx context.Context, n domain.Notification) error {
	return m.post(ctx, "immediate", n)
}

// SendDigest hands off a digest payload.
func (m *WebhookMailer) SendDigest(ctx context.Context, d domain.Digest) error {
	return m.post(ctx, "digest", d)
}

func (m *WebhookMailer) post(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create mailer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to mailer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mailer returned status %d", resp.StatusCode)
	}
	return nil
}

// LogMailer logs instead of delivering. Used when no mailer webhook is
// configured, e.g. local development.
type LogMailer struct{}

// SendImmediate logs the handoff.
func (LogMailer) SendImmediate(_ context.Context, n domain.Notification) error {
	slog.Info("mailer handoff (log only)", "kind", "immediate", "user_id", n.UserID, "type", n.Type)
	return nil
}

// SendDigest logs the handoff.
func (LogMailer) SendDigest(_ context.Context, d domain.Digest) error {
	slog.Info("mailer handoff (log only)", "kind", "digest", "user_id", d.UserID, "items", len(d.Items))
	return nil
}
