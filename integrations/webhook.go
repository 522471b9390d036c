package integrations

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
)

// WebhookConfig describes one HTTP endpoint. An empty Events list subscribes
// to every event.
type WebhookConfig struct {
	Name    string                         `yaml:"name"`
	URL     string                         `yaml:"url"`
	Secret  string                         `yaml:"secret"`
	Events  []interfaces.WorkflowEventName `yaml:"events"`
	Timeout time.Duration                  `yaml:"timeout"`
}

// Webhook posts workflow events as JSON signed with HMAC-SHA256 over the raw body.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	events map[interfaces.WorkflowEventName]bool
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.Name == "" {
		return nil, interfaces.NewValidationError("webhook", "name", "required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, interfaces.NewValidationError("webhook", "url", "must be an absolute http(s) URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	w := &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if len(cfg.Events) > 0 {
		w.events = make(map[interfaces.WorkflowEventName]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			w.events[e] = true
		}
	}
	return w, nil
}

func (w *Webhook) Name() string { return w.cfg.Name }

func (w *Webhook) OnEnvelopeSent(ctx context.Context, event interfaces.WorkflowEvent) error {
	return w.post(ctx, event)
}

func (w *Webhook) OnEnvelopeCompleted(ctx context.Context, event interfaces.WorkflowEvent) error {
	return w.post(ctx, event)
}

func (w *Webhook) OnEnvelopeVoided(ctx context.Context, event interfaces.WorkflowEvent) error {
	return w.post(ctx, event)
}

func (w *Webhook) OnSignerCompleted(ctx context.Context, event interfaces.WorkflowEvent) error {
	return w.post(ctx, event)
}

func (w *Webhook) post(ctx context.Context, event interfaces.WorkflowEvent) error {
	if w.events != nil && !w.events[event.Name] {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(EventTypeHeader, string(event.Name))
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", w.cfg.Name, resp.StatusCode)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value in constant time.
func VerifySignature(secret string, body []byte, signatureHex string) bool {
	provided, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}
