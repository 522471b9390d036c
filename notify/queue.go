package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/messaging"
)

// Message kinds published by QueueNotifier.
const (
	KindInvitation = "signing_invitation"
	KindReminder   = "signing_reminder"
	KindEmailCode  = "email_code"
	KindSMSCode    = "sms_code"
)

// Message is the JSON body consumed by the delivery workers.
type Message struct {
	Kind       string    `json:"kind"`
	EnvelopeID string    `json:"envelope_id,omitempty"`
	SignerID   string    `json:"signer_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body,omitempty"`
	SigningURL string    `json:"signing_url,omitempty"`
	Code       string    `json:"code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueueConfig names the queues and the signing page.
type QueueConfig struct {
	NotificationQueue string `yaml:"notification_queue"`
	CodeQueue         string `yaml:"code_queue"`
	// SigningBaseURL is the signing page; the token is appended as ?token=.
	SigningBaseURL string `yaml:"signing_base_url"`
}

// DefaultQueueConfig returns the default queue names.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		NotificationQueue: "esign.notifications",
		CodeQueue:         "esign.codes",
		SigningBaseURL:    "http://localhost:8080/sign",
	}
}

// QueueNotifier publishes signer notifications and one-time codes to
// RabbitMQ queues. Email and SMS delivery happens in separate workers.
type QueueNotifier struct {
	cfg       QueueConfig
	publisher messaging.QueuePublisher
	log       *slog.Logger
	now       func() time.Time
}

func NewQueueNotifier(cfg QueueConfig, publisher messaging.QueuePublisher, log *slog.Logger) *QueueNotifier {
	def := DefaultQueueConfig()
	if cfg.NotificationQueue == "" {
		cfg.NotificationQueue = def.NotificationQueue
	}
	if cfg.CodeQueue == "" {
		cfg.CodeQueue = def.CodeQueue
	}
	if cfg.SigningBaseURL == "" {
		cfg.SigningBaseURL = def.SigningBaseURL
	}
	return &QueueNotifier{cfg: cfg, publisher: publisher, log: log, now: time.Now}
}

// Queues returns the queue names the notifier publishes to.
func (n *QueueNotifier) Queues() []string {
	return []string{n.cfg.NotificationQueue, n.cfg.CodeQueue}
}

func (n *QueueNotifier) NotifySigner(ctx context.Context, envelope *interfaces.Envelope, signer *interfaces.Signer, token string) error {
	link, err := SigningLink(n.cfg.SigningBaseURL, token)
	if err != nil {
		return err
	}
	return n.publish(ctx, n.cfg.NotificationQueue, Message{
		Kind:       KindInvitation,
		EnvelopeID: envelope.ID,
		SignerID:   signer.ID,
		Name:       signer.Name,
		Email:      signer.Email,
		Subject:    envelope.Subject,
		Body:       envelope.Message,
		SigningURL: link,
	})
}

// SendReminder carries no link: the plaintext token is only known at
// notification time. Workers resend the invitation they already hold.
func (n *QueueNotifier) SendReminder(ctx context.Context, envelope *interfaces.Envelope, signer *interfaces.Signer) error {
	return n.publish(ctx, n.cfg.NotificationQueue, Message{
		Kind:       KindReminder,
		EnvelopeID: envelope.ID,
		SignerID:   signer.ID,
		Name:       signer.Name,
		Email:      signer.Email,
		Subject:    envelope.Subject,
	})
}

func (n *QueueNotifier) SendEmailCode(ctx context.Context, email, code string) error {
	return n.publish(ctx, n.cfg.CodeQueue, Message{Kind: KindEmailCode, Email: email, Code: code})
}

func (n *QueueNotifier) SendSMSCode(ctx context.Context, phone, code string) error {
	return n.publish(ctx, n.cfg.CodeQueue, Message{Kind: KindSMSCode, Phone: phone, Code: code})
}

func (n *QueueNotifier) publish(ctx context.Context, queue string, msg Message) error {
	msg.CreatedAt = n.now().UTC()
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.publisher.Publish(ctx, queue, body); err != nil {
		n.log.Error("Failed to publish notification",
			slog.String("queue", queue),
			slog.String("kind", msg.Kind),
			slog.String("envelope_id", msg.EnvelopeID),
			"err", err)
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

// SigningLink appends token to base as the token query parameter.
func SigningLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid signing base URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
