package notify

import (
	"context"
	"log/slog"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// LogNotifier writes notifications to the log instead of delivering them.
// With RevealSecrets the signing link and the one-time codes are logged too,
// which is only acceptable in development.
type LogNotifier struct {
	log            *slog.Logger
	signingBaseURL string
	revealSecrets  bool
}

func NewLogNotifier(log *slog.Logger, signingBaseURL string, revealSecrets bool) *LogNotifier {
	if signingBaseURL == "" {
		signingBaseURL = DefaultQueueConfig().SigningBaseURL
	}
	return &LogNotifier{log: log, signingBaseURL: signingBaseURL, revealSecrets: revealSecrets}
}

func (n *LogNotifier) NotifySigner(ctx context.Context, envelope *interfaces.Envelope, signer *interfaces.Signer, token string) error {
	attrs := []any{
		slog.String("envelope_id", envelope.ID),
		slog.String("signer_id", signer.ID),
		slog.String("email", signer.Email),
	}
	if n.revealSecrets {
		link, err := SigningLink(n.signingBaseURL, token)
		if err != nil {
			return err
		}
		attrs = append(attrs, slog.String("signing_url", link))
	}
	n.log.Info("Signer notified", attrs...)
	return nil
}

func (n *LogNotifier) SendReminder(ctx context.Context, envelope *interfaces.Envelope, signer *interfaces.Signer) error {
	n.log.Info("Signer reminded",
		slog.String("envelope_id", envelope.ID),
		slog.String("signer_id", signer.ID),
		slog.String("email", signer.Email))
	return nil
}

func (n *LogNotifier) SendEmailCode(ctx context.Context, email, code string) error {
	n.logCode("email", email, code)
	return nil
}

func (n *LogNotifier) SendSMSCode(ctx context.Context, phone, code string) error {
	n.logCode("sms", phone, code)
	return nil
}

func (n *LogNotifier) logCode(channel, to, code string) {
	if !n.revealSecrets {
		code = "******"
	}
	n.log.Info("Verification code issued",
		slog.String("channel", channel),
		slog.String("to", to),
		slog.String("code", code))
}
