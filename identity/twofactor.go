package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// ProviderInternal names ceremonies run without an external provider.
const ProviderInternal = "internal"

const (
	channelEmail = "email"
	channelSMS   = "sms"
)

func codeKey(sessionID, channel string) string {
	return sessionID + ":" + channel
}

// StartTwoFactor sends one code by email and one by SMS. Codes are stored
// only as argon2id hashes.
func (s *Service) StartTwoFactor(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer) (*Session, error) {
	if signer.Email == "" {
		return nil, interfaces.NewValidationError("signer", "email", "required for two-factor verification")
	}
	if signer.Phone == "" {
		return nil, interfaces.NewValidationError("signer", "phone", "required for two-factor verification")
	}

	sess := s.newSession(env, signer, interfaces.VerificationAES, interfaces.MethodTwoFactor, ProviderInternal)
	if err := s.beginTwoFactor(ctx, sess, signer); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// beginTwoFactor issues codes for a freshly created session and moves it to
// identity_pending.
func (s *Service) beginTwoFactor(ctx context.Context, sess *Session, signer *interfaces.Signer) error {
	unlock := s.lock(sess.ID)
	defer unlock()

	if err := s.issueCodes(ctx, sess.ID, signer); err != nil {
		return err
	}
	if err := sess.advance(StateIdentityPending, s.now().UTC()); err != nil {
		return err
	}
	s.save(sess)
	s.recordVerification(ctx, sess, interfaces.VerificationPending, nil)
	s.record(ctx, sess, interfaces.EventIdentityStarted, nil)

	s.log.Info("Two-factor verification started",
		slog.String("session_id", sess.ID),
		slog.String("signer_id", sess.SignerID))
	return nil
}

func (s *Service) issueCodes(ctx context.Context, sessionID string, signer *interfaces.Signer) error {
	emailCode, err := cryptoutils.GenerateNumericCode(s.cfg.CodeDigits)
	if err != nil {
		return err
	}
	smsCode, err := cryptoutils.GenerateNumericCode(s.cfg.CodeDigits)
	if err != nil {
		return err
	}

	expiresAt := s.now().Add(s.cfg.CodeTTL)
	for channel, code := range map[string]string{channelEmail: emailCode, channelSMS: smsCode} {
		hash, err := cryptoutils.HashSecret(code, s.cfg.HashParams)
		if err != nil {
			return fmt.Errorf("failed to hash verification code: %w", err)
		}
		s.codes.Put(codeKey(sessionID, channel), hash, expiresAt)
	}

	if err := s.sender.SendEmailCode(ctx, signer.Email, emailCode); err != nil {
		s.discardCodes(sessionID)
		return fmt.Errorf("%w: email code delivery failed: %v", interfaces.ErrProviderUnavailable, err)
	}
	if err := s.sender.SendSMSCode(ctx, signer.Phone, smsCode); err != nil {
		s.discardCodes(sessionID)
		return fmt.Errorf("%w: sms code delivery failed: %v", interfaces.ErrProviderUnavailable, err)
	}
	return nil
}

func (s *Service) discardCodes(sessionID string) {
	s.codes.Delete(codeKey(sessionID, channelEmail))
	s.codes.Delete(codeKey(sessionID, channelSMS))
}

// CompleteTwoFactor checks both codes. Both must match for the session to be
// verified; on partial failure neither code is consumed and the attempt is
// counted. Codes are consumed on success, so they cannot be replayed.
func (s *Service) CompleteTwoFactor(ctx context.Context, sessionID, emailCode, smsCode string) (*TwoFactorResult, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Method != interfaces.MethodTwoFactor {
		return nil, interfaces.NewValidationError("identity session", "method", "not a two-factor session")
	}
	if sess.State != StateIdentityPending {
		return nil, &interfaces.StateError{Entity: "identity session", ID: sess.ID, State: string(sess.State), Operation: "verify codes for"}
	}

	errs := map[string]string{}
	for channel, code := range map[string]string{channelEmail: emailCode, channelSMS: smsCode} {
		if reason := s.checkCode(sessionID, channel, code); reason != "" {
			errs[channel] = reason
		}
	}

	if len(errs) > 0 {
		sess.Attempts++
		s.save(sess)
		if sess.Attempts >= s.cfg.MaxAttempts {
			s.fail(ctx, sess, "too many failed attempts")
		} else if errs[channelEmail] == reasonExpired && errs[channelSMS] == reasonExpired {
			s.fail(ctx, sess, "codes expired")
		}
		return &TwoFactorResult{Verified: false, Errors: errs, Session: sess.clone()}, nil
	}

	s.discardCodes(sessionID)
	if err := sess.advance(StateIdentityVerified, s.now().UTC()); err != nil {
		return nil, err
	}
	s.save(sess)
	v := s.recordVerification(ctx, sess, interfaces.VerificationVerified, map[string]any{
		"channels": []string{channelEmail, channelSMS},
		"attempts": sess.Attempts + 1,
	})
	s.record(ctx, sess, interfaces.EventIdentityVerified, map[string]any{"verification_id": v.ID})

	return &TwoFactorResult{Verified: true, VerificationID: v.ID, Session: sess.clone()}, nil
}

const (
	reasonMissing  = "code is required"
	reasonExpired  = "code expired"
	reasonMismatch = "code does not match"
)

func (s *Service) checkCode(sessionID, channel, code string) string {
	if code == "" {
		return reasonMissing
	}
	hash, ok := s.codes.Get(codeKey(sessionID, channel), s.now())
	if !ok {
		return reasonExpired
	}
	match, err := cryptoutils.VerifySecret(code, hash)
	if err != nil {
		s.log.Error("Stored verification code hash is invalid", "err", err)
		return reasonMismatch
	}
	if !match {
		return reasonMismatch
	}
	return ""
}

// ResendTwoFactor replaces the codes of a pending two-factor session.
func (s *Service) ResendTwoFactor(ctx context.Context, sessionID string, signer *interfaces.Signer) (*Session, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.SignerID != signer.ID {
		return nil, fmt.Errorf("%w: signer does not own the session", interfaces.ErrSessionNotFound)
	}
	if sess.Method != interfaces.MethodTwoFactor || sess.State != StateIdentityPending {
		return nil, &interfaces.StateError{Entity: "identity session", ID: sessionID, State: string(sess.State), Operation: "resend codes for"}
	}

	if err := s.issueCodes(ctx, sess.ID, signer); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.now().UTC()
	s.save(sess)
	return sess.clone(), nil
}
