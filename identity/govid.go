package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// StartGovernmentID starts a government-ID check with the identity provider.
//
// Without a configured provider the ceremony falls back to two-factor when
// the signer has a phone number, and the fallback is recorded in the session,
// the verification evidence and the audit trail. Otherwise it fails with
// ErrNoProviderConfigured.
func (s *Service) StartGovernmentID(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer) (*Session, error) {
	if s.idp == nil {
		return s.fallbackToTwoFactor(ctx, env, signer)
	}

	sess := s.newSession(env, signer, interfaces.VerificationAES, interfaces.MethodGovernmentID, s.idp.Name())

	ps, err := s.idp.InitiateSession(ctx, signerInfo(signer))
	if err != nil {
		s.log.Error("Identity provider failed to start session",
			slog.String("provider", s.idp.Name()),
			slog.String("signer_id", signer.ID),
			"err", err)
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrProviderUnavailable, s.idp.Name(), err)
	}

	unlock := s.lock(sess.ID)
	defer unlock()

	sess.ProviderSessionID = ps.SessionID
	sess.RedirectURL = ps.RedirectURL
	if !ps.ExpiresAt.IsZero() && ps.ExpiresAt.Before(sess.ExpiresAt) {
		sess.ExpiresAt = ps.ExpiresAt.UTC()
	}
	if err := sess.advance(StateIdentityPending, s.now().UTC()); err != nil {
		return nil, err
	}
	s.save(sess)
	s.recordVerification(ctx, sess, interfaces.VerificationPending, nil)
	s.record(ctx, sess, interfaces.EventIdentityStarted, nil)

	return sess.clone(), nil
}

func (s *Service) fallbackToTwoFactor(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer) (*Session, error) {
	if signer.Phone == "" || signer.Email == "" {
		if s.ledger != nil {
			s.ledger.Append(ctx, audit.Entry{
				EnvelopeID: env.ID,
				SignerID:   signer.ID,
				Type:       interfaces.EventIdentityFailed,
				Payload: map[string]any{
					"method": string(interfaces.MethodGovernmentID),
					"reason": "no identity provider configured and no phone for two-factor fallback",
				},
			})
		}
		return nil, fmt.Errorf("%w: government ID verification requires an identity provider", interfaces.ErrNoProviderConfigured)
	}

	sess := s.newSession(env, signer, interfaces.VerificationAES, interfaces.MethodTwoFactor, ProviderInternal)
	sess.FallbackFrom = interfaces.MethodGovernmentID
	s.record(ctx, sess, interfaces.EventIdentityFallback, map[string]any{
		"requested_method": string(interfaces.MethodGovernmentID),
		"reason":           "no identity provider configured",
	})
	s.log.Warn("Government ID unavailable, falling back to two-factor",
		slog.String("envelope_id", env.ID),
		slog.String("signer_id", signer.ID))

	if err := s.beginTwoFactor(ctx, sess, signer); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// CheckGovernmentID polls the provider and advances a pending session.
func (s *Service) CheckGovernmentID(ctx context.Context, sessionID string) (*Session, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Method != interfaces.MethodGovernmentID {
		return nil, interfaces.NewValidationError("identity session", "method", "not a government ID session")
	}
	if sess.State != StateIdentityPending {
		return sess.clone(), nil
	}
	if s.idp == nil {
		return nil, interfaces.ErrNoProviderConfigured
	}

	status, providerEvidence, err := s.idp.CheckStatus(ctx, sess.ProviderSessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrProviderUnavailable, s.idp.Name(), err)
	}

	switch status {
	case interfaces.ProviderCompleted:
		if err := sess.advance(StateIdentityVerified, s.now().UTC()); err != nil {
			return nil, err
		}
		s.save(sess)
		v := s.recordVerification(ctx, sess, interfaces.VerificationVerified, map[string]any{"provider_evidence": providerEvidence})
		s.record(ctx, sess, interfaces.EventIdentityVerified, map[string]any{"verification_id": v.ID})
	case interfaces.ProviderFailed:
		s.fail(ctx, sess, "identity provider rejected the document")
	case interfaces.ProviderExpired:
		s.expire(ctx, sess)
	}

	return sess.clone(), nil
}
