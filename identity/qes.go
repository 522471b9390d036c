package identity

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// StartQES opens a qualified signature session with the trust service
// provider. There is no fallback: without a provider the call fails.
func (s *Service) StartQES(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer) (*Session, error) {
	if s.tsp == nil {
		return nil, fmt.Errorf("%w: qualified signatures require a trust service provider", interfaces.ErrNoProviderConfigured)
	}

	sess := s.newSession(env, signer, interfaces.VerificationQES, interfaces.MethodQES, s.tsp.Name())

	ps, err := s.tsp.InitiateQES(ctx, signerInfo(signer))
	if err != nil {
		if interfaces.IsValidation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrProviderUnavailable, s.tsp.Name(), err)
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

// AdvanceQES moves a session as far as the provider allows: from
// identity_pending to identity_verified once the signer is identified, then
// through certificate_issued to signing_ready.
func (s *Service) AdvanceQES(ctx context.Context, sessionID string) (*Session, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	sess, err := s.qesSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.State == StateIdentityPending {
		status, err := s.tsp.CheckStatus(ctx, sess.ProviderSessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrProviderUnavailable, s.tsp.Name(), err)
		}
		switch status {
		case interfaces.ProviderCompleted:
			if err := sess.advance(StateIdentityVerified, s.now().UTC()); err != nil {
				return nil, err
			}
			s.save(sess)
			s.record(ctx, sess, interfaces.EventIdentityVerified, nil)
		case interfaces.ProviderFailed:
			s.fail(ctx, sess, "trust service provider rejected the identification")
			return sess.clone(), nil
		case interfaces.ProviderExpired:
			s.expire(ctx, sess)
			return sess.clone(), nil
		default:
			return sess.clone(), nil
		}
	}

	if sess.State == StateIdentityVerified {
		if err := s.issueCertificate(ctx, sess); err != nil {
			return nil, err
		}
	}

	if sess.State == StateCertificateIssued {
		if err := sess.advance(StateSigningReady, s.now().UTC()); err != nil {
			return nil, err
		}
		s.save(sess)
	}

	return sess.clone(), nil
}

func (s *Service) issueCertificate(ctx context.Context, sess *Session) error {
	certPEM, err := s.tsp.GetQualifiedCertificate(ctx, sess.ProviderSessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionExpired) {
			s.expire(ctx, sess)
			return interfaces.ErrSessionExpired
		}
		return fmt.Errorf("%w: %s: %v", interfaces.ErrProviderUnavailable, s.tsp.Name(), err)
	}

	cert, err := cryptoutils.NewCertPEM(certPEM)
	if err != nil {
		s.fail(ctx, sess, "qualified certificate is malformed")
		return fmt.Errorf("invalid qualified certificate: %w", err)
	}
	if expired, err := cert.IsExpired(s.now()); err != nil || expired {
		s.fail(ctx, sess, "qualified certificate is expired")
		return interfaces.NewValidationError("qualified certificate", "not_after", "certificate is expired")
	}
	serial, _ := cert.SerialHex()

	sess.Certificate = certPEM
	if err := sess.advance(StateCertificateIssued, s.now().UTC()); err != nil {
		return err
	}
	s.save(sess)
	s.record(ctx, sess, interfaces.EventQESCertificateIssued, map[string]any{"certificate_serial": serial})
	return nil
}

// SignQES signs documentHash on the provider's QSCD. The session must be
// signing_ready. On success the verification record carries the signature
// evidence and the signed hash.
func (s *Service) SignQES(ctx context.Context, sessionID string, documentHash []byte) (*Session, error) {
	if len(documentHash) != 32 {
		return nil, interfaces.NewValidationError("document hash", "", "must be a 32 byte SHA-256 digest")
	}

	unlock := s.lock(sessionID)
	defer unlock()

	sess, err := s.qesSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateSigningReady {
		return nil, &interfaces.StateError{Entity: "identity session", ID: sess.ID, State: string(sess.State), Operation: "sign with"}
	}

	sig, err := s.tsp.SignWithQSCD(ctx, sess.ProviderSessionID, documentHash)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionExpired) {
			s.expire(ctx, sess)
			return nil, interfaces.ErrSessionExpired
		}
		s.log.Error("QSCD signing failed",
			slog.String("session_id", sess.ID),
			slog.String("provider", s.tsp.Name()),
			"err", err)
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrProviderUnavailable, s.tsp.Name(), err)
	}

	sess.Signature = &sig
	if err := sess.advance(StateSigned, s.now().UTC()); err != nil {
		return nil, err
	}
	s.save(sess)

	hashHex := hex.EncodeToString(documentHash)
	v := s.recordVerification(ctx, sess, interfaces.VerificationVerified, map[string]any{
		"tsp":                s.tsp.Name(),
		"certificate_serial": sig.CertificateSerial,
		"qscd_reference":     sig.QSCDReference,
		"signature":          base64.StdEncoding.EncodeToString(sig.Signature),
		"signed_at":          sig.Timestamp.UTC().Format(time.RFC3339),
		"document_hash":      hashHex,
	})
	s.record(ctx, sess, interfaces.EventQESSigned, map[string]any{
		"verification_id":    v.ID,
		"certificate_serial": sig.CertificateSerial,
		"qscd_reference":     sig.QSCDReference,
		"document_hash":      hashHex,
	})

	return sess.clone(), nil
}

func (s *Service) qesSession(ctx context.Context, sessionID string) (*Session, error) {
	if s.tsp == nil {
		return nil, interfaces.ErrNoProviderConfigured
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Method != interfaces.MethodQES {
		return nil, interfaces.NewValidationError("identity session", "method", "not a QES session")
	}
	if sess.State.Terminal() {
		return nil, &interfaces.StateError{Entity: "identity session", ID: sess.ID, State: string(sess.State), Operation: "advance"}
	}
	return sess, nil
}
