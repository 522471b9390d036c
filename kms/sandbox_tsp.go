package kms

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// ErrSessionNotReady is returned when a session has not completed identification.
var ErrSessionNotReady = errors.New("tsp session not ready")

// expiredSessionRetention is how long an expired session still reports
// ProviderExpired before it is forgotten.
const expiredSessionRetention = time.Hour

type tspSession struct {
	signer    interfaces.SignerInfo
	status    interfaces.ProviderSessionStatus
	expiresAt time.Time
	key       *ecdsa.PrivateKey
	cert      cryptoutils.CertPEM
}

// SandboxTSP is a TrustServiceProvider backed by the SimpleKMS CA. It issues
// short-lived signing certificates and signs on a software "QSCD". It is meant
// for development and integration tests, never for legally qualified signatures.
type SandboxTSP struct {
	kms         *SimpleKMS
	sessionTTL  time.Duration
	certTTL     time.Duration
	autoApprove bool
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*tspSession
}

// SandboxOption configures a SandboxTSP.
type SandboxOption func(*SandboxTSP)

// WithSandboxSessionTTL sets how long a session stays usable.
func WithSandboxSessionTTL(ttl time.Duration) SandboxOption {
	return func(s *SandboxTSP) { s.sessionTTL = ttl }
}

// WithAutoApprove controls whether new sessions skip the identification step.
func WithAutoApprove(approve bool) SandboxOption {
	return func(s *SandboxTSP) { s.autoApprove = approve }
}

// WithSandboxClock overrides the time source.
func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(s *SandboxTSP) { s.now = now }
}

// NewSandboxTSP creates a sandbox TSP issuing certificates from kms.
func NewSandboxTSP(kms *SimpleKMS, opts ...SandboxOption) *SandboxTSP {
	s := &SandboxTSP{
		kms:         kms,
		sessionTTL:  30 * time.Minute,
		certTTL:     time.Hour,
		autoApprove: true,
		now:         time.Now,
		sessions:    make(map[string]*tspSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SandboxTSP) Name() string { return "sandbox" }

func (s *SandboxTSP) InitiateQES(ctx context.Context, signer interfaces.SignerInfo) (interfaces.ProviderSession, error) {
	if signer.Name == "" || signer.Email == "" {
		return interfaces.ProviderSession{}, interfaces.NewValidationError("signer", "", "name and email are required for QES")
	}

	id := uuid.NewString()
	status := interfaces.ProviderPending
	if s.autoApprove {
		status = interfaces.ProviderCompleted
	}
	expiresAt := s.now().Add(s.sessionTTL).UTC()

	s.mu.Lock()
	s.evict()
	s.sessions[id] = &tspSession{signer: signer, status: status, expiresAt: expiresAt}
	s.mu.Unlock()

	return interfaces.ProviderSession{
		SessionID:   id,
		RedirectURL: "https://tsp.sandbox.invalid/identify/" + id,
		ExpiresAt:   expiresAt,
	}, nil
}

// evict must be called with mu held. It drops sessions past their retention.
func (s *SandboxTSP) evict() int {
	now := s.now()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt.Add(expiredSessionRetention)) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Sweep forgets sessions that expired more than an hour ago and returns how
// many were removed. InitiateQES sweeps as well.
func (s *SandboxTSP) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evict()
}

// Sessions returns the number of sessions held.
func (s *SandboxTSP) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Approve completes identification of a pending session.
func (s *SandboxTSP) Approve(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	if sess.status == interfaces.ProviderPending {
		sess.status = interfaces.ProviderCompleted
	}
	return nil
}

// CheckStatus reports ProviderFailed for unknown sessions rather than an error.
func (s *SandboxTSP) CheckStatus(ctx context.Context, sessionID string) (interfaces.ProviderSessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return interfaces.ProviderFailed, nil
	}
	return sess.status, nil
}

func (s *SandboxTSP) GetQualifiedCertificate(ctx context.Context, sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readySession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCertificate(sess); err != nil {
		return nil, err
	}
	return []byte(sess.cert), nil
}

func (s *SandboxTSP) SignWithQSCD(ctx context.Context, sessionID string, documentHash []byte) (interfaces.QESSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readySession(sessionID)
	if err != nil {
		return interfaces.QESSignature{}, err
	}
	if err := s.ensureCertificate(sess); err != nil {
		return interfaces.QESSignature{}, err
	}

	sig, err := cryptoutils.SignDigest(sess.key, documentHash)
	if err != nil {
		return interfaces.QESSignature{}, fmt.Errorf("qscd signing failed: %w", err)
	}
	serial, err := sess.cert.SerialHex()
	if err != nil {
		return interfaces.QESSignature{}, err
	}

	return interfaces.QESSignature{
		Signature:         sig,
		Certificate:       []byte(sess.cert),
		Timestamp:         s.now().UTC(),
		CertificateSerial: serial,
		QSCDReference:     "sandbox-qscd:" + sessionID,
	}, nil
}

// session must be called with mu held. Expired sessions are marked as such.
func (s *SandboxTSP) session(sessionID string) (*tspSession, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}
	if s.now().After(sess.expiresAt) && sess.status != interfaces.ProviderFailed {
		sess.status = interfaces.ProviderExpired
	}
	return sess, nil
}

func (s *SandboxTSP) readySession(sessionID string) (*tspSession, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.status {
	case interfaces.ProviderCompleted:
		return sess, nil
	case interfaces.ProviderExpired:
		return nil, interfaces.ErrSessionExpired
	default:
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotReady, sess.status)
	}
}

func (s *SandboxTSP) ensureCertificate(sess *tspSession) error {
	if sess.cert != nil {
		return nil
	}
	key, _, err := cryptoutils.RandomP256Key()
	if err != nil {
		return err
	}
	cert, err := s.kms.IssueSigningCertificate(&key.PublicKey, sess.signer.Name, sess.signer.Email, s.certTTL)
	if err != nil {
		return fmt.Errorf("failed to issue qualified certificate: %w", err)
	}
	sess.key, sess.cert = key, cert
	return nil
}
