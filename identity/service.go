package identity

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// Config holds ceremony timing and OTP parameters.
type Config struct {
	SessionTTL  time.Duration `yaml:"session_ttl"`
	CodeTTL     time.Duration `yaml:"code_ttl"`
	CodeDigits  int           `yaml:"code_digits"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Retention keeps finished sessions queryable after they expire.
	Retention  time.Duration            `yaml:"retention"`
	HashParams cryptoutils.Argon2Params `yaml:"-"`
}

// DefaultConfig returns 30 minute sessions and 6 digit codes valid for 10 minutes.
func DefaultConfig() Config {
	return Config{
		SessionTTL:  30 * time.Minute,
		CodeTTL:     10 * time.Minute,
		CodeDigits:  6,
		MaxAttempts: 5,
		Retention:   24 * time.Hour,
		HashParams:  cryptoutils.DefaultOTPParams,
	}
}

const sessionLockStripes = 64

// Service runs identity ceremonies. It owns the session and OTP stores.
type Service struct {
	cfg Config

	sessions *TTLStore[*Session]
	codes    *TTLStore[string]
	locks    [sessionLockStripes]sync.Mutex

	sender        interfaces.CodeSender
	idp           interfaces.IdentityProvider
	tsp           interfaces.TrustServiceProvider
	verifications interfaces.VerificationRepository
	ledger        *audit.Ledger
	log           *slog.Logger
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIdentityProvider enables government-ID verification.
func WithIdentityProvider(p interfaces.IdentityProvider) Option {
	return func(s *Service) { s.idp = p }
}

// WithTrustServiceProvider enables qualified signatures.
func WithTrustServiceProvider(p interfaces.TrustServiceProvider) Option {
	return func(s *Service) { s.tsp = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ceremony service. Zero config values take defaults.
func NewService(cfg Config, sender interfaces.CodeSender, verifications interfaces.VerificationRepository, ledger *audit.Ledger, log *slog.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}
	if cfg.CodeDigits <= 0 {
		cfg.CodeDigits = def.CodeDigits
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.HashParams.KeyLength == 0 {
		cfg.HashParams = def.HashParams
	}

	s := &Service{
		cfg:           cfg,
		sessions:      NewTTLStore[*Session](),
		codes:         NewTTLStore[string](),
		sender:        sender,
		verifications: verifications,
		ledger:        ledger,
		log:           log,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	mu := &s.locks[h.Sum32()%sessionLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Session returns a snapshot of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*Session, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil && !errors.Is(err, interfaces.ErrSessionExpired) {
		return nil, err
	}
	return sess.clone(), nil
}

// VerifiedRecord returns the signer's most recent verified record satisfying
// level, or nil. QES records satisfy AES. For QES a non-empty documentHash
// must match the hash that was signed.
func (s *Service) VerifiedRecord(ctx context.Context, signerID string, level interfaces.VerificationLevel, documentHash string) (*interfaces.IdentityVerification, error) {
	if level == interfaces.VerificationNone || level == "" {
		return nil, nil
	}

	records, err := s.verifications.ListBySigner(ctx, signerID)
	if err != nil {
		return nil, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Status != interfaces.VerificationVerified {
			continue
		}
		switch level {
		case interfaces.VerificationAES:
			if r.Level == interfaces.VerificationAES || r.Level == interfaces.VerificationQES {
				return r, nil
			}
		case interfaces.VerificationQES:
			if r.Level != interfaces.VerificationQES {
				continue
			}
			if documentHash != "" && r.Evidence["document_hash"] != documentHash {
				continue
			}
			return r, nil
		}
	}
	return nil, nil
}

// Sweep expires sessions past their deadline and evicts stale OTP codes and
// old sessions. It returns the number of sessions moved to expired.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.now()

	// Session state is only read under the session lock, so collect ids first.
	var due []string
	s.sessions.Range(now, func(id string, _ *Session) {
		due = append(due, id)
	})

	expired := 0
	for _, id := range due {
		unlock := s.lock(id)
		if sess, ok := s.sessions.Get(id, now); ok && sess.expired(now) {
			s.expire(ctx, sess)
			expired++
		}
		unlock()
	}

	codes := s.codes.Evict(now)
	sessions := s.sessions.Evict(now)
	if expired > 0 || codes > 0 || sessions > 0 {
		s.log.Debug("Identity sweep",
			slog.Int("expired_sessions", expired),
			slog.Int("evicted_codes", codes),
			slog.Int("evicted_sessions", sessions))
	}
	return expired
}

func (s *Service) newSession(env *interfaces.Envelope, signer *interfaces.Signer, level interfaces.VerificationLevel, method interfaces.VerificationMethod, provider string) *Session {
	now := s.now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		EnvelopeID:     env.ID,
		SignerID:       signer.ID,
		Level:          level,
		Method:         method,
		Provider:       provider,
		State:          StateInitiated,
		VerificationID: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
	}
}

func (s *Service) save(sess *Session) {
	s.sessions.Put(sess.ID, sess, sess.ExpiresAt.Add(s.cfg.Retention))
}

// load must be called with the session lock held. A session found past its
// deadline is expired on the spot.
func (s *Service) load(ctx context.Context, sessionID string) (*Session, error) {
	sess, ok := s.sessions.Get(sessionID, s.now())
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}
	if sess.expired(s.now()) {
		s.expire(ctx, sess)
	}
	if sess.State == StateExpired {
		return sess, interfaces.ErrSessionExpired
	}
	return sess, nil
}

func (s *Service) expire(ctx context.Context, sess *Session) {
	_ = sess.advance(StateExpired, s.now().UTC())
	s.codes.Delete(codeKey(sess.ID, channelEmail))
	s.codes.Delete(codeKey(sess.ID, channelSMS))
	s.save(sess)
	s.recordVerification(ctx, sess, interfaces.VerificationExpired, nil)
	s.record(ctx, sess, interfaces.EventIdentityExpired, nil)
}

func (s *Service) fail(ctx context.Context, sess *Session, reason string) {
	sess.FailureReason = reason
	_ = sess.advance(StateFailed, s.now().UTC())
	s.codes.Delete(codeKey(sess.ID, channelEmail))
	s.codes.Delete(codeKey(sess.ID, channelSMS))
	s.save(sess)
	s.recordVerification(ctx, sess, interfaces.VerificationFailed, map[string]any{"failure_reason": reason})
	s.record(ctx, sess, interfaces.EventIdentityFailed, map[string]any{"reason": reason})
}

// recordVerification upserts the session's verification record. Failures are
// logged; the session state stays authoritative for the running ceremony.
func (s *Service) recordVerification(ctx context.Context, sess *Session, status interfaces.VerificationStatus, extra map[string]any) *interfaces.IdentityVerification {
	base := map[string]any{
		"session_id": sess.ID,
		"state":      string(sess.State),
	}
	if sess.FallbackFrom != "" {
		base["fallback_from"] = string(sess.FallbackFrom)
	}
	if sess.ProviderSessionID != "" {
		base["provider_session_id"] = sess.ProviderSessionID
	}

	v := &interfaces.IdentityVerification{
		ID:         sess.VerificationID,
		EnvelopeID: sess.EnvelopeID,
		SignerID:   sess.SignerID,
		SessionID:  sess.ID,
		Level:      sess.Level,
		Method:     sess.Method,
		Provider:   sess.Provider,
		Status:     status,
		Evidence:   evidence(base, extra),
		CreatedAt:  sess.CreatedAt,
	}
	if status == interfaces.VerificationVerified {
		at := s.now().UTC()
		v.VerifiedAt = &at
	}

	if err := s.verifications.Save(ctx, v); err != nil {
		s.log.Error("Failed to save identity verification",
			slog.String("verification_id", v.ID),
			slog.String("signer_id", v.SignerID),
			"err", err)
	}
	return v
}

func (s *Service) record(ctx context.Context, sess *Session, eventType interfaces.AuditEventType, payload map[string]any) {
	if s.ledger == nil {
		return
	}
	s.ledger.Append(ctx, audit.Entry{
		EnvelopeID: sess.EnvelopeID,
		SignerID:   sess.SignerID,
		Type:       eventType,
		Payload: evidence(map[string]any{
			"session_id": sess.ID,
			"method":     string(sess.Method),
			"level":      string(sess.Level),
			"provider":   sess.Provider,
		}, payload),
	})
}

func signerInfo(signer *interfaces.Signer) interfaces.SignerInfo {
	return interfaces.SignerInfo{
		SignerID: signer.ID,
		Name:     signer.Name,
		Email:    signer.Email,
		Phone:    signer.Phone,
	}
}
