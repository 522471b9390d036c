package orchestrator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/identity"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/metrics"
	"github.com/ruteri/signing-ceremony-backend/routing"
	"github.com/ruteri/signing-ceremony-backend/sealer"
)

// Config holds workflow timing.
type Config struct {
	// SignerTokenTTL bounds a signing token's life; tokens never outlive the envelope.
	SignerTokenTTL time.Duration `yaml:"signer_token_ttl"`
	// DefaultExpiry applies to envelopes sent without an explicit expiry.
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	// ReminderInterval is the minimum time between two notifications of a signer. Zero disables reminders.
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	// AutoComplete completes an envelope as soon as its last signer finishes.
	AutoComplete bool `yaml:"auto_complete"`
}

// DefaultConfig returns 30 day tokens and envelopes with 72 hour reminders.
func DefaultConfig() Config {
	return Config{
		SignerTokenTTL:   30 * 24 * time.Hour,
		DefaultExpiry:    30 * 24 * time.Hour,
		ReminderInterval: 72 * time.Hour,
		AutoComplete:     true,
	}
}

// DocumentSealer seals completed envelopes and renders their certificates.
type DocumentSealer interface {
	Seal(ctx context.Context, env *interfaces.Envelope) (*sealer.SealResult, error)
	GenerateCertificate(ctx context.Context, in sealer.CertificateInput) (string, error)
}

// Dispatcher hands workflow events to integrations without blocking the workflow.
type Dispatcher interface {
	Dispatch(ctx context.Context, event interfaces.WorkflowEvent)
}

// Dependencies are the collaborators of the orchestrator. Identity,
// Verifications, Sealer, Notifier and Integrations are optional.
type Dependencies struct {
	Repo          interfaces.EnvelopeRepository
	Docs          interfaces.DocumentStorage
	Ledger        *audit.Ledger
	Resolver      *routing.Resolver
	Identity      *identity.Service
	Verifications interfaces.VerificationRepository
	Sealer        DocumentSealer
	Notifier      interfaces.Notifier
	Integrations  Dispatcher
}

const envelopeLockStripes = 64

// Orchestrator drives envelopes through draft, sent, in_progress and a
// terminal state. Every mutation of one envelope runs inside that envelope's
// exclusive section, so the read-decide-write cycle of a signer completion is
// never interleaved with another mutation of the same envelope.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger
	now  func() time.Time

	locks [envelopeLockStripes]sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Zero durations in cfg take defaults.
func New(cfg Config, deps Dependencies, log *slog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.SignerTokenTTL <= 0 {
		cfg.SignerTokenTTL = def.SignerTokenTTL
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = def.DefaultExpiry
	}
	if deps.Resolver == nil {
		deps.Resolver = routing.NewResolver()
	}

	o := &Orchestrator{cfg: cfg, deps: deps, log: log, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) lock(envelopeID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(envelopeID))
	mu := &o.locks[h.Sum32()%envelopeLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) persist(ctx context.Context, env *interfaces.Envelope) error {
	if err := o.deps.Repo.Update(ctx, env); err != nil {
		return fmt.Errorf("failed to persist envelope %s: %w", env.ID, err)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, entry audit.Entry) *interfaces.AuditEvent {
	if o.deps.Ledger == nil {
		return nil
	}
	return o.deps.Ledger.Append(ctx, entry)
}

func (o *Orchestrator) dispatch(ctx context.Context, name interfaces.WorkflowEventName, env *interfaces.Envelope, signerID string, data map[string]any) {
	if o.deps.Integrations == nil {
		return
	}
	o.deps.Integrations.Dispatch(ctx, interfaces.WorkflowEvent{
		ID:         uuid.NewString(),
		Name:       name,
		EnvelopeID: env.ID,
		TenantID:   env.TenantID,
		SignerID:   signerID,
		Status:     string(env.Status),
		Data:       data,
		OccurredAt: o.now().UTC(),
	})
}

func (o *Orchestrator) transition(env *interfaces.Envelope, to interfaces.EnvelopeStatus) {
	o.log.Info("Envelope transition",
		slog.String("envelope_id", env.ID),
		slog.String("from", string(env.Status)),
		slog.String("to", string(to)))
	env.Status = to
	metrics.EnvelopeTransition(string(to))
}

// issueToken gives signer a fresh single-use token and marks it notified. The
// plaintext token is returned for delivery and never stored.
func (o *Orchestrator) issueToken(env *interfaces.Envelope, signer *interfaces.Signer) (string, error) {
	secret, err := cryptoutils.GenerateToken()
	if err != nil {
		return "", err
	}
	now := o.now().UTC()
	expires := now.Add(o.cfg.SignerTokenTTL)
	if env.ExpiresAt != nil && env.ExpiresAt.Before(expires) {
		expires = *env.ExpiresAt
	}

	token := signer.ID + "." + secret
	signer.TokenHash = cryptoutils.HashToken(token)
	signer.TokenExpiresAt = &expires
	signer.Status = interfaces.SignerNotified
	signer.NotifiedAt = &now
	return token, nil
}

func revokeTokens(env *interfaces.Envelope) {
	for _, s := range env.Signers {
		s.TokenHash = ""
		s.TokenExpiresAt = nil
	}
}

type invitation struct {
	signer *interfaces.Signer
	token  string
}

// invite issues tokens to the pending signers among wave.
func (o *Orchestrator) invite(env *interfaces.Envelope, wave []*interfaces.Signer) ([]invitation, error) {
	var out []invitation
	for _, s := range wave {
		if s.Status != interfaces.SignerPending {
			continue
		}
		token, err := o.issueToken(env, s)
		if err != nil {
			return nil, err
		}
		out = append(out, invitation{signer: s, token: token})
	}
	return out, nil
}

// deliver sends invitations after the envelope was persisted. Delivery
// failures are logged and counted, never returned.
func (o *Orchestrator) deliver(ctx context.Context, env *interfaces.Envelope, invites []invitation) {
	for _, inv := range invites {
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			SignerID:   inv.signer.ID,
			Type:       interfaces.EventSignerNotified,
			Payload:    map[string]any{"order": inv.signer.Order},
		})
		if o.deps.Notifier == nil {
			continue
		}
		if err := o.deps.Notifier.NotifySigner(ctx, env, inv.signer, inv.token); err != nil {
			metrics.BestEffortFailure("notify_signer")
			o.log.Error("Failed to notify signer",
				slog.String("envelope_id", env.ID),
				slog.String("signer_id", inv.signer.ID),
				"err", err)
		}
	}
}

// SigningDigest is the SHA-256 a signer commits to: the envelope id followed
// by the content hash of every original document in order. Qualified
// signatures are made over this digest.
func SigningDigest(env *interfaces.Envelope) []byte {
	h := sha256.New()
	h.Write([]byte(env.ID))
	for _, d := range env.Documents {
		h.Write([]byte{'\n'})
		h.Write([]byte(d.ContentHash))
	}
	return h.Sum(nil)
}

// splitToken returns the signer id a token was issued to.
func splitToken(token string) (string, bool) {
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	return token[:i], true
}
