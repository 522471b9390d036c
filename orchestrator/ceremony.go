package orchestrator

import (
	"context"
	"fmt"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/identity"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// The identity operations authenticate the signer like a signer action but
// do not consume the token: the same token is later used to sign.

// StartVerification starts the identity ceremony the signer's verification
// method calls for.
func (o *Orchestrator) StartVerification(ctx context.Context, ref SignerRef) (*identity.Session, error) {
	env, signer, err := o.ceremonySigner(ctx, ref)
	if err != nil {
		return nil, err
	}

	switch signer.VerificationMethod {
	case interfaces.MethodTwoFactor:
		return o.deps.Identity.StartTwoFactor(ctx, env, signer)
	case interfaces.MethodGovernmentID:
		return o.deps.Identity.StartGovernmentID(ctx, env, signer)
	case interfaces.MethodQES:
		return o.deps.Identity.StartQES(ctx, env, signer)
	default:
		return nil, interfaces.NewValidationError("signer", "verification_method", fmt.Sprintf("method %q is not supported", signer.VerificationMethod))
	}
}

// CompleteTwoFactor submits the email and SMS codes of a two-factor session.
func (o *Orchestrator) CompleteTwoFactor(ctx context.Context, ref SignerRef, sessionID, emailCode, smsCode string) (*identity.TwoFactorResult, error) {
	if _, _, _, err := o.ownedSession(ctx, ref, sessionID); err != nil {
		return nil, err
	}
	return o.deps.Identity.CompleteTwoFactor(ctx, sessionID, emailCode, smsCode)
}

// ResendCodes replaces the codes of a pending two-factor session.
func (o *Orchestrator) ResendCodes(ctx context.Context, ref SignerRef, sessionID string) (*identity.Session, error) {
	_, signer, _, err := o.ownedSession(ctx, ref, sessionID)
	if err != nil {
		return nil, err
	}
	return o.deps.Identity.ResendTwoFactor(ctx, sessionID, signer)
}

// CheckVerification polls the provider behind a session and advances it as
// far as possible.
func (o *Orchestrator) CheckVerification(ctx context.Context, ref SignerRef, sessionID string) (*identity.Session, error) {
	_, _, sess, err := o.ownedSession(ctx, ref, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Method {
	case interfaces.MethodGovernmentID:
		return o.deps.Identity.CheckGovernmentID(ctx, sessionID)
	case interfaces.MethodQES:
		return o.deps.Identity.AdvanceQES(ctx, sessionID)
	default:
		return sess, nil
	}
}

// SignQualified makes the qualified signature over the envelope's signing
// digest. The signer can then submit the sign action.
func (o *Orchestrator) SignQualified(ctx context.Context, ref SignerRef, sessionID string) (*identity.Session, error) {
	env, _, _, err := o.ownedSession(ctx, ref, sessionID)
	if err != nil {
		return nil, err
	}
	return o.deps.Identity.SignQES(ctx, sessionID, SigningDigest(env))
}

func (o *Orchestrator) ceremonyEnvelope(ctx context.Context, ref SignerRef) (*interfaces.Envelope, *interfaces.Signer, error) {
	if o.deps.Identity == nil {
		return nil, nil, fmt.Errorf("%w: identity verification is not available", interfaces.ErrNoProviderConfigured)
	}
	env, signer, unlock, err := o.load(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	unlock()
	return env, signer, nil
}

func (o *Orchestrator) ceremonySigner(ctx context.Context, ref SignerRef) (*interfaces.Envelope, *interfaces.Signer, error) {
	env, signer, err := o.ceremonyEnvelope(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if signer.VerificationLevel == "" || signer.VerificationLevel == interfaces.VerificationNone {
		return nil, nil, interfaces.NewValidationError("signer", "verification_level", "signer does not require identity verification")
	}
	return env, signer, nil
}

// ownedSession checks that sessionID belongs to the authenticated signer.
func (o *Orchestrator) ownedSession(ctx context.Context, ref SignerRef, sessionID string) (*interfaces.Envelope, *interfaces.Signer, *identity.Session, error) {
	env, signer, err := o.ceremonyEnvelope(ctx, ref)
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := o.deps.Identity.Session(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if sess.SignerID != signer.ID {
		return nil, nil, nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}
	return env, signer, sess, nil
}

// AuditTrail returns the envelope's audit events in insertion order.
func (o *Orchestrator) AuditTrail(ctx context.Context, envelopeID string) ([]*interfaces.AuditEvent, error) {
	if _, err := o.deps.Repo.Get(ctx, envelopeID); err != nil {
		return nil, err
	}
	return o.deps.Ledger.ListForEnvelope(ctx, envelopeID)
}

// VerifyAuditTrail replays the envelope's audit chain. Breaks are reported,
// never repaired.
func (o *Orchestrator) VerifyAuditTrail(ctx context.Context, envelopeID string) (*audit.ChainReport, error) {
	if _, err := o.deps.Repo.Get(ctx, envelopeID); err != nil {
		return nil, err
	}
	return o.deps.Ledger.VerifyChain(ctx, envelopeID)
}

// RedactedName replaces the name of an anonymized signer.
const RedactedName = "[redacted]"

// AnonymizeSigner erases the signer's contact details and network evidence
// from the envelope and their personal data from the audit trail, including
// what a delegation to them recorded. Event hashes are left untouched so the
// chain still verifies. It returns the number of anonymized events.
func (o *Orchestrator) AnonymizeSigner(ctx context.Context, signerID string) (int, error) {
	found, err := o.deps.Repo.FindSigner(ctx, signerID)
	if err != nil {
		return 0, err
	}

	unlock := o.lock(found.ID)
	defer unlock()

	env, err := o.deps.Repo.Get(ctx, found.ID)
	if err != nil {
		return 0, err
	}
	if signer := env.Signer(signerID); signer != nil {
		signer.Name = RedactedName
		signer.Email, signer.Phone, signer.DeclineReason = "", "", ""
		if signer.Evidence != nil {
			signer.Evidence.IPAddress = ""
			signer.Evidence.UserAgent = ""
			signer.Evidence.Geolocation = ""
		}
		if err := o.persist(ctx, env); err != nil {
			return 0, err
		}
	}

	n, err := o.deps.Ledger.AnonymizeSigner(ctx, signerID)
	if err != nil {
		return 0, err
	}
	o.record(ctx, audit.Entry{
		EnvelopeID: env.ID,
		Type:       interfaces.EventSignerDataAnonymized,
		Payload:    map[string]any{"signer_id": signerID, "events": n},
	})
	return n, nil
}
