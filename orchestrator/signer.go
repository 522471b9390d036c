package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/cryptoutils"
	"github.com/ruteri/signing-ceremony-backend/fields"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/routing"
)

// SignerRef identifies the acting signer. Remote signers present their
// token; in in-person envelopes the host may name the signer directly.
type SignerRef struct {
	Token      string `json:"token,omitempty"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	SignerID   string `json:"signer_id,omitempty"`
}

// Action is what a signer does with the envelope.
type Action string

const (
	ActionSign    Action = "sign"
	ActionDecline Action = "decline"
)

// Actor is the network evidence captured with a signer's act.
type Actor struct {
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Geolocation string `json:"geolocation,omitempty"`
}

// SignerActionInput is a sign or decline submission.
type SignerActionInput struct {
	SignerRef
	Actor
	Action        Action            `json:"action"`
	Values        map[string]string `json:"values,omitempty"`
	ConsentGiven  bool              `json:"consent_given"`
	DeclineReason string            `json:"decline_reason,omitempty"`
}

// SignerActionResult reports the effects of a signer's act.
type SignerActionResult struct {
	Envelope   *interfaces.Envelope `json:"envelope"`
	Completion routing.Completion   `json:"completion"`
	Decision   routing.Decision     `json:"decision"`
	// Completed is set when the act completed the envelope.
	Completed *CompletionResult `json:"completed,omitempty"`
}

// DelegationInput hands a signer's place to someone else.
type DelegationInput struct {
	SignerRef
	Actor
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// locate finds the envelope id a reference points to, without locking.
func (o *Orchestrator) locate(ctx context.Context, ref SignerRef) (string, error) {
	if ref.Token != "" {
		signerID, ok := splitToken(ref.Token)
		if !ok {
			return "", interfaces.ErrInvalidToken
		}
		env, err := o.deps.Repo.FindSigner(ctx, signerID)
		if err != nil {
			if errors.Is(err, interfaces.ErrSignerNotFound) || errors.Is(err, interfaces.ErrEnvelopeNotFound) {
				return "", interfaces.ErrInvalidToken
			}
			return "", err
		}
		return env.ID, nil
	}
	if ref.EnvelopeID == "" || ref.SignerID == "" {
		return "", interfaces.ErrInvalidToken
	}
	return ref.EnvelopeID, nil
}

// authorize resolves ref against env, which must be freshly loaded under the
// envelope lock, and checks that the signer may act now.
func (o *Orchestrator) authorize(env *interfaces.Envelope, ref SignerRef) (*interfaces.Signer, error) {
	var signer *interfaces.Signer
	if ref.Token != "" {
		signerID, _ := splitToken(ref.Token)
		signer = env.Signer(signerID)
		if signer == nil || !cryptoutils.TokenMatches(ref.Token, signer.TokenHash) {
			return nil, interfaces.ErrInvalidToken
		}
		if signer.TokenExpiresAt != nil && o.now().After(*signer.TokenExpiresAt) {
			return nil, fmt.Errorf("%w: token expired", interfaces.ErrInvalidToken)
		}
	} else {
		if env.SigningMode != interfaces.SigningModeInPerson {
			return nil, fmt.Errorf("%w: remote envelopes require a signer token", interfaces.ErrInvalidToken)
		}
		signer = env.Signer(ref.SignerID)
		if signer == nil {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrSignerNotFound, ref.SignerID)
		}
	}

	if !env.Status.Active() {
		return nil, &interfaces.StateError{Entity: "envelope", ID: env.ID, State: string(env.Status), Operation: "act on"}
	}
	if !o.deps.Resolver.CanSignerSign(env, signer) {
		reason := "signer is not in the current wave"
		if signer.DelayedUntil != nil && signer.DelayedUntil.After(o.now()) {
			reason = "signer is delayed until " + signer.DelayedUntil.UTC().Format(time.RFC3339)
		}
		return nil, &interfaces.StateError{Entity: "signer", ID: signer.ID, State: string(signer.Status), Operation: "act for", Reason: reason}
	}
	return signer, nil
}

// load locks the envelope ref points to and returns it with the acting signer.
// The returned unlock must be called when err is nil.
func (o *Orchestrator) load(ctx context.Context, ref SignerRef) (*interfaces.Envelope, *interfaces.Signer, func(), error) {
	envelopeID, err := o.locate(ctx, ref)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock := o.lock(envelopeID)
	env, err := o.deps.Repo.Get(ctx, envelopeID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	signer, err := o.authorize(env, ref)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return env, signer, unlock, nil
}

// SubmitSignerAction records a signature or a decline, applies routing rules
// and advances the envelope. The token is consumed. When the last signer
// finishes and AutoComplete is set, the envelope is completed in the same
// exclusive section.
func (o *Orchestrator) SubmitSignerAction(ctx context.Context, in SignerActionInput) (*SignerActionResult, error) {
	if in.Action != ActionSign && in.Action != ActionDecline {
		return nil, interfaces.NewValidationError("signer action", "action", fmt.Sprintf("unknown action %q", in.Action))
	}

	env, signer, unlock, err := o.load(ctx, in.SignerRef)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := o.now().UTC()
	status := interfaces.SignerSigned
	payload := map[string]any{"order": signer.Order}

	if in.Action == ActionSign {
		if !in.ConsentGiven {
			return nil, interfaces.NewValidationError("signer", "consent_given", "consent to sign electronically is required")
		}
		verification, err := o.requireIdentity(ctx, env, signer)
		if err != nil {
			return nil, err
		}
		if verification != nil {
			payload["verification_id"] = verification.ID
			payload["verification_level"] = string(verification.Level)
		}
		filled, err := o.applyValues(env, signer, in.Values)
		if err != nil {
			return nil, err
		}
		payload["fields"] = filled
		signer.SignedAt = &now
	} else {
		status = interfaces.SignerDeclined
		signer.DeclinedAt = &now
		signer.DeclineReason = in.DeclineReason
		payload["decline_reason"] = in.DeclineReason
	}

	evidence := &interfaces.SignerEvidence{
		ConsentGiven: in.ConsentGiven,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Geolocation:  in.Geolocation,
	}
	if in.ConsentGiven {
		evidence.ConsentAt = &now
	}
	signer.Evidence = evidence
	signer.TokenHash = ""
	signer.TokenExpiresAt = nil

	completion, err := o.deps.Resolver.OnSignerCompleted(env, signer.ID, status)
	if err != nil {
		return nil, err
	}

	decision := o.deps.Resolver.EvaluateRoutingRules(env, signer, env.FieldValues())
	var applied routing.Applied
	if decision.Matched {
		applied, err = o.deps.Resolver.ApplyDecision(env, decision)
		if err != nil {
			o.log.Warn("Routing rule could not be applied",
				slog.String("envelope_id", env.ID),
				slog.String("rule_id", decision.RuleID),
				"err", err)
			decision = routing.Continue
		} else if len(applied.Skipped) > 0 || applied.Added != nil {
			completion.IsComplete = env.AllSignersTerminal()
			completion.NextWave = nil
			if !completion.IsComplete {
				completion.NextWave = o.deps.Resolver.NextEligibleSigners(env)
			}
		}
	}

	if env.Status == interfaces.EnvelopeSent {
		o.transition(env, interfaces.EnvelopeInProgress)
	}

	var invites []invitation
	if !completion.IsComplete {
		if invites, err = o.invite(env, completion.NextWave); err != nil {
			return nil, err
		}
	}

	if err := o.persist(ctx, env); err != nil {
		return nil, err
	}

	eventType := interfaces.EventSignerSigned
	if status == interfaces.SignerDeclined {
		eventType = interfaces.EventSignerDeclined
	}
	o.record(ctx, audit.Entry{
		EnvelopeID:  env.ID,
		SignerID:    signer.ID,
		Type:        eventType,
		Payload:     payload,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Geolocation: in.Geolocation,
	})
	o.recordRouting(ctx, env, decision, applied)
	for _, d := range completion.DelayedSigners {
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			SignerID:   d.Signer.ID,
			Type:       interfaces.EventSignerDelayed,
			Payload:    map[string]any{"delayed_until": d.DelayedUntil.Format(time.RFC3339)},
		})
	}
	o.deliver(ctx, env, invites)
	o.dispatch(ctx, interfaces.WorkflowSignerCompleted, env, signer.ID, map[string]any{"signer_status": string(status)})

	result := &SignerActionResult{Envelope: env, Completion: completion, Decision: decision}
	if completion.IsComplete && o.cfg.AutoComplete {
		completed, err := o.complete(ctx, env)
		if err != nil {
			return nil, err
		}
		result.Completed = completed
	}
	return result, nil
}

func (o *Orchestrator) recordRouting(ctx context.Context, env *interfaces.Envelope, d routing.Decision, applied routing.Applied) {
	if !d.Matched {
		return
	}
	skipped := make([]string, 0, len(applied.Skipped))
	for _, s := range applied.Skipped {
		skipped = append(skipped, s.ID)
	}
	payload := map[string]any{
		"rule_id": d.RuleID,
		"action":  string(d.Action.Type),
		"skipped": skipped,
	}
	if applied.Added != nil {
		payload["added"] = applied.Added.ID
	}
	o.record(ctx, audit.Entry{EnvelopeID: env.ID, Type: interfaces.EventRoutingRuleApplied, Payload: payload})

	for _, s := range applied.Skipped {
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			SignerID:   s.ID,
			Type:       interfaces.EventSignerSkipped,
			Payload:    map[string]any{"rule_id": d.RuleID},
		})
	}
	if applied.Added != nil {
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			SignerID:   applied.Added.ID,
			Type:       interfaces.EventSignerAdded,
			Payload:    map[string]any{"rule_id": d.RuleID, "order": applied.Added.Order},
		})
	}
}

// requireIdentity returns the verification satisfying the signer's level, or
// ErrIdentityRequired. QES signers must have signed this envelope's digest.
func (o *Orchestrator) requireIdentity(ctx context.Context, env *interfaces.Envelope, signer *interfaces.Signer) (*interfaces.IdentityVerification, error) {
	level := signer.VerificationLevel
	if level == "" || level == interfaces.VerificationNone {
		return nil, nil
	}
	if o.deps.Identity == nil {
		return nil, fmt.Errorf("%w: identity verification is not available", interfaces.ErrNoProviderConfigured)
	}

	digest := ""
	if level == interfaces.VerificationQES {
		digest = fmt.Sprintf("%x", SigningDigest(env))
	}
	v, err := o.deps.Identity.VerifiedRecord(ctx, signer.ID, level, digest)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: signer %s needs %s verification", interfaces.ErrIdentityRequired, signer.ID, level)
	}
	return v, nil
}

// applyValues validates and stores the signer's field values. Only fields
// assigned to the signer may be set; calculated and linked values are
// resolved over the whole envelope. It returns the number of fields filled.
func (o *Orchestrator) applyValues(env *interfaces.Envelope, signer *interfaces.Signer, values map[string]string) (int, error) {
	for id := range values {
		f := env.Field(id)
		if f == nil {
			return 0, interfaces.NewValidationError("field", id, "unknown field")
		}
		if f.SignerID != signer.ID {
			return 0, interfaces.NewValidationError("field", id, "field is not assigned to this signer")
		}
		if f.Type == interfaces.FieldCalculated {
			return 0, interfaces.NewValidationError("field", id, "calculated fields cannot be set")
		}
	}

	current := env.FieldValues()
	for id, v := range values {
		current[id] = v
	}
	resolved := fields.Resolve(env.Fields, current)

	var problems []string
	for _, r := range resolved {
		if r.SignerID != signer.ID || !r.Visible {
			continue
		}
		if res := fields.ValidateField(env.Field(r.ID), r.Value); !res.Valid {
			problems = append(problems, fmt.Sprintf("%s: %s", r.ID, strings.Join(res.Errors, "; ")))
		}
	}
	if missing := fields.CheckRequired(resolved, signer.ID); len(missing) > 0 {
		sort.Strings(missing)
		problems = append(problems, "missing required fields: "+strings.Join(missing, ", "))
	}
	if len(problems) > 0 {
		return 0, interfaces.NewValidationError("field values", "", strings.Join(problems, " | "))
	}

	filled := 0
	for _, r := range resolved {
		f := env.Field(r.ID)
		if r.SignerID == signer.ID || f.Type == interfaces.FieldCalculated {
			if r.SignerID == signer.ID && r.Value != "" {
				filled++
			}
			f.Value = r.Value
		}
	}
	return filled, nil
}

// DelegateSigner hands the acting signer's place to a new signer with the
// same order, group and verification requirement. The original signer
// becomes terminal as delegated.
func (o *Orchestrator) DelegateSigner(ctx context.Context, in DelegationInput) (*interfaces.Envelope, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, interfaces.NewValidationError("delegate", "name", "required")
	}
	if !strings.Contains(in.Email, "@") {
		return nil, interfaces.NewValidationError("delegate", "email", "a valid email address is required")
	}

	env, signer, unlock, err := o.load(ctx, in.SignerRef)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, s := range env.Signers {
		if !s.Status.Terminal() && strings.EqualFold(s.Email, in.Email) {
			return nil, interfaces.NewValidationError("delegate", "email", "delegate is already an active signer")
		}
	}
	if signer.VerificationMethod == interfaces.MethodTwoFactor && in.Phone == "" {
		return nil, interfaces.NewValidationError("delegate", "phone", "required for two-factor verification")
	}

	delegate := &interfaces.Signer{
		ID:                 uuid.NewString(),
		EnvelopeID:         env.ID,
		Name:               in.Name,
		Email:              in.Email,
		Phone:              in.Phone,
		Order:              signer.Order,
		SigningGroup:       signer.SigningGroup,
		Status:             interfaces.SignerPending,
		VerificationLevel:  signer.VerificationLevel,
		VerificationMethod: signer.VerificationMethod,
		DelegatedFromID:    signer.ID,
	}
	for _, f := range env.Fields {
		if f.SignerID == signer.ID {
			f.SignerID = delegate.ID
		}
	}
	signer.Status = interfaces.SignerDelegated
	signer.DelegatedToID = delegate.ID
	signer.TokenHash = ""
	signer.TokenExpiresAt = nil
	env.Signers = append(env.Signers, delegate)
	routing.SortSigners(env.Signers)

	if env.Status == interfaces.EnvelopeSent {
		o.transition(env, interfaces.EnvelopeInProgress)
	}
	invites, err := o.invite(env, []*interfaces.Signer{delegate})
	if err != nil {
		return nil, err
	}
	if err := o.persist(ctx, env); err != nil {
		return nil, err
	}

	o.record(ctx, audit.Entry{
		EnvelopeID:  env.ID,
		SignerID:    signer.ID,
		Type:        interfaces.EventSignerDelegated,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Geolocation: in.Geolocation,
		Payload: map[string]any{
			"delegate_id":    delegate.ID,
			"delegate_name":  delegate.Name,
			"delegate_email": delegate.Email,
			"reason":         in.Reason,
		},
	})
	o.deliver(ctx, env, invites)
	return env, nil
}

// ResolveFields computes visibility, requirement and calculated values for
// the envelope's fields given values, without storing anything.
func (o *Orchestrator) ResolveFields(ctx context.Context, envelopeID string, values map[string]string) ([]fields.ResolvedField, error) {
	env, err := o.deps.Repo.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	return fields.Resolve(env.Fields, values), nil
}
