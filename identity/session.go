package identity

import (
	"fmt"
	"maps"
	"time"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// State is a ceremony session state.
type State string

const (
	StateInitiated         State = "initiated"
	StateIdentityPending   State = "identity_pending"
	StateIdentityVerified  State = "identity_verified"
	StateCertificateIssued State = "certificate_issued"
	StateSigningReady      State = "signing_ready"
	StateSigned            State = "signed"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
)

// Terminal reports whether the session can no longer advance.
func (s State) Terminal() bool {
	switch s {
	case StateSigned, StateExpired, StateFailed:
		return true
	}
	return false
}

// transitions lists the allowed successor states. AES ceremonies end in
// identity_verified; QES ceremonies continue to signed.
var transitions = map[State][]State{
	StateInitiated:         {StateIdentityPending, StateFailed, StateExpired},
	StateIdentityPending:   {StateIdentityVerified, StateFailed, StateExpired},
	StateIdentityVerified:  {StateCertificateIssued, StateFailed, StateExpired},
	StateCertificateIssued: {StateSigningReady, StateFailed, StateExpired},
	StateSigningReady:      {StateSigned, StateFailed, StateExpired},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one identity or qualified signature ceremony for a signer.
type Session struct {
	ID             string                        `json:"id"`
	EnvelopeID     string                        `json:"envelope_id"`
	SignerID       string                        `json:"signer_id"`
	Level          interfaces.VerificationLevel  `json:"level"`
	Method         interfaces.VerificationMethod `json:"method"`
	Provider       string                        `json:"provider"`
	State          State                         `json:"state"`
	VerificationID string                        `json:"verification_id"`

	ProviderSessionID string `json:"provider_session_id,omitempty"`
	RedirectURL       string `json:"redirect_url,omitempty"`

	// FallbackFrom is set when the requested method was replaced.
	FallbackFrom interfaces.VerificationMethod `json:"fallback_from,omitempty"`

	Attempts      int                      `json:"attempts"`
	Certificate   []byte                   `json:"certificate,omitempty"`
	Signature     *interfaces.QESSignature `json:"signature,omitempty"`
	FailureReason string                   `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Certificate = append([]byte(nil), s.Certificate...)
	if s.Signature != nil {
		sig := *s.Signature
		c.Signature = &sig
	}
	return &c
}

func (s *Session) advance(to State, now time.Time) error {
	if !canTransition(s.State, to) {
		return &interfaces.StateError{
			Entity:    "identity session",
			ID:        s.ID,
			State:     string(s.State),
			Operation: fmt.Sprintf("move to %s", to),
		}
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}

// Finished reports whether the ceremony reached its end. AES ceremonies end
// at identity_verified.
func (s *Session) Finished() bool {
	if s.State.Terminal() {
		return true
	}
	return s.Level == interfaces.VerificationAES && s.State == StateIdentityVerified
}

func (s *Session) expired(now time.Time) bool {
	return !s.Finished() && now.After(s.ExpiresAt)
}

// TwoFactorResult is the outcome of a two-factor code submission.
type TwoFactorResult struct {
	Verified bool `json:"verified"`
	// Errors maps "email" or "sms" to the reason the code was rejected.
	Errors         map[string]string `json:"errors,omitempty"`
	VerificationID string            `json:"verification_id,omitempty"`
	Session        *Session          `json:"session"`
}

func evidence(base map[string]any, extra map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extra))
	}
	maps.Copy(out, extra)
	return out
}
