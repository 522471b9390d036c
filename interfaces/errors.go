package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrEnvelopeNotFound is returned when an envelope id is unknown.
	ErrEnvelopeNotFound = errors.New("envelope not found")

	// ErrSignerNotFound is returned when a signer id is not part of the envelope.
	ErrSignerNotFound = errors.New("signer not found")

	// ErrInvalidToken is returned when a signer access token is missing, wrong or expired.
	ErrInvalidToken = errors.New("invalid signer token")

	// ErrSessionNotFound is returned for unknown identity session ids.
	ErrSessionNotFound = errors.New("identity session not found")

	// ErrSessionExpired is returned when an identity session or its codes have expired.
	ErrSessionExpired = errors.New("identity session expired")

	// ErrProviderUnavailable is returned when an external provider cannot be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrNoProviderConfigured is returned when a ceremony needs a provider that is not configured.
	ErrNoProviderConfigured = errors.New("no provider configured")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrIdentityRequired is returned when a signer acts before reaching the required verification level.
	ErrIdentityRequired = errors.New("identity verification required")

	// ErrVerificationNotFound is returned for unknown identity verification records.
	ErrVerificationNotFound = errors.New("identity verification not found")
)

// ValidationError reports input that violates a structural rule. It is never retryable.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("invalid %s.%s: %s", e.Entity, e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(entity, field, reason string) error {
	return &ValidationError{Entity: entity, Field: field, Reason: reason}
}

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	Entity    string
	ID        string
	State     string
	Operation string
	Reason    string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %s in state %s", e.Operation, e.Entity, e.ID, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsState reports whether err wraps a StateError.
func IsState(err error) bool {
	var s *StateError
	return errors.As(err, &s)
}
