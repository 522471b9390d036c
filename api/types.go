package api

import (
	"github.com/ruteri/signing-ceremony-backend/fields"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/orchestrator"
)

// SigningTokenHeader carries the signer's access token when the request
// body does not.
const SigningTokenHeader = "X-Signing-Token"

// Error codes returned in ErrorResponse.
const (
	CodeBadRequest          = "bad_request"
	CodeValidationFailed    = "validation_failed"
	CodeInvalidState        = "invalid_state"
	CodeNotFound            = "not_found"
	CodeInvalidToken        = "invalid_token"
	CodeIdentityRequired    = "identity_required"
	CodeSessionExpired      = "session_expired"
	CodeConflict            = "conflict"
	CodeProviderUnavailable = "provider_unavailable"
	CodeInternal            = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	RequestID string      `json:"request_id"`
	Error     ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

type ResolveFieldsRequest struct {
	Values map[string]string `json:"values"`
}

type ResolveFieldsResponse struct {
	Fields []fields.ResolvedField `json:"fields"`
}

// VerificationRequest authenticates the signer for an identity ceremony
// step. The codes are only read when completing a two-factor session.
type VerificationRequest struct {
	orchestrator.SignerRef
	EmailCode string `json:"email_code,omitempty"`
	SMSCode   string `json:"sms_code,omitempty"`
}

type AuditTrailResponse struct {
	EnvelopeID string                   `json:"envelope_id"`
	Events     []*interfaces.AuditEvent `json:"events"`
}

type AnonymizeResponse struct {
	SignerID string `json:"signer_id"`
	Events   int    `json:"events"`
}
