package interfaces

import (
	"encoding/json"
	"time"
)

// EnvelopeStatus is the lifecycle state of an envelope.
type EnvelopeStatus string

const (
	EnvelopeDraft      EnvelopeStatus = "draft"
	EnvelopeSent       EnvelopeStatus = "sent"
	EnvelopeInProgress EnvelopeStatus = "in_progress"
	EnvelopeCompleted  EnvelopeStatus = "completed"
	EnvelopeVoided     EnvelopeStatus = "voided"
	EnvelopeExpired    EnvelopeStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s EnvelopeStatus) Terminal() bool {
	return s == EnvelopeCompleted || s == EnvelopeVoided || s == EnvelopeExpired
}

// Active reports whether signers may currently act on the envelope.
func (s EnvelopeStatus) Active() bool {
	return s == EnvelopeSent || s == EnvelopeInProgress
}

// SigningMode distinguishes remote ceremonies from host-driven in-person ones.
type SigningMode string

const (
	SigningModeRemote   SigningMode = "remote"
	SigningModeInPerson SigningMode = "in_person"
)

// SigningOrder selects how signer waves are computed.
type SigningOrder string

const (
	SigningOrderSequential SigningOrder = "sequential"
	SigningOrderParallel   SigningOrder = "parallel"
)

// SignerStatus is the progress of one signer.
type SignerStatus string

const (
	SignerPending   SignerStatus = "pending"
	SignerNotified  SignerStatus = "notified"
	SignerSigned    SignerStatus = "signed"
	SignerDeclined  SignerStatus = "declined"
	SignerSkipped   SignerStatus = "skipped"
	SignerDelegated SignerStatus = "delegated"
)

// Terminal reports whether the signer can no longer act.
func (s SignerStatus) Terminal() bool {
	switch s {
	case SignerSigned, SignerDeclined, SignerSkipped, SignerDelegated:
		return true
	default:
		return false
	}
}

// VerificationLevel is the eIDAS assurance level a signer must reach before signing.
type VerificationLevel string

const (
	VerificationNone VerificationLevel = "none"
	VerificationAES  VerificationLevel = "aes"
	VerificationQES  VerificationLevel = "qes"
)

// VerificationMethod names the identity ceremony used.
type VerificationMethod string

const (
	MethodTwoFactor    VerificationMethod = "two_factor"
	MethodGovernmentID VerificationMethod = "government_id"
	MethodBankID       VerificationMethod = "bank_id"
	MethodQES          VerificationMethod = "qes"
)

// Envelope is the unit of work: documents routed to signers.
type Envelope struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Subject      string         `json:"subject"`
	Message      string         `json:"message,omitempty"`
	Status       EnvelopeStatus `json:"status"`
	SigningMode  SigningMode    `json:"signing_mode"`
	SigningOrder SigningOrder   `json:"signing_order"`
	RoutingRules []RoutingRule  `json:"routing_rules,omitempty"`

	Documents []*Document `json:"documents"`
	Signers   []*Signer   `json:"signers"`
	Fields    []*Field    `json:"fields"`

	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	VoidReason  string     `json:"void_reason,omitempty"`

	// CertificateKey is the storage key of the completion certificate, if one was generated.
	CertificateKey string `json:"certificate_key,omitempty"`

	// Version increments on every persisted update and guards concurrent writers.
	Version int64 `json:"version"`
}

// Signer returns the signer with the given id or nil.
func (e *Envelope) Signer(id string) *Signer {
	for _, s := range e.Signers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SignerByEmail returns the first signer with the given email or nil.
func (e *Envelope) SignerByEmail(email string) *Signer {
	for _, s := range e.Signers {
		if s.Email == email {
			return s
		}
	}
	return nil
}

// Document returns the document with the given id or nil.
func (e *Envelope) Document(id string) *Document {
	for _, d := range e.Documents {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Field returns the field with the given id or nil.
func (e *Envelope) Field(id string) *Field {
	for _, f := range e.Fields {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// FieldValues returns the current value of every field keyed by field id.
func (e *Envelope) FieldValues() map[string]string {
	values := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		values[f.ID] = f.Value
	}
	return values
}

// AllSignersTerminal reports whether every signer has finished.
func (e *Envelope) AllSignersTerminal() bool {
	for _, s := range e.Signers {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, so repositories never share mutable state with callers.
func (e *Envelope) Clone() *Envelope {
	data, err := json.Marshal(e)
	if err != nil {
		panic("envelope clone: " + err.Error())
	}
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		panic("envelope clone: " + err.Error())
	}
	return &out
}

// Document belongs to one envelope. Its original bytes are immutable; sealing
// produces a separate artifact referenced by SealedKey.
type Document struct {
	ID          string `json:"id"`
	EnvelopeID  string `json:"envelope_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	StorageKey  string `json:"storage_key"`
	ContentHash string `json:"content_hash"`

	// Page descriptor, in PDF points.
	PageCount  int     `json:"page_count"`
	PageWidth  float64 `json:"page_width"`
	PageHeight float64 `json:"page_height"`

	SealedKey  string     `json:"sealed_key,omitempty"`
	SealedHash string     `json:"sealed_hash,omitempty"`
	SealedAt   *time.Time `json:"sealed_at,omitempty"`

	// SealFingerprint identifies the inputs the sealed artifact was rendered from.
	SealFingerprint string `json:"seal_fingerprint,omitempty"`
}

// SignerEvidence is what the signing ceremony captured about the signer's act.
type SignerEvidence struct {
	ConsentGiven bool       `json:"consent_given"`
	ConsentAt    *time.Time `json:"consent_at,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	Geolocation  string     `json:"geolocation,omitempty"`
}

// Signer is a party required to act on an envelope.
type Signer struct {
	ID           string       `json:"id"`
	EnvelopeID   string       `json:"envelope_id"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone,omitempty"`
	Order        int          `json:"order"`
	SigningGroup *int         `json:"signing_group,omitempty"`
	Status       SignerStatus `json:"status"`

	VerificationLevel  VerificationLevel  `json:"verification_level"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty"`

	TokenHash      string     `json:"token_hash,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	LastReminderAt *time.Time `json:"last_reminder_at,omitempty"`
	DelayedUntil   *time.Time `json:"delayed_until,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	DeclinedAt     *time.Time `json:"declined_at,omitempty"`
	DeclineReason  string     `json:"decline_reason,omitempty"`

	Evidence *SignerEvidence `json:"evidence,omitempty"`

	DelegatedFromID string `json:"delegated_from_id,omitempty"`
	DelegatedToID   string `json:"delegated_to_id,omitempty"`
}

// FieldType is the kind of input a field collects.
type FieldType string

const (
	FieldSignature  FieldType = "signature"
	FieldInitials   FieldType = "initials"
	FieldDate       FieldType = "date"
	FieldText       FieldType = "text"
	FieldNumber     FieldType = "number"
	FieldCurrency   FieldType = "currency"
	FieldEmail      FieldType = "email"
	FieldCheckbox   FieldType = "checkbox"
	FieldDropdown   FieldType = "dropdown"
	FieldCalculated FieldType = "calculated"
)

// Operator compares a field value against a rule operand.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpContains Operator = "contains"
	OpEmpty    Operator = "empty"
)

// ConditionAction is applied to a field when its conditional rule matches.
type ConditionAction string

const (
	ActionShow    ConditionAction = "show"
	ActionHide    ConditionAction = "hide"
	ActionRequire ConditionAction = "require"
)

// ConditionalRule makes a field's visibility or requirement depend on another field.
type ConditionalRule struct {
	FieldID  string          `json:"field_id"`
	Operator Operator        `json:"operator"`
	Value    string          `json:"value,omitempty"`
	Action   ConditionAction `json:"action"`
}

// ValidationType names a format rule.
type ValidationType string

const (
	ValidateMinLength ValidationType = "minLength"
	ValidateMaxLength ValidationType = "maxLength"
	ValidateEmail     ValidationType = "email"
	ValidatePhone     ValidationType = "phone"
	ValidateZipCode   ValidationType = "zipCode"
	ValidateZipCode9  ValidationType = "zipCode9"
	ValidateSSN       ValidationType = "ssn"
	ValidateURL       ValidationType = "url"
	ValidateRegex     ValidationType = "regex"
)

// ValidationRule is one additive constraint on a field value.
type ValidationRule struct {
	Type    ValidationType `json:"type"`
	Length  int            `json:"length,omitempty"`
	Pattern string         `json:"pattern,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Field is a placement on a document, optionally assigned to a signer.
// Coordinates are percentages of the page, measured from the top-left corner.
type Field struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	SignerID   string    `json:"signer_id,omitempty"`
	Type       FieldType `json:"type"`
	Label      string    `json:"label,omitempty"`

	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	Required      bool              `json:"required"`
	Value         string            `json:"value,omitempty"`
	Formula       string            `json:"formula,omitempty"`
	Conditions    []ConditionalRule `json:"conditions,omitempty"`
	Validation    []ValidationRule  `json:"validation,omitempty"`
	LinkedGroupID string            `json:"linked_group_id,omitempty"`
	Options       []string          `json:"options,omitempty"`
}

// RoutingConditionType discriminates RoutingCondition.
type RoutingConditionType string

const (
	ConditionSignerDeclined       RoutingConditionType = "signer_declined"
	ConditionFieldValue           RoutingConditionType = "field_value"
	ConditionAfterSignerCompletes RoutingConditionType = "after_signer_completes"
)

// RoutingCondition is the trigger half of a routing rule. Which fields are
// meaningful depends on Type.
type RoutingCondition struct {
	Type RoutingConditionType `json:"type"`

	// field_value
	FieldID  string   `json:"field_id,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    string   `json:"value,omitempty"`

	// after_signer_completes
	SignerOrder int `json:"signer_order,omitempty"`
}

// RoutingActionType discriminates RoutingAction.
type RoutingActionType string

const (
	RouteContinue  RoutingActionType = "continue"
	RouteSkipTo    RoutingActionType = "skip_to"
	RouteRouteTo   RoutingActionType = "route_to"
	RouteAddSigner RoutingActionType = "add_signer"
	RouteComplete  RoutingActionType = "complete"
	RouteDelay     RoutingActionType = "delay"
)

// RoutingAction is the effect half of a routing rule.
type RoutingAction struct {
	Type RoutingActionType `json:"type"`

	TargetOrder int     `json:"target_order,omitempty"`
	TargetEmail string  `json:"target_email,omitempty"`
	TargetName  string  `json:"target_name,omitempty"`
	DelayHours  float64 `json:"delay_hours,omitempty"`
}

// RoutingRule alters signer progression. Rules are evaluated in declaration order.
type RoutingRule struct {
	ID        string           `json:"id"`
	Condition RoutingCondition `json:"condition"`
	Action    RoutingAction    `json:"action"`
}

// AuditEventType is drawn from a fixed enumeration.
type AuditEventType string

const (
	EventEnvelopeCreated      AuditEventType = "envelope_created"
	EventEnvelopeSent         AuditEventType = "envelope_sent"
	EventEnvelopeCompleted    AuditEventType = "envelope_completed"
	EventEnvelopeVoided       AuditEventType = "envelope_voided"
	EventEnvelopeExpired      AuditEventType = "envelope_expired"
	EventSignerNotified       AuditEventType = "signer_notified"
	EventSignerReminded       AuditEventType = "signer_reminded"
	EventSignerDelayed        AuditEventType = "signer_delayed"
	EventSignerSigned         AuditEventType = "signer_signed"
	EventSignerDeclined       AuditEventType = "signer_declined"
	EventSignerSkipped        AuditEventType = "signer_skipped"
	EventSignerDelegated      AuditEventType = "signer_delegated"
	EventSignerAdded          AuditEventType = "signer_added"
	EventRoutingRuleApplied   AuditEventType = "routing_rule_applied"
	EventDocumentSealed       AuditEventType = "document_sealed"
	EventDocumentSealFailed   AuditEventType = "document_seal_failed"
	EventCertificateGenerated AuditEventType = "certificate_generated"
	EventCertificateFailed    AuditEventType = "certificate_failed"
	EventIdentityStarted      AuditEventType = "identity_verification_started"
	EventIdentityVerified     AuditEventType = "identity_verified"
	EventIdentityFailed       AuditEventType = "identity_verification_failed"
	EventIdentityFallback     AuditEventType = "identity_fallback"
	EventIdentityExpired      AuditEventType = "identity_session_expired"
	EventQESCertificateIssued AuditEventType = "qes_certificate_issued"
	EventQESSigned            AuditEventType = "qes_signed"
	EventSignerDataAnonymized AuditEventType = "signer_data_anonymized"
)

// AuditEvent is one entry of an envelope's hash chain.
type AuditEvent struct {
	ID         string         `json:"id"`
	Sequence   int64          `json:"sequence"`
	EnvelopeID string         `json:"envelope_id"`
	SignerID   string         `json:"signer_id,omitempty"`
	Type       AuditEventType `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`

	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Geolocation string `json:"geolocation,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	EventHash    string    `json:"event_hash"`
	PreviousHash string    `json:"previous_hash"`

	// Salt keys the digests that stand in for personal payload values in
	// the event hash. Redacted holds those digests once the values are erased.
	Salt     string            `json:"salt,omitempty"`
	Redacted map[string]string `json:"redacted,omitempty"`

	// Fallback marks a record that could not be persisted.
	Fallback   bool `json:"fallback,omitempty"`
	Anonymized bool `json:"anonymized,omitempty"`
}

// VerificationStatus is the outcome of an identity verification.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
	VerificationExpired  VerificationStatus = "expired"
)

// IdentityVerification records one identity ceremony for a signer.
type IdentityVerification struct {
	ID         string             `json:"id"`
	EnvelopeID string             `json:"envelope_id"`
	SignerID   string             `json:"signer_id"`
	SessionID  string             `json:"session_id"`
	Level      VerificationLevel  `json:"level"`
	Method     VerificationMethod `json:"method"`
	Provider   string             `json:"provider"`
	Status     VerificationStatus `json:"status"`
	Evidence   map[string]any     `json:"evidence,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	VerifiedAt *time.Time         `json:"verified_at,omitempty"`
}
