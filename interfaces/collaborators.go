package interfaces

import (
	"context"
	"time"
)

// Notifier delivers signer notifications. Delivery is fire-and-forget from the
// workflow's perspective: errors are logged, never fatal.
type Notifier interface {
	// NotifySigner invites the signer to act, carrying the plaintext single-use token.
	NotifySigner(ctx context.Context, envelope *Envelope, signer *Signer, token string) error

	// SendReminder nudges a signer that was already notified.
	SendReminder(ctx context.Context, envelope *Envelope, signer *Signer) error
}

// CodeSender delivers one-time verification codes.
type CodeSender interface {
	SendEmailCode(ctx context.Context, email, code string) error
	SendSMSCode(ctx context.Context, phone, code string) error
}

// SignerInfo identifies the natural person for a QES or government-ID session.
type SignerInfo struct {
	SignerID string `json:"signer_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
}

// ProviderSessionStatus is the status reported by an external provider.
type ProviderSessionStatus string

const (
	ProviderPending   ProviderSessionStatus = "pending"
	ProviderCompleted ProviderSessionStatus = "completed"
	ProviderFailed    ProviderSessionStatus = "failed"
	ProviderExpired   ProviderSessionStatus = "expired"
)

// ProviderSession is the handle returned when a provider session starts.
type ProviderSession struct {
	SessionID   string    `json:"session_id"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// QESSignature is the result of a qualified signature over a document hash.
type QESSignature struct {
	Signature         []byte    `json:"signature"`
	Certificate       []byte    `json:"certificate"`
	Timestamp         time.Time `json:"timestamp"`
	CertificateSerial string    `json:"certificate_serial"`
	QSCDReference     string    `json:"qscd_reference"`
}

// TrustServiceProvider issues qualified certificates and signs on a qualified
// signature creation device. Every operation except CheckStatus fails for
// unknown session ids; CheckStatus reports ProviderFailed instead.
type TrustServiceProvider interface {
	Name() string
	InitiateQES(ctx context.Context, signer SignerInfo) (ProviderSession, error)
	CheckStatus(ctx context.Context, sessionID string) (ProviderSessionStatus, error)
	GetQualifiedCertificate(ctx context.Context, sessionID string) ([]byte, error)
	SignWithQSCD(ctx context.Context, sessionID string, documentHash []byte) (QESSignature, error)
}

// IdentityProvider verifies a government-issued identity document.
type IdentityProvider interface {
	Name() string
	InitiateSession(ctx context.Context, signer SignerInfo) (ProviderSession, error)
	CheckStatus(ctx context.Context, sessionID string) (ProviderSessionStatus, map[string]any, error)
}

// WorkflowEventName names an integration dispatch.
type WorkflowEventName string

const (
	WorkflowEnvelopeSent      WorkflowEventName = "envelopeSent"
	WorkflowEnvelopeCompleted WorkflowEventName = "envelopeCompleted"
	WorkflowEnvelopeVoided    WorkflowEventName = "envelopeVoided"
	WorkflowSignerCompleted   WorkflowEventName = "signerCompleted"
)

// WorkflowEvent is the payload handed to integrations.
type WorkflowEvent struct {
	ID         string            `json:"id"`
	Name       WorkflowEventName `json:"event"`
	EnvelopeID string            `json:"envelope_id"`
	TenantID   string            `json:"tenant_id,omitempty"`
	SignerID   string            `json:"signer_id,omitempty"`
	Status     string            `json:"status"`
	Data       map[string]any    `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Integration is the capability set an adapter may subscribe to.
type Integration interface {
	Name() string
	OnEnvelopeSent(ctx context.Context, event WorkflowEvent) error
	OnEnvelopeCompleted(ctx context.Context, event WorkflowEvent) error
	OnEnvelopeVoided(ctx context.Context, event WorkflowEvent) error
	OnSignerCompleted(ctx context.Context, event WorkflowEvent) error
}

// EnvelopeFilter narrows ListEnvelopes. Zero values match everything.
type EnvelopeFilter struct {
	TenantID string
	Status   EnvelopeStatus
	Limit    int
	Offset   int
}

// EnvelopeRepository persists envelope aggregates with optimistic versioning.
type EnvelopeRepository interface {
	Create(ctx context.Context, envelope *Envelope) error
	Get(ctx context.Context, id string) (*Envelope, error)
	// Update persists envelope if its Version matches the stored one and increments it.
	Update(ctx context.Context, envelope *Envelope) error
	List(ctx context.Context, filter EnvelopeFilter) ([]*Envelope, int, error)
	ListByStatus(ctx context.Context, statuses ...EnvelopeStatus) ([]*Envelope, error)
	// FindSigner returns the envelope that contains the signer.
	FindSigner(ctx context.Context, signerID string) (*Envelope, error)
}

// VerificationRepository persists identity verification records.
type VerificationRepository interface {
	Save(ctx context.Context, verification *IdentityVerification) error
	Get(ctx context.Context, id string) (*IdentityVerification, error)
	ListBySigner(ctx context.Context, signerID string) ([]*IdentityVerification, error)
}

// AuditStore is append-only storage for audit events. Retrieval is in insertion order.
type AuditStore interface {
	// Insert appends the event. It fails with ErrConcurrentModification when
	// event.PreviousHash is no longer the hash of the envelope's last event.
	Insert(ctx context.Context, event *AuditEvent) error
	Last(ctx context.Context, envelopeID string) (*AuditEvent, error)
	ListByEnvelope(ctx context.Context, envelopeID string) ([]*AuditEvent, error)
	ListBySigner(ctx context.Context, signerID string) ([]*AuditEvent, error)
	// AnonymizeSigner passes the signer's events, and events whose payload
	// holds the signer id under one of referenceKeys, to redact and persists
	// the ones it changed. It returns how many were changed.
	AnonymizeSigner(ctx context.Context, signerID string, referenceKeys []string, redact func(*AuditEvent) (bool, error)) (int, error)
}
