package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/fields"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/metrics"
	"github.com/ruteri/signing-ceremony-backend/routing"
	"github.com/ruteri/signing-ceremony-backend/sealer"
)

// DocumentInput is an uploaded document. ID is a reference local to the
// input that fields use; the stored document gets a fresh id.
type DocumentInput struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ContentType string  `json:"content_type,omitempty"`
	Content     []byte  `json:"content"`
	PageCount   int     `json:"page_count,omitempty"`
	PageWidth   float64 `json:"page_width,omitempty"`
	PageHeight  float64 `json:"page_height,omitempty"`
}

// SignerInput describes a signer. ID is a reference local to the input. A
// zero Order takes the signer's position in the list.
type SignerInput struct {
	ID                 string                        `json:"id"`
	Name               string                        `json:"name"`
	Email              string                        `json:"email"`
	Phone              string                        `json:"phone,omitempty"`
	Order              int                           `json:"order,omitempty"`
	SigningGroup       *int                          `json:"signing_group,omitempty"`
	VerificationLevel  interfaces.VerificationLevel  `json:"verification_level,omitempty"`
	VerificationMethod interfaces.VerificationMethod `json:"verification_method,omitempty"`
}

// CreateEnvelopeInput is everything needed to create a draft envelope.
// Field.DocumentID and Field.SignerID refer to the input ids.
type CreateEnvelopeInput struct {
	TenantID     string                   `json:"tenant_id"`
	Subject      string                   `json:"subject"`
	Message      string                   `json:"message,omitempty"`
	SigningMode  interfaces.SigningMode   `json:"signing_mode,omitempty"`
	SigningOrder interfaces.SigningOrder  `json:"signing_order,omitempty"`
	RoutingRules []interfaces.RoutingRule `json:"routing_rules,omitempty"`
	Documents    []DocumentInput          `json:"documents"`
	Signers      []SignerInput            `json:"signers"`
	Fields       []*interfaces.Field      `json:"fields,omitempty"`
	ExpiresAt    *time.Time               `json:"expires_at,omitempty"`
}

// EnvelopeList is a page of envelopes with the total number of matches.
type EnvelopeList struct {
	Items []*interfaces.Envelope `json:"items"`
	Total int                    `json:"total"`
}

// CompletionResult reports the best-effort side effects of completion.
type CompletionResult struct {
	Envelope         *interfaces.Envelope `json:"envelope"`
	DocumentHash     string               `json:"document_hash,omitempty"`
	Sealed           bool                 `json:"sealed"`
	SealError        string               `json:"seal_error,omitempty"`
	CertificateKey   string               `json:"certificate_key,omitempty"`
	CertificateError string               `json:"certificate_error,omitempty"`
}

// CreateEnvelope validates input, stores the documents and persists a draft.
// Nothing is persisted when validation fails.
func (o *Orchestrator) CreateEnvelope(ctx context.Context, in CreateEnvelopeInput) (*interfaces.Envelope, error) {
	env, contents, err := o.buildEnvelope(in)
	if err != nil {
		return nil, err
	}

	var stored []string
	cleanup := func() {
		for _, key := range stored {
			if err := o.deps.Docs.Delete(ctx, key); err != nil {
				o.log.Warn("Failed to delete orphaned document", slog.String("key", key), "err", err)
			}
		}
	}
	for i, doc := range env.Documents {
		key, err := o.deps.Docs.Put(ctx, contents[i], interfaces.DocumentMeta{
			EnvelopeID:  env.ID,
			Kind:        interfaces.DocumentContent,
			Name:        doc.Name,
			ContentType: doc.ContentType,
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to store document %q: %w", doc.Name, err)
		}
		stored = append(stored, key)
		doc.StorageKey = key
	}

	if err := o.deps.Repo.Create(ctx, env); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create envelope: %w", err)
	}

	o.record(ctx, audit.Entry{
		EnvelopeID: env.ID,
		Type:       interfaces.EventEnvelopeCreated,
		Payload: map[string]any{
			"subject":       env.Subject,
			"documents":     len(env.Documents),
			"signers":       len(env.Signers),
			"signing_order": string(env.SigningOrder),
			"signing_mode":  string(env.SigningMode),
		},
	})
	metrics.EnvelopeTransition(string(interfaces.EnvelopeDraft))
	o.log.Info("Envelope created",
		slog.String("envelope_id", env.ID),
		slog.String("tenant_id", env.TenantID),
		slog.Int("signers", len(env.Signers)))
	return env, nil
}

func (o *Orchestrator) buildEnvelope(in CreateEnvelopeInput) (*interfaces.Envelope, [][]byte, error) {
	if strings.TrimSpace(in.Subject) == "" {
		return nil, nil, interfaces.NewValidationError("envelope", "subject", "required")
	}
	if len(in.Documents) == 0 {
		return nil, nil, interfaces.NewValidationError("envelope", "documents", "at least one document is required")
	}
	if len(in.Signers) == 0 {
		return nil, nil, interfaces.NewValidationError("envelope", "signers", "at least one signer is required")
	}

	now := o.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, nil, interfaces.NewValidationError("envelope", "expires_at", "must be in the future")
	}

	env := &interfaces.Envelope{
		ID:           uuid.NewString(),
		TenantID:     in.TenantID,
		Subject:      in.Subject,
		Message:      in.Message,
		Status:       interfaces.EnvelopeDraft,
		SigningMode:  in.SigningMode,
		SigningOrder: in.SigningOrder,
		RoutingRules: in.RoutingRules,
		CreatedAt:    now,
		ExpiresAt:    in.ExpiresAt,
	}
	switch env.SigningMode {
	case "":
		env.SigningMode = interfaces.SigningModeRemote
	case interfaces.SigningModeRemote, interfaces.SigningModeInPerson:
	default:
		return nil, nil, interfaces.NewValidationError("envelope", "signing_mode", fmt.Sprintf("unknown mode %q", in.SigningMode))
	}
	switch env.SigningOrder {
	case "":
		env.SigningOrder = interfaces.SigningOrderSequential
	case interfaces.SigningOrderSequential, interfaces.SigningOrderParallel:
	default:
		return nil, nil, interfaces.NewValidationError("envelope", "signing_order", fmt.Sprintf("unknown order %q", in.SigningOrder))
	}

	docIDs := make(map[string]string, len(in.Documents))
	docsByID := make(map[string]*interfaces.Document, len(in.Documents))
	contents := make([][]byte, 0, len(in.Documents))
	for i, d := range in.Documents {
		entity := fmt.Sprintf("documents[%d]", i)
		if len(d.Content) == 0 {
			return nil, nil, interfaces.NewValidationError(entity, "content", "required")
		}
		if d.PageCount < 0 || d.PageWidth < 0 || d.PageHeight < 0 {
			return nil, nil, interfaces.NewValidationError(entity, "pages", "page descriptor must not be negative")
		}
		ref := d.ID
		if ref == "" {
			ref = fmt.Sprintf("%d", i)
		}
		if _, dup := docIDs[ref]; dup {
			return nil, nil, interfaces.NewValidationError(entity, "id", fmt.Sprintf("duplicate document id %q", ref))
		}
		doc := &interfaces.Document{
			ID:          uuid.NewString(),
			EnvelopeID:  env.ID,
			Name:        d.Name,
			ContentType: d.ContentType,
			ContentHash: sealer.HashContent(d.Content),
			PageCount:   d.PageCount,
			PageWidth:   d.PageWidth,
			PageHeight:  d.PageHeight,
		}
		if doc.Name == "" {
			doc.Name = fmt.Sprintf("document-%d", i+1)
		}
		if doc.ContentType == "" {
			doc.ContentType = http.DetectContentType(d.Content)
		}
		docIDs[ref] = doc.ID
		docsByID[doc.ID] = doc
		env.Documents = append(env.Documents, doc)
		contents = append(contents, d.Content)
	}

	signerIDs := make(map[string]string, len(in.Signers))
	emails := make(map[string]bool, len(in.Signers))
	for i, s := range in.Signers {
		signer, err := newSigner(env.ID, i, s)
		if err != nil {
			return nil, nil, err
		}
		key := strings.ToLower(signer.Email)
		if emails[key] {
			return nil, nil, interfaces.NewValidationError(fmt.Sprintf("signers[%d]", i), "email", fmt.Sprintf("duplicate signer email %q", s.Email))
		}
		emails[key] = true
		if s.ID != "" {
			if _, dup := signerIDs[s.ID]; dup {
				return nil, nil, interfaces.NewValidationError(fmt.Sprintf("signers[%d]", i), "id", fmt.Sprintf("duplicate signer id %q", s.ID))
			}
			signerIDs[s.ID] = signer.ID
		}
		env.Signers = append(env.Signers, signer)
	}
	routing.SortSigners(env.Signers)

	known := make(map[string]bool, len(env.Signers))
	for _, s := range env.Signers {
		known[s.ID] = true
	}
	fieldIDs := make(map[string]bool, len(in.Fields))
	for i, f := range in.Fields {
		if f == nil {
			return nil, nil, interfaces.NewValidationError(fmt.Sprintf("fields[%d]", i), "", "must not be null")
		}
		field := *f
		if field.ID == "" {
			field.ID = uuid.NewString()
		}
		if docID, ok := docIDs[field.DocumentID]; ok {
			field.DocumentID = docID
		} else if len(env.Documents) == 1 && field.DocumentID == "" {
			field.DocumentID = env.Documents[0].ID
		}
		if field.SignerID != "" {
			id, ok := signerIDs[field.SignerID]
			if !ok {
				return nil, nil, interfaces.NewValidationError("field", field.ID+".signer_id", fmt.Sprintf("signer %q is not part of the envelope", f.SignerID))
			}
			field.SignerID = id
		}
		fieldIDs[field.ID] = true
		env.Fields = append(env.Fields, &field)
	}

	if err := fields.ValidateDefinitions(env.Fields, docsByID, known); err != nil {
		return nil, nil, err
	}
	if err := routing.ValidateRules(env.RoutingRules, env.Signers, fieldIDs); err != nil {
		return nil, nil, err
	}
	return env, contents, nil
}

func newSigner(envelopeID string, index int, in SignerInput) (*interfaces.Signer, error) {
	entity := fmt.Sprintf("signers[%d]", index)
	if strings.TrimSpace(in.Name) == "" {
		return nil, interfaces.NewValidationError(entity, "name", "required")
	}
	if !strings.Contains(in.Email, "@") {
		return nil, interfaces.NewValidationError(entity, "email", "a valid email address is required")
	}
	if in.Order < 0 {
		return nil, interfaces.NewValidationError(entity, "order", "must not be negative")
	}

	s := &interfaces.Signer{
		ID:                 uuid.NewString(),
		EnvelopeID:         envelopeID,
		Name:               in.Name,
		Email:              in.Email,
		Phone:              in.Phone,
		Order:              in.Order,
		SigningGroup:       in.SigningGroup,
		Status:             interfaces.SignerPending,
		VerificationLevel:  in.VerificationLevel,
		VerificationMethod: in.VerificationMethod,
	}
	if s.Order == 0 {
		s.Order = index + 1
	}

	switch s.VerificationLevel {
	case "", interfaces.VerificationNone:
		s.VerificationLevel = interfaces.VerificationNone
		s.VerificationMethod = ""
	case interfaces.VerificationAES:
		switch s.VerificationMethod {
		case "":
			s.VerificationMethod = interfaces.MethodTwoFactor
		case interfaces.MethodTwoFactor, interfaces.MethodGovernmentID:
		default:
			return nil, interfaces.NewValidationError(entity, "verification_method", fmt.Sprintf("method %q is not supported for aes", in.VerificationMethod))
		}
		if s.VerificationMethod == interfaces.MethodTwoFactor && s.Phone == "" {
			return nil, interfaces.NewValidationError(entity, "phone", "required for two-factor verification")
		}
	case interfaces.VerificationQES:
		if s.VerificationMethod != "" && s.VerificationMethod != interfaces.MethodQES {
			return nil, interfaces.NewValidationError(entity, "verification_method", "qes level requires the qes method")
		}
		s.VerificationMethod = interfaces.MethodQES
	default:
		return nil, interfaces.NewValidationError(entity, "verification_level", fmt.Sprintf("unknown level %q", in.VerificationLevel))
	}
	return s, nil
}

// SendEnvelope moves a draft to sent and notifies the first wave.
func (o *Orchestrator) SendEnvelope(ctx context.Context, id string) (*interfaces.Envelope, error) {
	unlock := o.lock(id)
	defer unlock()

	env, err := o.deps.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status != interfaces.EnvelopeDraft {
		return nil, &interfaces.StateError{Entity: "envelope", ID: id, State: string(env.Status), Operation: "send", Reason: "only drafts can be sent"}
	}

	now := o.now().UTC()
	if env.ExpiresAt == nil {
		expires := now.Add(o.cfg.DefaultExpiry)
		env.ExpiresAt = &expires
	} else if !env.ExpiresAt.After(now) {
		return nil, &interfaces.StateError{Entity: "envelope", ID: id, State: string(env.Status), Operation: "send", Reason: "envelope expiry has passed"}
	}
	env.SentAt = &now
	o.transition(env, interfaces.EnvelopeSent)

	invites, err := o.invite(env, o.deps.Resolver.NextEligibleSigners(env))
	if err != nil {
		return nil, err
	}
	if err := o.persist(ctx, env); err != nil {
		return nil, err
	}

	o.record(ctx, audit.Entry{
		EnvelopeID: env.ID,
		Type:       interfaces.EventEnvelopeSent,
		Payload: map[string]any{
			"expires_at": env.ExpiresAt.Format(time.RFC3339),
			"first_wave": len(invites),
		},
	})
	o.deliver(ctx, env, invites)
	o.dispatch(ctx, interfaces.WorkflowEnvelopeSent, env, "", map[string]any{"subject": env.Subject})
	return env, nil
}

// VoidEnvelope cancels an envelope that has not reached a terminal state.
// Outstanding signing tokens are revoked.
func (o *Orchestrator) VoidEnvelope(ctx context.Context, id, reason string) (*interfaces.Envelope, error) {
	unlock := o.lock(id)
	defer unlock()

	env, err := o.deps.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch env.Status {
	case interfaces.EnvelopeDraft, interfaces.EnvelopeSent, interfaces.EnvelopeInProgress:
	default:
		return nil, &interfaces.StateError{Entity: "envelope", ID: id, State: string(env.Status), Operation: "void"}
	}

	now := o.now().UTC()
	env.VoidedAt = &now
	env.VoidReason = reason
	revokeTokens(env)
	o.transition(env, interfaces.EnvelopeVoided)
	if err := o.persist(ctx, env); err != nil {
		return nil, err
	}

	o.record(ctx, audit.Entry{
		EnvelopeID: env.ID,
		Type:       interfaces.EventEnvelopeVoided,
		Payload:    map[string]any{"reason": reason},
	})
	o.dispatch(ctx, interfaces.WorkflowEnvelopeVoided, env, "", map[string]any{"reason": reason})
	return env, nil
}

// CompleteEnvelope completes an active envelope whose signers are all
// terminal. Sealing and the certificate are best effort: their failures are
// reported in the result and the audit trail but do not prevent completion.
func (o *Orchestrator) CompleteEnvelope(ctx context.Context, id string) (*CompletionResult, error) {
	unlock := o.lock(id)
	defer unlock()

	env, err := o.deps.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !env.Status.Active() {
		return nil, &interfaces.StateError{Entity: "envelope", ID: id, State: string(env.Status), Operation: "complete"}
	}
	if !env.AllSignersTerminal() {
		return nil, &interfaces.StateError{Entity: "envelope", ID: id, State: string(env.Status), Operation: "complete", Reason: "signers are still pending"}
	}
	return o.complete(ctx, env)
}

// complete must be called with the envelope lock held.
func (o *Orchestrator) complete(ctx context.Context, env *interfaces.Envelope) (*CompletionResult, error) {
	start := time.Now()
	now := o.now().UTC()
	env.CompletedAt = &now
	revokeTokens(env)
	o.transition(env, interfaces.EnvelopeCompleted)

	result := &CompletionResult{Envelope: env}
	o.sealDocuments(ctx, env, result)
	o.generateCertificate(ctx, env, result)

	if err := o.persist(ctx, env); err != nil {
		return nil, err
	}

	o.record(ctx, audit.Entry{
		EnvelopeID: env.ID,
		Type:       interfaces.EventEnvelopeCompleted,
		Payload: map[string]any{
			"document_hash": result.DocumentHash,
			"sealed":        result.Sealed,
		},
	})
	o.dispatch(ctx, interfaces.WorkflowEnvelopeCompleted, env, "", map[string]any{
		"document_hash":   result.DocumentHash,
		"certificate_key": result.CertificateKey,
	})
	o.log.Info("Envelope completed",
		slog.String("envelope_id", env.ID),
		slog.Bool("sealed", result.Sealed),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (o *Orchestrator) sealDocuments(ctx context.Context, env *interfaces.Envelope, result *CompletionResult) {
	if o.deps.Sealer == nil {
		result.SealError = "no sealer configured"
		return
	}
	sealed, err := o.deps.Sealer.Seal(ctx, env)
	if err != nil {
		result.SealError = err.Error()
		metrics.BestEffortFailure("seal")
		o.log.Error("Document sealing failed", slog.String("envelope_id", env.ID), "err", err)
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			Type:       interfaces.EventDocumentSealFailed,
			Payload:    map[string]any{"error": err.Error()},
		})
		return
	}

	result.Sealed = true
	result.DocumentHash = sealed.DocumentHash
	for _, d := range sealed.Documents {
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			Type:       interfaces.EventDocumentSealed,
			Payload: map[string]any{
				"document_id": d.DocumentID,
				"sealed_hash": d.SealedHash,
			},
		})
	}
}

func (o *Orchestrator) generateCertificate(ctx context.Context, env *interfaces.Envelope, result *CompletionResult) {
	if o.deps.Sealer == nil {
		return
	}
	in := sealer.CertificateInput{Envelope: env, DocumentHash: result.DocumentHash}
	if o.deps.Ledger != nil {
		trail, err := o.deps.Ledger.ListForEnvelope(ctx, env.ID)
		if err != nil {
			o.log.Warn("Certificate without audit trail", slog.String("envelope_id", env.ID), "err", err)
		}
		in.AuditTrail = trail
		in.ChainValid = audit.Verify(env.ID, trail).Valid
	}
	if o.deps.Verifications != nil {
		for _, s := range env.Signers {
			vs, err := o.deps.Verifications.ListBySigner(ctx, s.ID)
			if err != nil {
				o.log.Warn("Certificate without verification evidence", slog.String("signer_id", s.ID), "err", err)
				continue
			}
			in.Verifications = append(in.Verifications, vs...)
		}
	}

	key, err := o.deps.Sealer.GenerateCertificate(ctx, in)
	if err != nil {
		result.CertificateError = err.Error()
		metrics.BestEffortFailure("certificate")
		o.log.Error("Certificate generation failed", slog.String("envelope_id", env.ID), "err", err)
		o.record(ctx, audit.Entry{
			EnvelopeID: env.ID,
			Type:       interfaces.EventCertificateFailed,
			Payload:    map[string]any{"error": err.Error()},
		})
		return
	}
	env.CertificateKey = key
	result.CertificateKey = key
	o.record(ctx, audit.Entry{
		EnvelopeID: env.ID,
		Type:       interfaces.EventCertificateGenerated,
		Payload:    map[string]any{"certificate_key": key},
	})
}

// GetEnvelope returns the envelope or interfaces.ErrEnvelopeNotFound.
func (o *Orchestrator) GetEnvelope(ctx context.Context, id string) (*interfaces.Envelope, error) {
	return o.deps.Repo.Get(ctx, id)
}

// ListEnvelopes returns a page of envelopes matching filter, newest first.
func (o *Orchestrator) ListEnvelopes(ctx context.Context, filter interfaces.EnvelopeFilter) (*EnvelopeList, error) {
	items, total, err := o.deps.Repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*interfaces.Envelope{}
	}
	return &EnvelopeList{Items: items, Total: total}, nil
}
