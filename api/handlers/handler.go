package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/signing-ceremony-backend/api"
	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/fields"
	"github.com/ruteri/signing-ceremony-backend/identity"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/orchestrator"
)

// Engine is the envelope workflow the handlers expose.
// *orchestrator.Orchestrator implements it.
type Engine interface {
	CreateEnvelope(ctx context.Context, in orchestrator.CreateEnvelopeInput) (*interfaces.Envelope, error)
	SendEnvelope(ctx context.Context, id string) (*interfaces.Envelope, error)
	VoidEnvelope(ctx context.Context, id, reason string) (*interfaces.Envelope, error)
	CompleteEnvelope(ctx context.Context, id string) (*orchestrator.CompletionResult, error)
	GetEnvelope(ctx context.Context, id string) (*interfaces.Envelope, error)
	ListEnvelopes(ctx context.Context, filter interfaces.EnvelopeFilter) (*orchestrator.EnvelopeList, error)
	ResolveFields(ctx context.Context, envelopeID string, values map[string]string) ([]fields.ResolvedField, error)

	SubmitSignerAction(ctx context.Context, in orchestrator.SignerActionInput) (*orchestrator.SignerActionResult, error)
	DelegateSigner(ctx context.Context, in orchestrator.DelegationInput) (*interfaces.Envelope, error)

	StartVerification(ctx context.Context, ref orchestrator.SignerRef) (*identity.Session, error)
	CompleteTwoFactor(ctx context.Context, ref orchestrator.SignerRef, sessionID, emailCode, smsCode string) (*identity.TwoFactorResult, error)
	ResendCodes(ctx context.Context, ref orchestrator.SignerRef, sessionID string) (*identity.Session, error)
	CheckVerification(ctx context.Context, ref orchestrator.SignerRef, sessionID string) (*identity.Session, error)
	SignQualified(ctx context.Context, ref orchestrator.SignerRef, sessionID string) (*identity.Session, error)

	AuditTrail(ctx context.Context, envelopeID string) ([]*interfaces.AuditEvent, error)
	VerifyAuditTrail(ctx context.Context, envelopeID string) (*audit.ChainReport, error)
	AnonymizeSigner(ctx context.Context, signerID string) (int, error)
}

// Handler serves the envelope API.
//
// Sender routes are under /api/v1/envelopes. Signer routes are under
// /api/v1/signing and authenticate with the signer's token, taken from the
// body or the X-Signing-Token header.
type Handler struct {
	engine Engine
	log    *slog.Logger
}

func NewHandler(engine Engine, log *slog.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/envelopes", func(r chi.Router) {
			r.Post("/", h.HandleCreateEnvelope)
			r.Get("/", h.HandleListEnvelopes)
			r.Get("/{envelope_id}", h.HandleGetEnvelope)
			r.Post("/{envelope_id}/send", h.HandleSendEnvelope)
			r.Post("/{envelope_id}/void", h.HandleVoidEnvelope)
			r.Post("/{envelope_id}/complete", h.HandleCompleteEnvelope)
			r.Post("/{envelope_id}/fields/resolve", h.HandleResolveFields)
			r.Get("/{envelope_id}/audit", h.HandleAuditTrail)
			r.Get("/{envelope_id}/audit/verify", h.HandleVerifyAuditTrail)
		})

		r.Route("/signing", func(r chi.Router) {
			r.Post("/actions", h.HandleSignerAction)
			r.Post("/delegate", h.HandleDelegate)
			r.Post("/verification", h.HandleStartVerification)
			r.Post("/verification/{session_id}/two-factor", h.HandleCompleteTwoFactor)
			r.Post("/verification/{session_id}/resend", h.HandleResendCodes)
			r.Post("/verification/{session_id}/check", h.HandleCheckVerification)
			r.Post("/verification/{session_id}/sign", h.HandleSignQualified)
		})

		r.Post("/signers/{signer_id}/anonymize", h.HandleAnonymizeSigner)
	})
}

// HandleCreateEnvelope creates a draft envelope.
//
// POST /api/v1/envelopes with an orchestrator.CreateEnvelopeInput body.
// Document content is base64 in JSON.
func (h *Handler) HandleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.CreateEnvelopeInput
	if err := readJSON(w, r, &in); err != nil {
		h.badRequest(w, r, err)
		return
	}

	env, err := h.engine.CreateEnvelope(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, redact(env))
}

// HandleListEnvelopes lists envelopes newest first.
//
// GET /api/v1/envelopes?tenant_id=&status=&limit=&offset=
func (h *Handler) HandleListEnvelopes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := interfaces.EnvelopeFilter{
		TenantID: q.Get("tenant_id"),
		Status:   interfaces.EnvelopeStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.badRequest(w, r, fmt.Errorf("invalid limit: %w", err))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.badRequest(w, r, fmt.Errorf("invalid offset: %w", err))
		return
	}

	list, err := h.engine.ListEnvelopes(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]*interfaces.Envelope, len(list.Items))
	for i, env := range list.Items {
		items[i] = redact(env)
	}
	writeJSON(w, http.StatusOK, orchestrator.EnvelopeList{Items: items, Total: list.Total})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func (h *Handler) HandleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.engine.GetEnvelope(r.Context(), chi.URLParam(r, "envelope_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(env))
}

func (h *Handler) HandleSendEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.engine.SendEnvelope(r.Context(), chi.URLParam(r, "envelope_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(env))
}

// HandleVoidEnvelope voids an envelope. Body: {"reason": "..."}.
func (h *Handler) HandleVoidEnvelope(w http.ResponseWriter, r *http.Request) {
	var req api.VoidRequest
	if err := readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	env, err := h.engine.VoidEnvelope(r.Context(), chi.URLParam(r, "envelope_id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(env))
}

// HandleCompleteEnvelope completes an envelope whose signers are all
// terminal. Seal and certificate failures are reported in the body, not as
// an error status.
func (h *Handler) HandleCompleteEnvelope(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.CompleteEnvelope(r.Context(), chi.URLParam(r, "envelope_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redactCompletion(result))
}

// HandleResolveFields evaluates visibility, requiredness and calculated
// values for a candidate set of field values without storing them.
func (h *Handler) HandleResolveFields(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveFieldsRequest
	if err := readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	resolved, err := h.engine.ResolveFields(r.Context(), chi.URLParam(r, "envelope_id"), req.Values)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ResolveFieldsResponse{Fields: resolved})
}

func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	envelopeID := chi.URLParam(r, "envelope_id")
	events, err := h.engine.AuditTrail(r.Context(), envelopeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*interfaces.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, api.AuditTrailResponse{EnvelopeID: envelopeID, Events: events})
}

// HandleVerifyAuditTrail replays the envelope's hash chain. A broken chain
// is a successful response with valid=false.
func (h *Handler) HandleVerifyAuditTrail(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.VerifyAuditTrail(r.Context(), chi.URLParam(r, "envelope_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleAnonymizeSigner(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signer_id")
	n, err := h.engine.AnonymizeSigner(r.Context(), signerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("Signer data anonymized", slog.String("signer_id", signerID), slog.Int("events", n))
	writeJSON(w, http.StatusOK, api.AnonymizeResponse{SignerID: signerID, Events: n})
}

// redact strips token hashes from an envelope before it leaves the process.
func redact(env *interfaces.Envelope) *interfaces.Envelope {
	if env == nil {
		return nil
	}
	out := env.Clone()
	for _, s := range out.Signers {
		s.TokenHash = ""
	}
	return out
}

func redactCompletion(c *orchestrator.CompletionResult) *orchestrator.CompletionResult {
	if c == nil {
		return nil
	}
	out := *c
	out.Envelope = redact(c.Envelope)
	return &out
}
