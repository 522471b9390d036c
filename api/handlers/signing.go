package handlers

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/signing-ceremony-backend/api"
	"github.com/ruteri/signing-ceremony-backend/orchestrator"
)

// signerRef fills the token from the header when the body carries none.
func signerRef(r *http.Request, ref orchestrator.SignerRef) orchestrator.SignerRef {
	if ref.Token == "" {
		ref.Token = r.Header.Get(api.SigningTokenHeader)
	}
	return ref
}

// actor fills network evidence the client did not provide from the request.
func actor(r *http.Request, a orchestrator.Actor) orchestrator.Actor {
	if a.IPAddress == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			a.IPAddress = host
		} else {
			a.IPAddress = r.RemoteAddr
		}
	}
	if a.UserAgent == "" {
		a.UserAgent = r.UserAgent()
	}
	return a
}

// HandleSignerAction records a sign or decline.
//
// POST /api/v1/signing/actions with an orchestrator.SignerActionInput body.
// The token is consumed whether the action signs or declines.
func (h *Handler) HandleSignerAction(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.SignerActionInput
	if err := readJSON(w, r, &in); err != nil {
		h.badRequest(w, r, err)
		return
	}
	in.SignerRef = signerRef(r, in.SignerRef)
	in.Actor = actor(r, in.Actor)

	result, err := h.engine.SubmitSignerAction(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := *result
	out.Envelope = redact(result.Envelope)
	out.Completed = redactCompletion(result.Completed)
	writeJSON(w, http.StatusOK, &out)
}

// HandleDelegate hands the signer's place to another person, who receives
// a fresh token.
func (h *Handler) HandleDelegate(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.DelegationInput
	if err := readJSON(w, r, &in); err != nil {
		h.badRequest(w, r, err)
		return
	}
	in.SignerRef = signerRef(r, in.SignerRef)
	in.Actor = actor(r, in.Actor)

	env, err := h.engine.DelegateSigner(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(env))
}

func (h *Handler) readVerification(w http.ResponseWriter, r *http.Request) (api.VerificationRequest, bool) {
	var req api.VerificationRequest
	if err := readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return req, false
	}
	req.SignerRef = signerRef(r, req.SignerRef)
	return req, true
}

// HandleStartVerification opens the identity ceremony for the signer's
// verification method and returns the session.
func (h *Handler) HandleStartVerification(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readVerification(w, r)
	if !ok {
		return
	}
	sess, err := h.engine.StartVerification(r.Context(), req.SignerRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// HandleCompleteTwoFactor checks both codes. Rejected codes are a 200 with
// verified=false and per-channel errors.
func (h *Handler) HandleCompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readVerification(w, r)
	if !ok {
		return
	}
	result, err := h.engine.CompleteTwoFactor(r.Context(), req.SignerRef, chi.URLParam(r, "session_id"), req.EmailCode, req.SMSCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleResendCodes(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readVerification(w, r)
	if !ok {
		return
	}
	sess, err := h.engine.ResendCodes(r.Context(), req.SignerRef, chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleCheckVerification(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readVerification(w, r)
	if !ok {
		return
	}
	sess, err := h.engine.CheckVerification(r.Context(), req.SignerRef, chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleSignQualified makes the qualified signature over the envelope's
// documents. The signer then submits the sign action as usual.
func (h *Handler) HandleSignQualified(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readVerification(w, r)
	if !ok {
		return
	}
	sess, err := h.engine.SignQualified(r.Context(), req.SignerRef, chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
