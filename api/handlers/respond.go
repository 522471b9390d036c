package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/ruteri/signing-ceremony-backend/api"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

const maxBodyBytes = 64 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into dst, rejecting unknown fields.
// An empty body leaves dst untouched.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
		RequestID: requestID(r),
		Error:     api.ErrorDetail{Code: api.CodeBadRequest, Message: err.Error()},
	})
}

// writeError maps engine errors onto HTTP statuses. Unexpected errors are
// logged and their text is not returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)
	reqID := requestID(r)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error("Request failed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			"err", err)
	}
	writeJSON(w, status, api.ErrorResponse{RequestID: reqID, Error: detail})
}

func classify(err error) (int, api.ErrorDetail) {
	var validation *interfaces.ValidationError
	var state *interfaces.StateError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, api.ErrorDetail{
			Code:    api.CodeValidationFailed,
			Message: err.Error(),
			Details: map[string]any{"entity": validation.Entity, "field": validation.Field, "reason": validation.Reason},
		}
	case errors.As(err, &state):
		return http.StatusConflict, api.ErrorDetail{
			Code:    api.CodeInvalidState,
			Message: err.Error(),
			Details: map[string]any{"entity": state.Entity, "id": state.ID, "state": state.State, "operation": state.Operation},
		}
	case errors.Is(err, interfaces.ErrEnvelopeNotFound),
		errors.Is(err, interfaces.ErrSignerNotFound),
		errors.Is(err, interfaces.ErrSessionNotFound),
		errors.Is(err, interfaces.ErrVerificationNotFound),
		errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound, api.ErrorDetail{Code: api.CodeNotFound, Message: err.Error()}
	case errors.Is(err, interfaces.ErrInvalidToken):
		return http.StatusForbidden, api.ErrorDetail{Code: api.CodeInvalidToken, Message: err.Error()}
	case errors.Is(err, interfaces.ErrIdentityRequired):
		return http.StatusForbidden, api.ErrorDetail{Code: api.CodeIdentityRequired, Message: err.Error()}
	case errors.Is(err, interfaces.ErrSessionExpired):
		return http.StatusGone, api.ErrorDetail{Code: api.CodeSessionExpired, Message: err.Error()}
	case errors.Is(err, interfaces.ErrConcurrentModification):
		return http.StatusConflict, api.ErrorDetail{Code: api.CodeConflict, Message: err.Error()}
	case errors.Is(err, interfaces.ErrProviderUnavailable),
		errors.Is(err, interfaces.ErrNoProviderConfigured),
		errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, api.ErrorDetail{Code: api.CodeProviderUnavailable, Message: err.Error()}
	default:
		return http.StatusInternalServerError, api.ErrorDetail{Code: api.CodeInternal, Message: "internal error"}
	}
}
