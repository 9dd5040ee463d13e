package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"splitledger/internal/apperr"
)

const codeInternal = "INTERNAL_ERROR"

type errorBody struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Violations []string       `json:"violations,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, violations ...string) {
	respondJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Violations: violations},
	})
}

// respondAppError maps a service error onto the transport. Untyped errors
// never leak their message.
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		h.logger.Error("unhandled error", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}

	status := appErr.Kind.HTTPStatus()
	body := errorBody{Code: appErr.Code(), Message: appErr.Message, Violations: appErr.Violations}
	switch appErr.Kind {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindPermission, apperr.KindState:
		body.Details = appErr.Details
	case apperr.KindConcurrency, apperr.KindDataIntegrity, apperr.KindTimeout:
		h.logger.Warn("request failed", "path", r.URL.Path, "code", body.Code, "error", err)
	case apperr.KindCalculation, apperr.KindProcessing, apperr.KindDataAccess:
		h.logger.Error("request failed", "path", r.URL.Path, "code", body.Code, "error", err)
	default:
		h.logger.Error("request failed with unknown error kind", "path", r.URL.Path, "error", err)
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, map[string]errorBody{"error": body})
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
