package handlers

import (
	"net/http"

	"splitledger/internal/apperr"
	"splitledger/internal/middleware"
	"splitledger/internal/services"
	"splitledger/internal/validator"
)

type batchRequest struct {
	SettlementIDs []string `json:"settlement_ids"`
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, err := settlementIDParam(r)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	view, err := h.settlements.GetSettlement(r.Context(), id, userID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) SettlementAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, err := settlementIDParam(r)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	trail, err := h.settlements.GetAuditTrail(r.Context(), id, userID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, trail)
}

func (h *Handler) ProcessSettlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, err := settlementIDParam(r)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	result, err := h.processor.ProcessSettlement(r.Context(), id, userID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"settlement": result.Settlement,
		"expense":    result.Expense,
	})
}

// PreviewSettlement always answers 200; a blocked settlement reports why.
func (h *Handler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, err := settlementIDParam(r)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.processor.GetProcessingPreview(r.Context(), id, userID))
}

func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apperr.KindValidation.Code(), "invalid request body")
		return
	}
	if len(req.SettlementIDs) == 0 || len(req.SettlementIDs) > services.MaxBatchSize {
		h.respondAppError(w, r, apperr.Validation("invalid batch", "settlement_ids must contain between 1 and 50 ids"))
		return
	}
	var violations []string
	for _, id := range req.SettlementIDs {
		if err := validator.ValidateID(id); err != nil {
			violations = append(violations, "settlement id "+id+" is not a UUID")
		}
	}
	if len(violations) > 0 {
		h.respondAppError(w, r, apperr.Validation("invalid batch", violations...))
		return
	}
	result, err := h.processor.ProcessMultiple(r.Context(), req.SettlementIDs, userID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
