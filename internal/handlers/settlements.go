package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"splitledger/internal/apperr"
	"splitledger/internal/middleware"
	"splitledger/internal/scheduler"
	"splitledger/internal/services"
	"splitledger/internal/validator"

	"github.com/go-chi/chi/v5"
)

const maxTriggerDelay = 5 * time.Minute

type recalculateRequest struct {
	CleanupObsoleteAfterDays int    `json:"cleanup_obsolete_after_days"`
	Reason                   string `json:"reason"`
}

type triggerRequest struct {
	Reason    string `json:"reason"`
	Immediate bool   `json:"immediate"`
	DelayMS   int64  `json:"delay_ms"`
}

func (h *Handler) ListActiveSettlements(w http.ResponseWriter, r *http.Request) {
	result, err := h.settlements.GetActiveSettlements(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) CalculateSettlements(w http.ResponseWriter, r *http.Request) {
	result, err := h.settlements.CalculateOptimalSettlements(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) RecalculateSettlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req recalculateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apperr.KindValidation.Code(), "invalid request body")
		return
	}
	if req.CleanupObsoleteAfterDays < 0 {
		h.respondAppError(w, r, apperr.Validation("invalid request", "cleanup_obsolete_after_days must not be negative"))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := validator.ValidateReason(req.Reason); err != nil {
		h.respondAppError(w, r, apperr.Validation("invalid request", "reason must be 1-64 lowercase characters"))
		return
	}
	result, err := h.settlements.RecalculateSettlements(r.Context(), chi.URLParam(r, "groupID"), services.RecalculateOptions{
		CleanupObsoleteAfterDays: req.CleanupObsoleteAfterDays,
		Reason:                   req.Reason,
		ActorID:                  userID,
	})
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// TriggerRecalculation is the hook ledger writers call after mutating a group.
func (h *Handler) TriggerRecalculation(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apperr.KindValidation.Code(), "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "ledger_changed"
	}
	var violations []string
	if err := validator.ValidateReason(req.Reason); err != nil {
		violations = append(violations, "reason must be 1-64 lowercase characters")
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if delay < 0 || delay > maxTriggerDelay {
		violations = append(violations, "delay_ms must be between 0 and 300000")
	}
	if len(violations) > 0 {
		h.respondAppError(w, r, apperr.Validation("invalid trigger", violations...))
		return
	}

	groupID := chi.URLParam(r, "groupID")
	var err error
	if req.Immediate {
		err = h.scheduler.Force(r.Context(), groupID, req.Reason)
	} else {
		err = h.scheduler.Trigger(r.Context(), groupID, req.Reason, scheduler.TriggerOptions{Delay: delay})
	}
	if err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			respondError(w, http.StatusServiceUnavailable, "SCHEDULER_STOPPED", "recalculation scheduler is shutting down")
			return
		}
		h.respondAppError(w, r, err)
		return
	}
	if req.Immediate {
		respondJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "status": "completed"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"group_id": groupID, "status": "scheduled"})
}

// CancelRecalculation drops the group's pending debounced recalculation.
func (h *Handler) CancelRecalculation(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	respondJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "cancelled": h.scheduler.Cancel(groupID)})
}

func (h *Handler) SettlementHistory(w http.ResponseWriter, r *http.Request) {
	query, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	result, err := h.settlements.GetSettlementHistory(r.Context(), chi.URLParam(r, "groupID"), query)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) SettlementAnalytics(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var violations []string
	from, err := validator.ParseDate(query.Get("date_from"), false)
	if err != nil {
		violations = append(violations, "date_from must be a date or RFC 3339 timestamp")
	}
	to, err := validator.ParseDate(query.Get("date_to"), true)
	if err != nil {
		violations = append(violations, "date_to must be a date or RFC 3339 timestamp")
	}
	if len(violations) > 0 {
		h.respondAppError(w, r, apperr.Validation("invalid analytics query", violations...))
		return
	}
	result, err := h.settlements.GetSettlementAnalytics(r.Context(), chi.URLParam(r, "groupID"), from, to)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) ExportSettlements(w http.ResponseWriter, r *http.Request) {
	filter, err := parseExportFilter(r.URL.Query())
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	groupID := chi.URLParam(r, "groupID")
	body, err := h.settlements.ExportHistory(r.Context(), groupID, filter)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="settlements-%s.csv"`, groupID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) SettlementStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.processor.GetStatistics(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) SettlementSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.settlements.GetSummary(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) CleanupObsolete(w http.ResponseWriter, r *http.Request) {
	days, err := validator.ParsePositiveInt(r.URL.Query().Get("older_than_days"), h.cfg.Retention.ObsoleteDays)
	if err != nil {
		h.respondAppError(w, r, apperr.Validation("invalid cleanup request", "older_than_days must be a positive integer"))
		return
	}
	groupID := chi.URLParam(r, "groupID")
	deleted, err := h.settlements.CleanupObsolete(r.Context(), groupID, days)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"group_id":        groupID,
		"older_than_days": days,
		"deleted":         deleted,
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.scheduler.Stats()
	pending := h.scheduler.Pending()
	groups := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		groups = append(groups, map[string]any{
			"group_id":     p.GroupID,
			"reason":       p.Reason,
			"delay_ms":     p.Delay.Milliseconds(),
			"scheduled_at": p.ScheduledAt,
			"run_at":       p.RunAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pending":    stats.Pending,
		"delay_ms":   stats.Delay.Milliseconds(),
		"timeout_ms": stats.Timeout.Milliseconds(),
		"triggered":  stats.Triggered,
		"executed":   stats.Executed,
		"failed":     stats.Failed,
		"superseded": stats.Superseded,
		"groups":     groups,
	})
}
