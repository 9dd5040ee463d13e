package handlers

import (
	"net/http"
	"net/url"

	"splitledger/internal/apperr"
	"splitledger/internal/services"
	"splitledger/internal/store"
	"splitledger/internal/validator"

	"github.com/go-chi/chi/v5"
)

func settlementIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if err := validator.ValidateID(id); err != nil {
		return "", apperr.Validation("invalid settlement id", "id must be a UUID")
	}
	return id, nil
}

// parseHistoryFilter collects every problem with the query instead of
// stopping at the first one.
func parseHistoryFilter(query url.Values) (store.HistoryFilter, []string) {
	var (
		filter     store.HistoryFilter
		violations []string
		err        error
	)
	if filter.From, err = validator.ParseDate(query.Get("date_from"), false); err != nil {
		violations = append(violations, "date_from must be a date or RFC 3339 timestamp")
	}
	if filter.To, err = validator.ParseDate(query.Get("date_to"), true); err != nil {
		violations = append(violations, "date_to must be a date or RFC 3339 timestamp")
	}
	if filter.MinAmount, err = validator.ParseAmount(query.Get("min_amount")); err != nil {
		violations = append(violations, "min_amount must be a non-negative amount")
	}
	if filter.MaxAmount, err = validator.ParseAmount(query.Get("max_amount")); err != nil {
		violations = append(violations, "max_amount must be a non-negative amount")
	}
	if filter.Statuses, err = validator.ParseStatuses(query.Get("status")); err != nil {
		violations = append(violations, "status must list active, settled or obsolete")
	}
	filter.MemberID = query.Get("member_id")
	filter.SettledBy = query.Get("settled_by")
	return filter, violations
}

func parseHistoryQuery(query url.Values) (services.HistoryQuery, error) {
	filter, violations := parseHistoryFilter(query)
	page, err := validator.ParsePositiveInt(query.Get("page"), 1)
	if err != nil {
		violations = append(violations, "page must be a positive integer")
	}
	limit, err := validator.ParsePositiveInt(query.Get("limit"), services.DefaultHistoryLimit)
	if err != nil {
		violations = append(violations, "limit must be a positive integer")
	}
	if len(violations) > 0 {
		return services.HistoryQuery{}, apperr.Validation("invalid history query", violations...)
	}
	return services.HistoryQuery{
		Filter: filter,
		Sort:   store.HistorySort{Field: query.Get("sort_by"), Order: query.Get("sort_order")},
		Page:   page,
		Limit:  limit,
	}, nil
}

func parseExportFilter(query url.Values) (store.HistoryFilter, error) {
	filter, violations := parseHistoryFilter(query)
	if len(violations) > 0 {
		return store.HistoryFilter{}, apperr.Validation("invalid export query", violations...)
	}
	return filter, nil
}
