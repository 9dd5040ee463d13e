package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"sort"
	"time"

	"splitledger/internal/apperr"
	"splitledger/internal/models"
	"splitledger/internal/money"
	"splitledger/internal/store"

	"github.com/shopspring/decimal"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
	auditTrailLimit     = 100
)

var historySortFields = map[string]struct{}{
	"settled_at": {},
	"created_at": {},
	"amount":     {},
}

var exportHeader = []string{
	"Settlement ID", "From Member", "To Member", "Amount", "Currency", "Status",
	"Created At", "Settled At", "Settled By", "Related Expense", "Processing Time (hours)",
}

type HistoryQuery struct {
	Filter store.HistoryFilter
	Sort   store.HistorySort
	Page   int
	Limit  int
}

type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

type AppliedFilters struct {
	From      *time.Time                `json:"from,omitempty"`
	To        *time.Time                `json:"to,omitempty"`
	MemberID  string                    `json:"member_id,omitempty"`
	SettledBy string                    `json:"settled_by,omitempty"`
	MinAmount *decimal.Decimal          `json:"min_amount,omitempty"`
	MaxAmount *decimal.Decimal          `json:"max_amount,omitempty"`
	Statuses  []models.SettlementStatus `json:"statuses"`
}

type HistoryResult struct {
	Settlements []models.SettlementView `json:"settlements"`
	Pagination  Pagination              `json:"pagination"`
	Filters     AppliedFilters          `json:"filters"`
	Sorting     store.HistorySort       `json:"sorting"`
}

// normalize fills defaults and rejects filters that cannot match anything.
func (q HistoryQuery) normalize() (HistoryQuery, error) {
	var violations []string
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Sort.Field == "" {
		q.Sort.Field = "settled_at"
	}
	if _, ok := historySortFields[q.Sort.Field]; !ok {
		violations = append(violations, "sort_by must be one of settled_at, created_at, amount")
	}
	switch q.Sort.Order {
	case "":
		q.Sort.Order = "desc"
	case "asc", "desc":
	default:
		violations = append(violations, "sort_order must be asc or desc")
	}
	if len(q.Filter.Statuses) == 0 {
		q.Filter.Statuses = []models.SettlementStatus{models.SettlementSettled}
	}
	for _, status := range q.Filter.Statuses {
		if !status.Valid() {
			violations = append(violations, "unknown status "+string(status))
		}
	}
	if q.Filter.From != nil && q.Filter.To != nil && q.Filter.From.After(*q.Filter.To) {
		violations = append(violations, "date_from must not be after date_to")
	}
	if q.Filter.MinAmount != nil && q.Filter.MaxAmount != nil && q.Filter.MinAmount.GreaterThan(*q.Filter.MaxAmount) {
		violations = append(violations, "min_amount must not exceed max_amount")
	}
	if len(violations) > 0 {
		return q, apperr.Validation("invalid history query", violations...)
	}
	return q, nil
}

func (s *SettlementService) GetSettlementHistory(ctx context.Context, groupID string, query HistoryQuery) (HistoryResult, error) {
	query, err := query.normalize()
	if err != nil {
		return HistoryResult{}, err
	}
	total, err := s.settlements.CountHistory(ctx, groupID, query.Filter)
	if err != nil {
		return HistoryResult{}, apperr.FromStorage(err, dataAccess("count settlement history"))
	}
	rows, err := s.settlements.ListHistory(ctx, groupID, query.Filter, query.Sort, store.Page{
		Limit:  query.Limit,
		Offset: (query.Page - 1) * query.Limit,
	})
	if err != nil {
		return HistoryResult{}, apperr.FromStorage(err, dataAccess("list settlement history"))
	}
	if rows == nil {
		rows = []models.SettlementView{}
	}
	totalPages := (total + query.Limit - 1) / query.Limit
	return HistoryResult{
		Settlements: rows,
		Pagination: Pagination{
			Page:       query.Page,
			Limit:      query.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    query.Page < totalPages,
			HasPrev:    query.Page > 1,
		},
		Filters: AppliedFilters{
			From:      query.Filter.From,
			To:        query.Filter.To,
			MemberID:  query.Filter.MemberID,
			SettledBy: query.Filter.SettledBy,
			MinAmount: query.Filter.MinAmount,
			MaxAmount: query.Filter.MaxAmount,
			Statuses:  query.Filter.Statuses,
		},
		Sorting: query.Sort,
	}, nil
}

type AnalyticsOverview struct {
	TotalSettlements       int             `json:"total_settlements"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	AverageAmount          decimal.Decimal `json:"average_amount"`
	LargestAmount          decimal.Decimal `json:"largest_amount"`
	AverageProcessingHours decimal.Decimal `json:"average_processing_hours"`
	ActiveSettlements      int             `json:"active_settlements"`
	OutstandingAmount      decimal.Decimal `json:"outstanding_amount"`
}

type MemberAnalytics struct {
	MemberID      string          `json:"member_id"`
	DisplayName   string          `json:"display_name"`
	PaidCount     int             `json:"paid_count"`
	PaidTotal     decimal.Decimal `json:"paid_total"`
	ReceivedCount int             `json:"received_count"`
	ReceivedTotal decimal.Decimal `json:"received_total"`
	NetSettled    decimal.Decimal `json:"net_settled"`
}

type DailyAnalytics struct {
	Date        string          `json:"date"`
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type Analytics struct {
	Overview        AnalyticsOverview `json:"overview"`
	MemberAnalytics []MemberAnalytics `json:"member_analytics"`
	TimeAnalytics   []DailyAnalytics  `json:"time_analytics"`
}

// GetSettlementAnalytics aggregates settled history within the optional range.
func (s *SettlementService) GetSettlementAnalytics(ctx context.Context, groupID string, from, to *time.Time) (Analytics, error) {
	if from != nil && to != nil && from.After(*to) {
		return Analytics{}, apperr.Validation("invalid date range", "date_from must not be after date_to")
	}
	filter := store.HistoryFilter{From: from, To: to, Statuses: []models.SettlementStatus{models.SettlementSettled}}
	settled, err := s.settlements.ListHistory(ctx, groupID, filter, store.HistorySort{Field: "settled_at", Order: "asc"}, store.Page{})
	if err != nil {
		return Analytics{}, apperr.FromStorage(err, dataAccess("load settlement analytics"))
	}
	active, err := s.settlements.ListActive(ctx, s.reader, groupID)
	if err != nil {
		return Analytics{}, apperr.FromStorage(err, dataAccess("load active settlements"))
	}

	overview := AnalyticsOverview{
		TotalSettlements:       len(settled),
		TotalAmount:            decimal.Zero,
		AverageAmount:          decimal.Zero,
		LargestAmount:          decimal.Zero,
		AverageProcessingHours: decimal.Zero,
		ActiveSettlements:      len(active),
		OutstandingAmount:      decimal.Zero,
	}
	for _, row := range active {
		overview.OutstandingAmount = overview.OutstandingAmount.Add(row.Amount)
	}

	members := make(map[string]*MemberAnalytics)
	member := func(id, name string) *MemberAnalytics {
		m, ok := members[id]
		if !ok {
			m = &MemberAnalytics{MemberID: id, DisplayName: name, PaidTotal: decimal.Zero, ReceivedTotal: decimal.Zero}
			members[id] = m
		}
		return m
	}
	days := make(map[string]*DailyAnalytics)
	var processing time.Duration
	var processed int

	for _, row := range settled {
		overview.TotalAmount = overview.TotalAmount.Add(row.Amount)
		if row.Amount.GreaterThan(overview.LargestAmount) {
			overview.LargestAmount = row.Amount
		}
		payer := member(row.FromMemberID, row.FromName)
		payer.PaidCount++
		payer.PaidTotal = payer.PaidTotal.Add(row.Amount)
		receiver := member(row.ToMemberID, row.ToName)
		receiver.ReceivedCount++
		receiver.ReceivedTotal = receiver.ReceivedTotal.Add(row.Amount)

		if row.SettledAt == nil {
			continue
		}
		processing += row.SettledAt.Sub(row.CreatedAt)
		processed++
		key := row.SettledAt.UTC().Format(time.DateOnly)
		day, ok := days[key]
		if !ok {
			day = &DailyAnalytics{Date: key, TotalAmount: decimal.Zero}
			days[key] = day
		}
		day.Count++
		day.TotalAmount = day.TotalAmount.Add(row.Amount)
	}
	if len(settled) > 0 {
		overview.AverageAmount = money.Round(overview.TotalAmount.Div(decimal.NewFromInt(int64(len(settled)))))
	}
	if processed > 0 {
		overview.AverageProcessingHours = money.Hours(processing / time.Duration(processed))
	}

	memberRows := make([]MemberAnalytics, 0, len(members))
	for _, m := range members {
		m.NetSettled = m.PaidTotal.Sub(m.ReceivedTotal)
		memberRows = append(memberRows, *m)
	}
	sort.Slice(memberRows, func(i, j int) bool { return memberRows[i].MemberID < memberRows[j].MemberID })

	dayRows := make([]DailyAnalytics, 0, len(days))
	for _, d := range days {
		dayRows = append(dayRows, *d)
	}
	sort.Slice(dayRows, func(i, j int) bool { return dayRows[i].Date < dayRows[j].Date })

	return Analytics{Overview: overview, MemberAnalytics: memberRows, TimeAnalytics: dayRows}, nil
}

type AuditMetadata struct {
	AuditEvents         []models.AuditLog `json:"audit_events"`
	BatchSize           int               `json:"batch_size"`
	ProcessingTimeHours *decimal.Decimal  `json:"processing_time_hours,omitempty"`
}

type AuditTrail struct {
	Settlement       models.SettlementView   `json:"settlement"`
	RelatedExpense   *models.Expense         `json:"related_expense,omitempty"`
	CalculationBatch []models.SettlementView `json:"calculation_batch"`
	Metadata         AuditMetadata           `json:"metadata"`
}

func (s *SettlementService) GetAuditTrail(ctx context.Context, settlementID, userID string) (AuditTrail, error) {
	view, err := s.GetSettlement(ctx, settlementID, userID)
	if err != nil {
		return AuditTrail{}, err
	}
	trail := AuditTrail{Settlement: view}

	if view.CreatedExpenseID != nil {
		expense, err := s.ledger.GetExpense(ctx, s.reader, *view.CreatedExpenseID)
		switch {
		case err == nil:
			trail.RelatedExpense = &expense
		case errors.Is(err, sql.ErrNoRows):
			s.logger.Warn("settlement expense missing", "settlement_id", settlementID, "expense_id", *view.CreatedExpenseID)
		default:
			return AuditTrail{}, apperr.FromStorage(err, dataAccess("load settlement expense"))
		}
	}

	batch, err := s.settlements.ListBatch(ctx, view.GroupID, view.CalculationTimestamp)
	if err != nil {
		return AuditTrail{}, apperr.FromStorage(err, dataAccess("load calculation batch"))
	}
	if batch == nil {
		batch = []models.SettlementView{}
	}
	trail.CalculationBatch = batch

	events, err := s.audit.ListByEntity(ctx, auditEntitySettlement, settlementID, auditTrailLimit)
	if err != nil {
		return AuditTrail{}, apperr.FromStorage(err, dataAccess("load audit events"))
	}
	if events == nil {
		events = []models.AuditLog{}
	}
	trail.Metadata = AuditMetadata{AuditEvents: events, BatchSize: len(batch)}
	if view.SettledAt != nil {
		hours := money.Hours(view.SettledAt.Sub(view.CreatedAt))
		trail.Metadata.ProcessingTimeHours = &hours
	}
	return trail, nil
}

// ExportHistory renders every history row matching the filter as CSV.
func (s *SettlementService) ExportHistory(ctx context.Context, groupID string, filter store.HistoryFilter) ([]byte, error) {
	query, err := HistoryQuery{Filter: filter}.normalize()
	if err != nil {
		return nil, err
	}
	rows, err := s.settlements.ListHistory(ctx, groupID, query.Filter, query.Sort, store.Page{})
	if err != nil {
		return nil, apperr.FromStorage(err, dataAccess("export settlement history"))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, apperr.Processing("write export header", err)
	}
	for _, row := range rows {
		if err := w.Write(exportRecord(row)); err != nil {
			return nil, apperr.Processing("write export row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperr.Processing("flush export", err)
	}
	return buf.Bytes(), nil
}

func exportRecord(row models.SettlementView) []string {
	settledAt, settledBy, expense, hours := "", "", "", ""
	if row.SettledAt != nil {
		settledAt = row.SettledAt.UTC().Format(time.RFC3339)
		hours = money.Hours(row.SettledAt.Sub(row.CreatedAt)).StringFixed(2)
	}
	switch {
	case row.SettledByName != nil:
		settledBy = *row.SettledByName
	case row.SettledBy != nil:
		settledBy = *row.SettledBy
	}
	if row.CreatedExpenseID != nil {
		expense = *row.CreatedExpenseID
	}
	return []string{
		row.ID,
		row.FromName,
		row.ToName,
		money.Format(row.Amount),
		row.Currency,
		string(row.Status),
		row.CreatedAt.UTC().Format(time.RFC3339),
		settledAt,
		settledBy,
		expense,
		hours,
	}
}
