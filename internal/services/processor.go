package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"splitledger/internal/apperr"
	"splitledger/internal/events"
	"splitledger/internal/models"
	"splitledger/internal/money"
	"splitledger/internal/store"
	"splitledger/internal/tracing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	MaxBatchSize = 50
	errNotActive = "settlement is not active"
)

// PendingCanceller drops a scheduled recalculation that a processed
// settlement has already made redundant. Only triggers scheduled before the
// settlement's own ledger read may be dropped.
type PendingCanceller interface {
	CancelIfScheduledBefore(groupID string, t time.Time) bool
}

// SettlementProcessor converts active settlements into ledger expenses.
type SettlementProcessor struct {
	svc       *SettlementService
	canceller PendingCanceller
}

func NewSettlementProcessor(svc *SettlementService, canceller PendingCanceller) *SettlementProcessor {
	return &SettlementProcessor{svc: svc, canceller: canceller}
}

type ProcessResult struct {
	Settlement    models.Settlement  `json:"settlement"`
	Expense       models.Expense     `json:"expense"`
	Recalculation *CalculationResult `json:"recalculation,omitempty"`
}

type processed struct {
	result   ProcessResult
	fromName string
	toName   string
}

// ProcessSettlement settles one active settlement for the acting user. The
// derived expense, the status change, the audit row and the group's
// recalculation commit together or not at all.
func (p *SettlementProcessor) ProcessSettlement(ctx context.Context, settlementID, userID string) (ProcessResult, error) {
	readAt := time.Now()
	out, err := p.process(ctx, settlementID, userID, true)
	if err != nil {
		return ProcessResult{}, err
	}
	p.afterCommit(ctx, out.result.Settlement.GroupID, out.result.Recalculation, readAt)
	return out.result, nil
}

func (p *SettlementProcessor) process(ctx context.Context, settlementID, userID string, recalculate bool) (processed, error) {
	ctx, span := tracing.Tracer().Start(ctx, "settlements.process",
		trace.WithAttributes(attribute.String("settlement_id", settlementID)))
	defer span.End()

	svc := p.svc
	var out processed
	err := svc.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = p.processInTx(ctx, tx, settlementID, userID, recalculate)
		return err
	})
	if err != nil {
		err = asProcessingError(ctx, err, "process settlement")
		if svc.metrics != nil {
			svc.metrics.IncProcessed("failed")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		svc.logger.Warn("settlement processing failed", "settlement_id", settlementID, "user_id", userID, "error", err)
		return processed{}, err
	}
	if svc.metrics != nil {
		svc.metrics.IncProcessed("success")
	}
	span.SetAttributes(attribute.String("group_id", out.result.Settlement.GroupID))
	svc.logger.Info("settlement processed",
		"settlement_id", settlementID, "group_id", out.result.Settlement.GroupID,
		"expense_id", out.result.Expense.ID, "amount", money.Format(out.result.Settlement.Amount))

	if svc.notifier != nil {
		row := out.result.Settlement
		svc.notifier.SettlementProcessed(ctx, events.SettlementProcessed{
			Envelope:     events.Envelope{GroupID: row.GroupID},
			SettlementID: row.ID,
			ExpenseID:    out.result.Expense.ID,
			FromMemberID: row.FromMemberID,
			ToMemberID:   row.ToMemberID,
			Amount:       row.Amount,
			Currency:     row.Currency,
			SettledBy:    userID,
		})
	}
	return out, nil
}

func (p *SettlementProcessor) processInTx(ctx context.Context, tx store.Tx, settlementID, userID string, recalculate bool) (processed, error) {
	svc := p.svc
	row, err := svc.settlements.GetForUpdate(ctx, tx, settlementID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return processed{}, apperr.NotFound("settlement", settlementID)
		}
		return processed{}, err
	}
	if row.Status != models.SettlementActive {
		return processed{}, apperr.State(errNotActive, string(row.Status))
	}
	if err := p.authorize(ctx, tx, row, userID); err != nil {
		return processed{}, err
	}

	from, err := svc.members.GetMember(ctx, tx, row.FromMemberID)
	if err != nil {
		return processed{}, err
	}
	to, err := svc.members.GetMember(ctx, tx, row.ToMemberID)
	if err != nil {
		return processed{}, err
	}

	preview := buildPreview(row, from, to)
	expenseID := uuid.NewString()
	if err := svc.ledger.CreateSettlementExpense(ctx, tx, store.SettlementExpenseInput{
		ID:           expenseID,
		GroupID:      row.GroupID,
		Title:        preview.Title,
		Description:  preview.Description,
		Amount:       row.Amount,
		Currency:     row.Currency,
		PayerID:      row.FromMemberID,
		SplitID:      row.ToMemberID,
		SettlementID: row.ID,
		CreatedBy:    userID,
	}); err != nil {
		return processed{}, err
	}

	settledAt := svc.now().UTC()
	affected, err := svc.settlements.MarkSettled(ctx, tx, row.ID, userID, expenseID, settledAt)
	if err != nil {
		return processed{}, err
	}
	if affected == 0 {
		return processed{}, apperr.State(errNotActive, string(row.Status))
	}

	data, _ := json.Marshal(map[string]any{
		"expense_id":     expenseID,
		"amount":         money.Format(row.Amount),
		"currency":       row.Currency,
		"from_member_id": row.FromMemberID,
		"to_member_id":   row.ToMemberID,
	})
	actor := userID
	if err := svc.audit.Log(ctx, tx, &actor, "settlement_processed", auditEntitySettlement, row.ID, string(data)); err != nil {
		return processed{}, err
	}

	var recalc *CalculationResult
	if recalculate {
		result, err := svc.recalculateInTx(ctx, tx, row.GroupID, &actor, "settlement_processed")
		if err != nil {
			return processed{}, err
		}
		recalc = &result
	}

	row.Status = models.SettlementSettled
	row.SettledAt = &settledAt
	row.SettledBy = &actor
	row.CreatedExpenseID = &expenseID
	settlementRef := row.ID
	return processed{
		result: ProcessResult{
			Settlement: row,
			Expense: models.Expense{
				ID:           expenseID,
				GroupID:      row.GroupID,
				Title:        preview.Title,
				Description:  preview.Description,
				Amount:       row.Amount,
				Currency:     row.Currency,
				Category:     models.ExpenseCategorySettlement,
				SettlementID: &settlementRef,
				CreatedBy:    &actor,
				CreatedAt:    settledAt,
				PayerID:      row.FromMemberID,
				SplitID:      row.ToMemberID,
			},
			Recalculation: recalc,
		},
		fromName: from.DisplayName,
		toName:   to.DisplayName,
	}, nil
}

// authorize allows either endpoint of the settlement or a group admin.
func (p *SettlementProcessor) authorize(ctx context.Context, q store.Tx, row models.Settlement, userID string) error {
	if userID == "" {
		return apperr.Permission("authentication required")
	}
	memberIDs, err := p.svc.members.MemberIDsForUser(ctx, q, row.GroupID, userID)
	if err != nil {
		return err
	}
	for _, id := range memberIDs {
		if id == row.FromMemberID || id == row.ToMemberID {
			return nil
		}
	}
	admin, err := p.svc.members.IsAdmin(ctx, q, row.GroupID, userID)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	return apperr.Permission("only the payer, the payee or a group admin can process this settlement")
}

func (p *SettlementProcessor) afterCommit(ctx context.Context, groupID string, recalc *CalculationResult, readAt time.Time) {
	if p.canceller != nil && p.canceller.CancelIfScheduledBefore(groupID, readAt) {
		p.svc.logger.Debug("pending recalculation superseded by settlement", "group_id", groupID)
	}
	if recalc != nil {
		p.svc.notifyRecalculated(ctx, groupID, "settlement_processed", *recalc)
	}
}

type ExpensePreview struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Category      string          `json:"category"`
	PayerMemberID string          `json:"payer_member_id"`
	PayerName     string          `json:"payer_name"`
	SplitMemberID string          `json:"split_member_id"`
	SplitName     string          `json:"split_name"`
}

func buildPreview(row models.Settlement, from, to models.Member) ExpensePreview {
	return ExpensePreview{
		Title:         fmt.Sprintf("Settlement: %s → %s", from.DisplayName, to.DisplayName),
		Description:   fmt.Sprintf("%s paid %s %s", from.DisplayName, to.DisplayName, money.FormatWithCurrency(row.Amount, row.Currency)),
		Amount:        row.Amount,
		Currency:      row.Currency,
		Category:      models.ExpenseCategorySettlement,
		PayerMemberID: row.FromMemberID,
		PayerName:     from.DisplayName,
		SplitMemberID: row.ToMemberID,
		SplitName:     to.DisplayName,
	}
}

type ProcessingCheck struct {
	CanProcess bool                   `json:"can_process"`
	Errors     []string               `json:"errors"`
	Settlement *models.SettlementView `json:"settlement,omitempty"`
}

// ValidateForProcessing reports whether the user could settle the settlement
// right now. Problems are returned as messages, never as an error.
func (p *SettlementProcessor) ValidateForProcessing(ctx context.Context, settlementID, userID string) ProcessingCheck {
	check := ProcessingCheck{Errors: []string{}}
	view, err := p.svc.settlements.GetView(ctx, settlementID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			check.Errors = append(check.Errors, "settlement not found")
		} else {
			check.Errors = append(check.Errors, "settlement could not be loaded")
		}
		return check
	}
	check.Settlement = &view
	if view.Status != models.SettlementActive {
		check.Errors = append(check.Errors, fmt.Sprintf("%s (status %s)", errNotActive, view.Status))
	}
	if err := p.authorize(ctx, p.svc.reader, view.Settlement, userID); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			check.Errors = append(check.Errors, appErr.Message)
		} else {
			check.Errors = append(check.Errors, "permission could not be verified")
		}
	}
	check.CanProcess = len(check.Errors) == 0
	return check
}

type PreviewResult struct {
	CanProcess bool            `json:"can_process"`
	Preview    *ExpensePreview `json:"preview,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

func (p *SettlementProcessor) GetProcessingPreview(ctx context.Context, settlementID, userID string) PreviewResult {
	check := p.ValidateForProcessing(ctx, settlementID, userID)
	if !check.CanProcess {
		return PreviewResult{Errors: check.Errors}
	}
	view := check.Settlement
	preview := buildPreview(view.Settlement,
		models.Member{ID: view.FromMemberID, DisplayName: view.FromName},
		models.Member{ID: view.ToMemberID, DisplayName: view.ToName},
	)
	return PreviewResult{CanProcess: true, Preview: &preview}
}

type BatchSuccess struct {
	SettlementID string          `json:"settlement_id"`
	ExpenseID    string          `json:"expense_id"`
	GroupID      string          `json:"group_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	FromName     string          `json:"from_name"`
	ToName       string          `json:"to_name"`
}

type BatchFailure struct {
	SettlementID string `json:"settlement_id"`
	Code         string `json:"code"`
	Error        string `json:"error"`
}

type BatchSummary struct {
	Total              int             `json:"total"`
	SuccessfulCount    int             `json:"successful_count"`
	FailedCount        int             `json:"failed_count"`
	TotalAmountSettled decimal.Decimal `json:"total_amount_settled"`
}

type BatchResult struct {
	Successful []BatchSuccess `json:"successful"`
	Failed     []BatchFailure `json:"failed"`
	Summary    BatchSummary   `json:"summary"`
}

// ProcessMultiple settles each id in its own transaction and recalculates
// every affected group once at the end. Item failures are reported, not
// returned.
func (p *SettlementProcessor) ProcessMultiple(ctx context.Context, settlementIDs []string, userID string) (BatchResult, error) {
	if len(settlementIDs) == 0 {
		return BatchResult{}, apperr.Validation("no settlements to process", "settlement_ids must not be empty")
	}
	if len(settlementIDs) > MaxBatchSize {
		return BatchResult{}, apperr.Validation("too many settlements",
			fmt.Sprintf("at most %d settlements can be processed at once", MaxBatchSize))
	}

	seen := make(map[string]struct{}, len(settlementIDs))
	ids := make([]string, 0, len(settlementIDs))
	for _, id := range settlementIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	result := BatchResult{
		Successful: []BatchSuccess{},
		Failed:     []BatchFailure{},
		Summary:    BatchSummary{Total: len(ids), TotalAmountSettled: decimal.Zero},
	}
	groups := make(map[string]struct{})
	for _, id := range ids {
		out, err := p.process(ctx, id, userID, false)
		if err != nil {
			code := apperr.KindProcessing.Code()
			var appErr *apperr.Error
			if errors.As(err, &appErr) {
				code = appErr.Code()
			}
			result.Failed = append(result.Failed, BatchFailure{SettlementID: id, Code: code, Error: err.Error()})
			continue
		}
		row := out.result.Settlement
		groups[row.GroupID] = struct{}{}
		result.Successful = append(result.Successful, BatchSuccess{
			SettlementID: row.ID,
			ExpenseID:    out.result.Expense.ID,
			GroupID:      row.GroupID,
			Amount:       row.Amount,
			Currency:     row.Currency,
			FromName:     out.fromName,
			ToName:       out.toName,
		})
		result.Summary.TotalAmountSettled = result.Summary.TotalAmountSettled.Add(row.Amount)
	}
	result.Summary.SuccessfulCount = len(result.Successful)
	result.Summary.FailedCount = len(result.Failed)

	groupIDs := make([]string, 0, len(groups))
	for groupID := range groups {
		groupIDs = append(groupIDs, groupID)
	}
	sort.Strings(groupIDs)
	for _, groupID := range groupIDs {
		if p.canceller != nil {
			p.canceller.CancelIfScheduledBefore(groupID, time.Now())
		}
		if _, err := p.svc.RecalculateSettlements(ctx, groupID, RecalculateOptions{
			Reason:  "batch_settlement",
			ActorID: userID,
		}); err != nil {
			p.svc.logger.Error("recalculation after batch settlement failed", "group_id", groupID, "error", err)
		}
	}
	return result, nil
}

type Statistics struct {
	GroupID              string          `json:"group_id"`
	ByStatus             StatusSummary   `json:"by_status"`
	SettledWithExpense   int             `json:"settled_with_expense"`
	AverageSettledAmount decimal.Decimal `json:"average_settled_amount"`
	GeneratedAt          time.Time       `json:"generated_at"`
}

func (p *SettlementProcessor) GetStatistics(ctx context.Context, groupID string) (Statistics, error) {
	summary, err := p.svc.GetSummary(ctx, groupID)
	if err != nil {
		return Statistics{}, err
	}
	withExpense, err := p.svc.settlements.CountSettledWithExpense(ctx, groupID)
	if err != nil {
		return Statistics{}, apperr.FromStorage(err, dataAccess("count settled settlements"))
	}
	stats := Statistics{
		GroupID:              groupID,
		ByStatus:             summary,
		SettledWithExpense:   withExpense,
		AverageSettledAmount: decimal.Zero,
		GeneratedAt:          p.svc.now().UTC(),
	}
	if summary.Settled.Count > 0 {
		stats.AverageSettledAmount = money.Round(summary.Settled.Total.Div(decimal.NewFromInt(int64(summary.Settled.Count))))
	}
	return stats, nil
}
