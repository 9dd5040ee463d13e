package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"splitledger/internal/apperr"
	"splitledger/internal/db"
	"splitledger/internal/events"
	"splitledger/internal/models"
	"splitledger/internal/settlement"
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
	auditEntitySettlement = "settlement"
	auditEntityGroup      = "group"
)

type SettlementStore interface {
	ObsoleteActive(ctx context.Context, tx store.Execer, groupID string) (int64, error)
	InsertBatch(ctx context.Context, tx store.Execer, rows []store.SettlementInput) error
	GetForUpdate(ctx context.Context, tx store.Getter, settlementID string) (models.Settlement, error)
	MarkSettled(ctx context.Context, tx store.Execer, settlementID, settledBy, expenseID string, settledAt time.Time) (int64, error)
	DeleteObsolete(ctx context.Context, tx store.Execer, groupID string, olderThan time.Time) (int64, error)
	ListActive(ctx context.Context, q store.Selecter, groupID string) ([]models.SettlementView, error)
	GetView(ctx context.Context, settlementID string) (models.SettlementView, error)
	ListBatch(ctx context.Context, groupID string, calculatedAt time.Time) ([]models.SettlementView, error)
	ListHistory(ctx context.Context, groupID string, filter store.HistoryFilter, sort store.HistorySort, page store.Page) ([]models.SettlementView, error)
	CountHistory(ctx context.Context, groupID string, filter store.HistoryFilter) (int, error)
	SummaryByStatus(ctx context.Context, groupID string) ([]models.StatusSummary, error)
	CountSettledWithExpense(ctx context.Context, groupID string) (int, error)
}

type LedgerStore interface {
	MemberTotals(ctx context.Context, q store.Selecter, groupID string) ([]settlement.MemberTotals, error)
	GroupCurrency(ctx context.Context, q store.Getter, groupID string) (string, error)
	CreateSettlementExpense(ctx context.Context, tx store.Execer, input store.SettlementExpenseInput) error
	GetExpense(ctx context.Context, q store.Getter, expenseID string) (models.Expense, error)
}

type MemberStore interface {
	GetMember(ctx context.Context, q store.Getter, memberID string) (models.Member, error)
	MemberIDsForUser(ctx context.Context, q store.Selecter, groupID, userID string) ([]string, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	IsAdmin(ctx context.Context, q store.Getter, groupID, userID string) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID *string, action, entityType, entityID, data string) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditLog, error)
}

type Notifier interface {
	SettlementsRecalculated(ctx context.Context, event events.SettlementsRecalculated)
	SettlementProcessed(ctx context.Context, event events.SettlementProcessed)
}

type Recorder interface {
	ObserveRecalculation(mode, outcome string, created int, duration time.Duration)
	IncProcessed(outcome string)
	AddObsoleteCleaned(n int64)
}

type Options struct {
	Logger   *slog.Logger
	Notifier Notifier
	Metrics  Recorder
	// ObsoleteRetentionDays is applied after every recalculation that does not
	// ask for its own cleanup window. Zero disables it.
	ObsoleteRetentionDays int
}

// SettlementService owns the settlement lifecycle: computing balances and
// transfers, replacing a group's active batch and answering queries over it.
type SettlementService struct {
	txRunner    db.TxRunner
	reader      store.DB
	settlements SettlementStore
	ledger      LedgerStore
	members     MemberStore
	audit       AuditStore
	notifier    Notifier
	metrics     Recorder
	logger      *slog.Logger
	retention   int
	now         func() time.Time
}

func NewSettlementService(txRunner db.TxRunner, reader store.DB, settlements SettlementStore, ledger LedgerStore, members MemberStore, audit AuditStore, opts Options) *SettlementService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		txRunner:    txRunner,
		reader:      reader,
		settlements: settlements,
		ledger:      ledger,
		members:     members,
		audit:       audit,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      logger,
		retention:   opts.ObsoleteRetentionDays,
		now:         time.Now,
	}
}

type RecalculateOptions struct {
	CleanupObsoleteAfterDays int
	Reason                   string
	ActorID                  string
}

// CalculatedSettlement is a transfer as returned to callers, persisted or not.
type CalculatedSettlement struct {
	ID       string                  `json:"id,omitempty"`
	From     settlement.Party        `json:"from"`
	To       settlement.Party        `json:"to"`
	Amount   decimal.Decimal         `json:"amount"`
	Currency string                  `json:"currency"`
	Status   models.SettlementStatus `json:"status,omitempty"`
}

type CalculationResult struct {
	Settlements          []CalculatedSettlement `json:"settlements"`
	Balances             []models.MemberBalance `json:"balances"`
	Summary              settlement.Summary     `json:"summary"`
	CalculationTimestamp *time.Time             `json:"calculation_timestamp,omitempty"`
	ObsoletedCount       int64                  `json:"obsoleted_count"`
}

type calculation struct {
	currency  string
	balances  []models.MemberBalance
	transfers []settlement.Transfer
}

func (s *SettlementService) calculate(ctx context.Context, q store.Tx, groupID string) (calculation, error) {
	currency, err := s.ledger.GroupCurrency(ctx, q, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calculation{}, apperr.NotFound("group", groupID)
		}
		return calculation{}, apperr.FromStorage(err, dataAccess("load group currency"))
	}
	totals, err := s.ledger.MemberTotals(ctx, q, groupID)
	if err != nil {
		return calculation{}, apperr.FromStorage(err, dataAccess("load member balances"))
	}
	balances := settlement.CalculateBalances(totals)
	transfers, err := settlement.Optimize(balances)
	if err != nil {
		return calculation{}, err
	}
	return calculation{currency: currency, balances: balances, transfers: transfers}, nil
}

// CalculateOptimalSettlements computes balances and transfers without
// persisting anything.
func (s *SettlementService) CalculateOptimalSettlements(ctx context.Context, groupID string) (CalculationResult, error) {
	calc, err := s.calculate(ctx, s.reader, groupID)
	if err != nil {
		return CalculationResult{}, err
	}
	if err := settlement.Validate(calc.transfers, calc.balances).Err(); err != nil {
		return CalculationResult{}, err
	}
	out := make([]CalculatedSettlement, 0, len(calc.transfers))
	for _, t := range calc.transfers {
		out = append(out, CalculatedSettlement{From: t.From, To: t.To, Amount: t.Amount, Currency: calc.currency})
	}
	return CalculationResult{
		Settlements: out,
		Balances:    calc.balances,
		Summary:     settlement.Summarize(calc.balances, calc.transfers, calc.currency),
	}, nil
}

// RecalculateSettlements replaces the group's active batch in one transaction.
func (s *SettlementService) RecalculateSettlements(ctx context.Context, groupID string, opts RecalculateOptions) (CalculationResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "settlements.recalculate",
		trace.WithAttributes(attribute.String("group_id", groupID), attribute.String("reason", opts.Reason)))
	defer span.End()

	start := s.now()
	var result CalculationResult
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = s.recalculateInTx(ctx, tx, groupID, optionalString(opts.ActorID), opts.Reason)
		return err
	})
	if err != nil {
		err = asProcessingError(ctx, err, "recalculate settlements")
		s.observeRecalculation("failed", 0, s.now().Sub(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("settlement recalculation failed", "group_id", groupID, "reason", opts.Reason, "error", err)
		return CalculationResult{}, err
	}
	s.observeRecalculation("success", len(result.Settlements), s.now().Sub(start))
	span.SetAttributes(attribute.Int("settlement_count", len(result.Settlements)))
	s.logger.Info("settlements recalculated",
		"group_id", groupID, "reason", opts.Reason, "settlement_count", len(result.Settlements),
		"obsoleted", result.ObsoletedCount)

	days := opts.CleanupObsoleteAfterDays
	if days <= 0 {
		days = s.retention
	}
	if days > 0 {
		if _, err := s.CleanupObsolete(ctx, groupID, days); err != nil {
			s.logger.Warn("obsolete settlement cleanup failed", "group_id", groupID, "error", err)
		}
	}
	s.notifyRecalculated(ctx, groupID, opts.Reason, result)
	return result, nil
}

// RecalculateGroup adapts RecalculateSettlements for the scheduler.
func (s *SettlementService) RecalculateGroup(ctx context.Context, groupID, reason string) error {
	_, err := s.RecalculateSettlements(ctx, groupID, RecalculateOptions{Reason: reason})
	return err
}

func (s *SettlementService) recalculateInTx(ctx context.Context, tx store.Tx, groupID string, actorID *string, reason string) (CalculationResult, error) {
	calc, err := s.calculate(ctx, tx, groupID)
	if err != nil {
		return CalculationResult{}, err
	}
	if err := settlement.Validate(calc.transfers, calc.balances).Err(); err != nil {
		return CalculationResult{}, err
	}

	obsoleted, err := s.settlements.ObsoleteActive(ctx, tx, groupID)
	if err != nil {
		return CalculationResult{}, err
	}

	calculatedAt := s.now().UTC().Truncate(time.Microsecond)
	rows := make([]store.SettlementInput, 0, len(calc.transfers))
	out := make([]CalculatedSettlement, 0, len(calc.transfers))
	for _, t := range calc.transfers {
		id := uuid.NewString()
		rows = append(rows, store.SettlementInput{
			ID:                   id,
			GroupID:              groupID,
			FromMemberID:         t.From.MemberID,
			ToMemberID:           t.To.MemberID,
			Amount:               t.Amount,
			Currency:             calc.currency,
			CalculationTimestamp: calculatedAt,
		})
		out = append(out, CalculatedSettlement{
			ID:       id,
			From:     t.From,
			To:       t.To,
			Amount:   t.Amount,
			Currency: calc.currency,
			Status:   models.SettlementActive,
		})
	}
	if err := s.settlements.InsertBatch(ctx, tx, rows); err != nil {
		return CalculationResult{}, err
	}

	summary := settlement.Summarize(calc.balances, calc.transfers, calc.currency)
	data, _ := json.Marshal(map[string]any{
		"calculation_timestamp": calculatedAt,
		"settlement_count":      len(rows),
		"total_amount":          summary.TotalAmount.StringFixed(2),
		"obsoleted_count":       obsoleted,
		"reason":                reason,
	})
	if err := s.audit.Log(ctx, tx, actorID, "settlements_recalculated", auditEntityGroup, groupID, string(data)); err != nil {
		return CalculationResult{}, err
	}

	return CalculationResult{
		Settlements:          out,
		Balances:             calc.balances,
		Summary:              summary,
		CalculationTimestamp: &calculatedAt,
		ObsoletedCount:       obsoleted,
	}, nil
}

// CleanupObsolete deletes obsolete settlements last touched before the
// retention window.
func (s *SettlementService) CleanupObsolete(ctx context.Context, groupID string, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, apperr.Validation("retention days must be positive", "older_than_days must be at least 1")
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	var deleted int64
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		deleted, err = s.settlements.DeleteObsolete(ctx, tx, groupID, cutoff)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return nil
		}
		data, _ := json.Marshal(map[string]any{"deleted": deleted, "cutoff": cutoff})
		return s.audit.Log(ctx, tx, nil, "obsolete_settlements_cleaned", auditEntityGroup, groupID, string(data))
	})
	if err != nil {
		return 0, asProcessingError(ctx, err, "cleanup obsolete settlements")
	}
	if s.metrics != nil {
		s.metrics.AddObsoleteCleaned(deleted)
	}
	if deleted > 0 {
		s.logger.Info("obsolete settlements cleaned", "group_id", groupID, "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

type ActiveMetadata struct {
	Count                int             `json:"count"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	MembersInvolved      int             `json:"members_involved"`
	CalculationTimestamp *time.Time      `json:"calculation_timestamp,omitempty"`
	Currency             string          `json:"currency,omitempty"`
}

type ActiveSettlements struct {
	Settlements []models.SettlementView `json:"settlements"`
	Metadata    ActiveMetadata          `json:"metadata"`
}

func (s *SettlementService) GetActiveSettlements(ctx context.Context, groupID string) (ActiveSettlements, error) {
	rows, err := s.settlements.ListActive(ctx, s.reader, groupID)
	if err != nil {
		return ActiveSettlements{}, apperr.FromStorage(err, dataAccess("list active settlements"))
	}
	if rows == nil {
		rows = []models.SettlementView{}
	}
	meta := ActiveMetadata{Count: len(rows), TotalAmount: decimal.Zero}
	involved := make(map[string]struct{})
	for i, row := range rows {
		meta.TotalAmount = meta.TotalAmount.Add(row.Amount)
		involved[row.FromMemberID] = struct{}{}
		involved[row.ToMemberID] = struct{}{}
		if i == 0 {
			ts := row.CalculationTimestamp
			meta.CalculationTimestamp = &ts
			meta.Currency = row.Currency
		}
	}
	meta.MembersInvolved = len(involved)
	return ActiveSettlements{Settlements: rows, Metadata: meta}, nil
}

// GetSettlement returns one settlement with member display data. The caller
// must belong to the settlement's group.
func (s *SettlementService) GetSettlement(ctx context.Context, settlementID, userID string) (models.SettlementView, error) {
	view, err := s.settlements.GetView(ctx, settlementID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SettlementView{}, apperr.NotFound("settlement", settlementID)
		}
		return models.SettlementView{}, apperr.FromStorage(err, dataAccess("load settlement"))
	}
	if err := s.requireMember(ctx, view.GroupID, userID); err != nil {
		return models.SettlementView{}, err
	}
	return view, nil
}

type StatusSummary struct {
	Active   models.StatusSummary `json:"active"`
	Settled  models.StatusSummary `json:"settled"`
	Obsolete models.StatusSummary `json:"obsolete"`
	Total    int                  `json:"total"`
}

func (s *SettlementService) GetSummary(ctx context.Context, groupID string) (StatusSummary, error) {
	rows, err := s.settlements.SummaryByStatus(ctx, groupID)
	if err != nil {
		return StatusSummary{}, apperr.FromStorage(err, dataAccess("summarize settlements"))
	}
	summary := StatusSummary{
		Active:   models.StatusSummary{Status: models.SettlementActive, Total: decimal.Zero},
		Settled:  models.StatusSummary{Status: models.SettlementSettled, Total: decimal.Zero},
		Obsolete: models.StatusSummary{Status: models.SettlementObsolete, Total: decimal.Zero},
	}
	for _, row := range rows {
		switch row.Status {
		case models.SettlementActive:
			summary.Active = row
		case models.SettlementSettled:
			summary.Settled = row
		case models.SettlementObsolete:
			summary.Obsolete = row
		}
		summary.Total += row.Count
	}
	return summary, nil
}

func (s *SettlementService) requireMember(ctx context.Context, groupID, userID string) error {
	ok, err := s.members.IsMember(ctx, groupID, userID)
	if err != nil {
		return apperr.FromStorage(err, dataAccess("check group membership"))
	}
	if !ok {
		return apperr.Permission("user is not a member of this group")
	}
	return nil
}

func (s *SettlementService) notifyRecalculated(ctx context.Context, groupID, reason string, result CalculationResult) {
	if s.notifier == nil || result.CalculationTimestamp == nil {
		return
	}
	s.notifier.SettlementsRecalculated(ctx, events.SettlementsRecalculated{
		Envelope:             events.Envelope{GroupID: groupID},
		Reason:               reason,
		CalculationTimestamp: *result.CalculationTimestamp,
		SettlementCount:      len(result.Settlements),
		TotalAmount:          result.Summary.TotalAmount,
		Currency:             result.Summary.Currency,
		ObsoletedCount:       result.ObsoletedCount,
	})
}

func (s *SettlementService) observeRecalculation(outcome string, created int, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveRecalculation("transactional", outcome, created, elapsed)
	}
}

func dataAccess(op string) func(error) *apperr.Error {
	return func(err error) *apperr.Error {
		return apperr.DataAccess(op+" failed", err)
	}
}

// asProcessingError maps anything that is not already typed. A context that
// expired underneath the transaction is reported as a timeout.
func asProcessingError(ctx context.Context, err error, op string) error {
	if _, ok := apperr.KindOf(err); ok {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout(op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Processing(op+" failed", err)
	}
	return apperr.FromStorage(err, func(err error) *apperr.Error {
		return apperr.Processing(op+" failed", err)
	})
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
