package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"splitledger/internal/apperr"
	"splitledger/internal/models"
	"splitledger/internal/scheduler"
	"splitledger/internal/settlement"
	"splitledger/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recalculated(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.svc.RecalculateSettlements(context.Background(), "g1", RecalculateOptions{})
	require.NoError(t, err)
}

func TestProcessSettlementByDebtor(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")

	result, err := f.processor.ProcessSettlement(context.Background(), target.ID, "u-bob")
	require.NoError(t, err)

	assert.Equal(t, models.SettlementSettled, result.Settlement.Status)
	require.NotNil(t, result.Settlement.CreatedExpenseID)
	assert.Equal(t, result.Expense.ID, *result.Settlement.CreatedExpenseID)
	assert.Equal(t, "Settlement: Bob → Alice", result.Expense.Title)
	assert.Equal(t, "Bob paid Alice 25.00 EUR", result.Expense.Description)
	assert.Equal(t, models.ExpenseCategorySettlement, result.Expense.Category)
	assert.Equal(t, "m2", result.Expense.PayerID)
	assert.Equal(t, "m1", result.Expense.SplitID)

	stored := f.ledger.expenses[result.Expense.ID]
	assert.Equal(t, target.ID, *stored.SettlementID)
	assert.True(t, stored.Amount.Equal(dec("25")))

	active := f.ledger.byStatus("g1", models.SettlementActive)
	require.Len(t, active, 2)
	for _, s := range active {
		assert.NotEqual(t, "m2", s.FromMemberID)
		assert.Equal(t, "m1", s.ToMemberID)
	}
	require.NotNil(t, result.Recalculation)
	assert.Len(t, result.Recalculation.Settlements, 2)

	assert.Equal(t, []string{"g1"}, f.canceller.cancelled)
	require.Len(t, f.notifier.processed, 1)
	assert.Equal(t, target.ID, f.notifier.processed[0].SettlementID)
	assert.Len(t, f.notifier.recalculated, 2)
	assert.Equal(t, 1, f.metrics.processed["success"])
	assert.Equal(t, []string{"settlement_processed"}, f.ledger.auditActions("settlement"))
}

func TestProcessSettlementByCreditorAndAdmin(t *testing.T) {
	f := newFixture()
	recalculated(t, f)

	_, err := f.processor.ProcessSettlement(context.Background(), f.activeFrom("m3").ID, "u-alice")
	require.NoError(t, err)
	_, err = f.processor.ProcessSettlement(context.Background(), f.activeFrom("m2").ID, "u-dave")
	require.NoError(t, err)

	active := f.ledger.byStatus("g1", models.SettlementActive)
	require.Len(t, active, 1)
	assert.Equal(t, "m4", active[0].FromMemberID)
}

func TestProcessSettlementIsNotReentrant(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")
	ctx := context.Background()

	_, err := f.processor.ProcessSettlement(ctx, target.ID, "u-bob")
	require.NoError(t, err)
	_, err = f.processor.ProcessSettlement(ctx, target.ID, "u-bob")

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindState, appErr.Kind)
	assert.Equal(t, "settled", appErr.Details["status"])
	assert.Equal(t, 1, f.ledger.expensesFor(target.ID))
	assert.Equal(t, 1, f.metrics.processed["failed"])
}

func TestProcessSettlementConcurrentCallsSettleOnce(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"u-bob", "u-alice"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.processor.ProcessSettlement(context.Background(), target.ID, user)
		}(i, user)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperr.IsKind(err, apperr.KindState):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 1, f.ledger.expensesFor(target.ID))
	assert.Equal(t, models.SettlementSettled, f.ledger.settlements[target.ID].Status)
}

// ledgerWithConcurrentWrite runs onRead once, right after the balance read,
// to model another ledger write committing while a settlement is processed.
type ledgerWithConcurrentWrite struct {
	*fakeLedger
	onRead func()
}

func (l *ledgerWithConcurrentWrite) MemberTotals(ctx context.Context, q store.Selecter, groupID string) ([]settlement.MemberTotals, error) {
	totals, err := l.fakeLedger.MemberTotals(ctx, q, groupID)
	if l.onRead != nil {
		hook := l.onRead
		l.onRead = nil
		hook()
	}
	return totals, err
}

func TestProcessSettlementKeepsRecalculationTriggeredAfterItsRead(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")

	ledger := &ledgerWithConcurrentWrite{fakeLedger: f.ledger}
	svc := NewSettlementService(f.runner, nil, f.ledger, ledger, f.ledger, f.ledger, Options{})
	svc.now = f.svc.now
	sched := scheduler.New(svc, scheduler.Options{
		Delay:  time.Hour,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(sched.Stop)
	processor := NewSettlementProcessor(svc, sched)

	ledger.onRead = func() {
		time.Sleep(time.Millisecond)
		f.ledger.addExpense("m3", "40", "m3", "m4")
		require.NoError(t, sched.Trigger(context.Background(), "g1", "expense_created", scheduler.TriggerOptions{}))
	}

	_, err := processor.ProcessSettlement(context.Background(), target.ID, "u-bob")
	require.NoError(t, err)

	pending := sched.Pending()
	require.Len(t, pending, 1, "the later ledger write must still be recalculated")
	assert.Equal(t, "expense_created", pending[0].Reason)

	_, err = svc.RecalculateSettlements(context.Background(), "g1", RecalculateOptions{Reason: "expense_created"})
	require.NoError(t, err)
	assert.True(t, f.activeFrom("m4").Amount.Equal(dec("45")))
	assert.True(t, f.activeFrom("m3").Amount.Equal(dec("5")))
}

func TestProcessSettlementSupersedesEarlierTrigger(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")

	sched := scheduler.New(f.svc, scheduler.Options{
		Delay:  time.Hour,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(sched.Stop)
	processor := NewSettlementProcessor(f.svc, sched)

	require.NoError(t, sched.Trigger(context.Background(), "g1", "expense_created", scheduler.TriggerOptions{}))
	time.Sleep(time.Millisecond)

	_, err := processor.ProcessSettlement(context.Background(), target.ID, "u-bob")
	require.NoError(t, err)
	assert.Empty(t, sched.Pending())
}

func TestProcessSettlementRejectsThirdParty(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")

	_, err := f.processor.ProcessSettlement(context.Background(), target.ID, "u-carol")
	assert.True(t, apperr.IsKind(err, apperr.KindPermission), "got %v", err)
	assert.Equal(t, models.SettlementActive, f.ledger.settlements[target.ID].Status)
	assert.Empty(t, f.ledger.expenses)
	assert.Empty(t, f.notifier.processed)
}

func TestProcessSettlementNotFound(t *testing.T) {
	f := newFixture()
	_, err := f.processor.ProcessSettlement(context.Background(), "missing", "u-bob")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)
}

func TestProcessSettlementRollsBackOnFailure(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")
	f.ledger.markSettledErr = errors.New("disk full")

	_, err := f.processor.ProcessSettlement(context.Background(), target.ID, "u-bob")
	assert.True(t, apperr.IsKind(err, apperr.KindProcessing), "got %v", err)
	assert.Empty(t, f.ledger.expenses)
	assert.Equal(t, models.SettlementActive, f.ledger.settlements[target.ID].Status)
	assert.True(t, f.ledger.paid["m2"].IsZero())
	assert.Empty(t, f.canceller.cancelled)
}

func TestValidateForProcessing(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m2")
	ctx := context.Background()

	ok := f.processor.ValidateForProcessing(ctx, target.ID, "u-bob")
	assert.True(t, ok.CanProcess)
	assert.Empty(t, ok.Errors)
	require.NotNil(t, ok.Settlement)

	denied := f.processor.ValidateForProcessing(ctx, target.ID, "u-carol")
	assert.False(t, denied.CanProcess)
	assert.Len(t, denied.Errors, 1)

	missing := f.processor.ValidateForProcessing(ctx, "missing", "u-bob")
	assert.False(t, missing.CanProcess)
	assert.Equal(t, []string{"settlement not found"}, missing.Errors)
	assert.Nil(t, missing.Settlement)

	_, err := f.processor.ProcessSettlement(ctx, target.ID, "u-bob")
	require.NoError(t, err)
	settled := f.processor.ValidateForProcessing(ctx, target.ID, "u-bob")
	assert.False(t, settled.CanProcess)
	assert.Contains(t, settled.Errors[0], "settlement is not active")
}

func TestGetProcessingPreview(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	target := f.activeFrom("m4")

	preview := f.processor.GetProcessingPreview(context.Background(), target.ID, "u-dave")
	require.True(t, preview.CanProcess)
	require.NotNil(t, preview.Preview)
	assert.Equal(t, "Settlement: Dave → Alice", preview.Preview.Title)
	assert.Equal(t, "Dave paid Alice 25.00 EUR", preview.Preview.Description)
	assert.Equal(t, "m4", preview.Preview.PayerMemberID)
	assert.Equal(t, "m1", preview.Preview.SplitMemberID)
	assert.Empty(t, f.ledger.expenses)

	denied := f.processor.GetProcessingPreview(context.Background(), target.ID, "u-eve")
	assert.False(t, denied.CanProcess)
	assert.Nil(t, denied.Preview)
	assert.NotEmpty(t, denied.Errors)
}

func TestProcessMultipleReportsPartialFailure(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	ctx := context.Background()

	s2 := f.activeFrom("m3")
	_, err := f.processor.ProcessSettlement(ctx, s2.ID, "u-carol")
	require.NoError(t, err)
	s1 := f.activeFrom("m2")
	s3 := f.activeFrom("m4")
	f.canceller.cancelled = nil

	result, err := f.processor.ProcessMultiple(ctx, []string{s1.ID, s2.ID, s3.ID, s1.ID}, "u-dave")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Summary.Total)
	assert.Equal(t, 2, result.Summary.SuccessfulCount)
	assert.Equal(t, 1, result.Summary.FailedCount)
	assert.True(t, result.Summary.TotalAmountSettled.Equal(dec("50")))
	require.Len(t, result.Failed, 1)
	assert.Equal(t, s2.ID, result.Failed[0].SettlementID)
	assert.Equal(t, apperr.KindState.Code(), result.Failed[0].Code)
	assert.Equal(t, "Bob", result.Successful[0].FromName)

	assert.Empty(t, f.ledger.byStatus("g1", models.SettlementActive))
	assert.Equal(t, []string{"g1"}, f.canceller.cancelled)
}

func TestProcessMultipleValidatesSize(t *testing.T) {
	f := newFixture()
	_, err := f.processor.ProcessMultiple(context.Background(), nil, "u-bob")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	ids := make([]string, MaxBatchSize+1)
	for i := range ids {
		ids[i] = "s"
	}
	_, err = f.processor.ProcessMultiple(context.Background(), ids, "u-bob")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGetStatistics(t *testing.T) {
	f := newFixture()
	recalculated(t, f)
	_, err := f.processor.ProcessSettlement(context.Background(), f.activeFrom("m2").ID, "u-bob")
	require.NoError(t, err)

	stats, err := f.processor.GetStatistics(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus.Settled.Count)
	assert.Equal(t, 2, stats.ByStatus.Active.Count)
	assert.Equal(t, 2, stats.ByStatus.Obsolete.Count)
	assert.Equal(t, 1, stats.SettledWithExpense)
	assert.True(t, stats.AverageSettledAmount.Equal(dec("25")))
}
