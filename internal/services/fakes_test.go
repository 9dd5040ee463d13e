package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"splitledger/internal/events"
	"splitledger/internal/models"
	"splitledger/internal/settlement"
	"splitledger/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// fakeLedger is an in-memory stand-in for every store the services use. The
// fake transaction runner snapshots it and restores the snapshot on error.
type fakeLedger struct {
	currency    map[string]string
	members     map[string]models.Member
	paid        map[string]decimal.Decimal
	owed        map[string]decimal.Decimal
	settlements map[string]models.Settlement
	order       []string
	expenses    map[string]models.Expense
	audit       []models.AuditLog

	markSettledErr error
	listErr        error
	now            func() time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		currency:    map[string]string{},
		members:     map[string]models.Member{},
		paid:        map[string]decimal.Decimal{},
		owed:        map[string]decimal.Decimal{},
		settlements: map[string]models.Settlement{},
		expenses:    map[string]models.Expense{},
	}
}

func (f *fakeLedger) addGroup(groupID, currency string) {
	f.currency[groupID] = currency
}

func (f *fakeLedger) addMember(groupID, memberID, userID, name, role string) {
	uid := userID
	f.members[memberID] = models.Member{ID: memberID, GroupID: groupID, UserID: &uid, DisplayName: name, Role: role}
}

// addExpense records a payment by payer split evenly across the given members.
func (f *fakeLedger) addExpense(payer string, amount string, splitAmong ...string) {
	total := decimal.RequireFromString(amount)
	f.paid[payer] = f.paid[payer].Add(total)
	share := total.Div(decimal.NewFromInt(int64(len(splitAmong))))
	for _, m := range splitAmong {
		f.owed[m] = f.owed[m].Add(share)
	}
}

func (f *fakeLedger) snapshot() *fakeLedger {
	c := &fakeLedger{
		currency:       copyMap(f.currency),
		members:        copyMap(f.members),
		paid:           copyMap(f.paid),
		owed:           copyMap(f.owed),
		settlements:    copyMap(f.settlements),
		order:          append([]string(nil), f.order...),
		expenses:       copyMap(f.expenses),
		audit:          append([]models.AuditLog(nil), f.audit...),
		markSettledErr: f.markSettledErr,
		listErr:        f.listErr,
		now:            f.now,
	}
	return c
}

func (f *fakeLedger) restore(from *fakeLedger) {
	*f = *from
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (f *fakeLedger) byStatus(groupID string, status models.SettlementStatus) []models.Settlement {
	var out []models.Settlement
	for _, id := range f.order {
		s, ok := f.settlements[id]
		if ok && s.GroupID == groupID && s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeLedger) view(s models.Settlement) models.SettlementView {
	return models.SettlementView{
		Settlement: s,
		FromName:   f.members[s.FromMemberID].DisplayName,
		ToName:     f.members[s.ToMemberID].DisplayName,
	}
}

func (f *fakeLedger) ObsoleteActive(_ context.Context, _ store.Execer, groupID string) (int64, error) {
	var n int64
	for id, s := range f.settlements {
		if s.GroupID == groupID && s.Status == models.SettlementActive {
			s.Status = models.SettlementObsolete
			s.UpdatedAt = f.now()
			f.settlements[id] = s
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) InsertBatch(_ context.Context, _ store.Execer, rows []store.SettlementInput) error {
	for _, row := range rows {
		f.settlements[row.ID] = models.Settlement{
			ID:                   row.ID,
			GroupID:              row.GroupID,
			FromMemberID:         row.FromMemberID,
			ToMemberID:           row.ToMemberID,
			Amount:               row.Amount,
			Currency:             row.Currency,
			Status:               models.SettlementActive,
			CalculationTimestamp: row.CalculationTimestamp,
			CreatedAt:            row.CalculationTimestamp,
			UpdatedAt:            row.CalculationTimestamp,
		}
		f.order = append(f.order, row.ID)
	}
	return nil
}

func (f *fakeLedger) GetForUpdate(_ context.Context, _ store.Getter, id string) (models.Settlement, error) {
	s, ok := f.settlements[id]
	if !ok {
		return models.Settlement{}, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeLedger) MarkSettled(_ context.Context, _ store.Execer, id, settledBy, expenseID string, settledAt time.Time) (int64, error) {
	if f.markSettledErr != nil {
		return 0, f.markSettledErr
	}
	s, ok := f.settlements[id]
	if !ok || s.Status != models.SettlementActive {
		return 0, nil
	}
	s.Status = models.SettlementSettled
	s.SettledBy = &settledBy
	s.SettledAt = &settledAt
	s.CreatedExpenseID = &expenseID
	s.UpdatedAt = settledAt
	f.settlements[id] = s
	return 1, nil
}

func (f *fakeLedger) DeleteObsolete(_ context.Context, _ store.Execer, groupID string, olderThan time.Time) (int64, error) {
	var n int64
	for id, s := range f.settlements {
		if s.GroupID == groupID && s.Status == models.SettlementObsolete && s.UpdatedAt.Before(olderThan) {
			delete(f.settlements, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) ListActive(_ context.Context, _ store.Selecter, groupID string) ([]models.SettlementView, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.SettlementView
	for _, s := range f.byStatus(groupID, models.SettlementActive) {
		out = append(out, f.view(s))
	}
	return out, nil
}

func (f *fakeLedger) GetView(_ context.Context, id string) (models.SettlementView, error) {
	s, ok := f.settlements[id]
	if !ok {
		return models.SettlementView{}, sql.ErrNoRows
	}
	return f.view(s), nil
}

func (f *fakeLedger) ListBatch(_ context.Context, groupID string, calculatedAt time.Time) ([]models.SettlementView, error) {
	var out []models.SettlementView
	for _, id := range f.order {
		s, ok := f.settlements[id]
		if ok && s.GroupID == groupID && s.CalculationTimestamp.Equal(calculatedAt) {
			out = append(out, f.view(s))
		}
	}
	return out, nil
}

func (f *fakeLedger) history(groupID string, filter store.HistoryFilter) []models.SettlementView {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []models.SettlementStatus{models.SettlementSettled}
	}
	var out []models.SettlementView
	for _, status := range statuses {
		for _, s := range f.byStatus(groupID, status) {
			if filter.MemberID != "" && s.FromMemberID != filter.MemberID && s.ToMemberID != filter.MemberID {
				continue
			}
			out = append(out, f.view(s))
		}
	}
	return out
}

func (f *fakeLedger) ListHistory(_ context.Context, groupID string, filter store.HistoryFilter, _ store.HistorySort, page store.Page) ([]models.SettlementView, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	rows := f.history(groupID, filter)
	if page.Limit <= 0 {
		return rows, nil
	}
	if page.Offset >= len(rows) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[page.Offset:end], nil
}

func (f *fakeLedger) CountHistory(_ context.Context, groupID string, filter store.HistoryFilter) (int, error) {
	return len(f.history(groupID, filter)), nil
}

func (f *fakeLedger) SummaryByStatus(_ context.Context, groupID string) ([]models.StatusSummary, error) {
	var out []models.StatusSummary
	for _, status := range []models.SettlementStatus{models.SettlementActive, models.SettlementObsolete, models.SettlementSettled} {
		rows := f.byStatus(groupID, status)
		if len(rows) == 0 {
			continue
		}
		total := decimal.Zero
		for _, r := range rows {
			total = total.Add(r.Amount)
		}
		out = append(out, models.StatusSummary{Status: status, Count: len(rows), Total: total})
	}
	return out, nil
}

func (f *fakeLedger) CountSettledWithExpense(_ context.Context, groupID string) (int, error) {
	n := 0
	for _, s := range f.byStatus(groupID, models.SettlementSettled) {
		if s.CreatedExpenseID != nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) MemberTotals(_ context.Context, _ store.Selecter, groupID string) ([]settlement.MemberTotals, error) {
	var out []settlement.MemberTotals
	for id, m := range f.members {
		if m.GroupID != groupID {
			continue
		}
		out = append(out, settlement.MemberTotals{
			MemberID:    id,
			DisplayName: m.DisplayName,
			TotalPaid:   f.paid[id],
			TotalOwed:   f.owed[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (f *fakeLedger) GroupCurrency(_ context.Context, _ store.Getter, groupID string) (string, error) {
	c, ok := f.currency[groupID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeLedger) CreateSettlementExpense(_ context.Context, _ store.Execer, input store.SettlementExpenseInput) error {
	settlementID := input.SettlementID
	createdBy := input.CreatedBy
	f.expenses[input.ID] = models.Expense{
		ID:           input.ID,
		GroupID:      input.GroupID,
		Title:        input.Title,
		Description:  input.Description,
		Amount:       input.Amount,
		Currency:     input.Currency,
		Category:     models.ExpenseCategorySettlement,
		SettlementID: &settlementID,
		CreatedBy:    &createdBy,
		PayerID:      input.PayerID,
		SplitID:      input.SplitID,
	}
	f.paid[input.PayerID] = f.paid[input.PayerID].Add(input.Amount)
	f.owed[input.SplitID] = f.owed[input.SplitID].Add(input.Amount)
	return nil
}

func (f *fakeLedger) GetExpense(_ context.Context, _ store.Getter, id string) (models.Expense, error) {
	e, ok := f.expenses[id]
	if !ok {
		return models.Expense{}, sql.ErrNoRows
	}
	return e, nil
}

func (f *fakeLedger) expensesFor(settlementID string) int {
	n := 0
	for _, e := range f.expenses {
		if e.SettlementID != nil && *e.SettlementID == settlementID {
			n++
		}
	}
	return n
}

func (f *fakeLedger) GetMember(_ context.Context, _ store.Getter, id string) (models.Member, error) {
	m, ok := f.members[id]
	if !ok {
		return models.Member{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeLedger) MemberIDsForUser(_ context.Context, _ store.Selecter, groupID, userID string) ([]string, error) {
	var ids []string
	for id, m := range f.members {
		if m.GroupID == groupID && m.UserID != nil && *m.UserID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeLedger) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	ids, _ := f.MemberIDsForUser(ctx, nil, groupID, userID)
	return len(ids) > 0, nil
}

func (f *fakeLedger) IsAdmin(_ context.Context, _ store.Getter, groupID, userID string) (bool, error) {
	for _, m := range f.members {
		if m.GroupID == groupID && m.UserID != nil && *m.UserID == userID && m.Role == "admin" {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) Log(_ context.Context, _ store.Execer, actorID *string, action, entityType, entityID, data string) error {
	f.audit = append(f.audit, models.AuditLog{
		ID:         fmt.Sprintf("audit-%d", len(f.audit)+1),
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
	})
	return nil
}

func (f *fakeLedger) ListByEntity(_ context.Context, entityType, entityID string, limit int) ([]models.AuditLog, error) {
	var out []models.AuditLog
	for _, a := range f.audit {
		if a.EntityType == entityType && a.EntityID == entityID {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) auditActions(entityType string) []string {
	var out []string
	for _, a := range f.audit {
		if a.EntityType == entityType {
			out = append(out, a.Action)
		}
	}
	return out
}

func (f *fakeLedger) auditData(action string) map[string]any {
	for _, a := range f.audit {
		if a.Action == action {
			var data map[string]any
			_ = json.Unmarshal([]byte(a.Data), &data)
			return data
		}
	}
	return nil
}

// fakeTxRunner runs one transaction at a time, which stands in for the row
// lock GetForUpdate takes.
type fakeTxRunner struct {
	mu     sync.Mutex
	ledger *fakeLedger
	calls  int
	err    error
}

func (r *fakeTxRunner) WithTx(_ context.Context, fn func(*sqlx.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	snap := r.ledger.snapshot()
	if err := fn(nil); err != nil {
		r.ledger.restore(snap)
		return err
	}
	return nil
}

type stubNotifier struct {
	mu           sync.Mutex
	recalculated []events.SettlementsRecalculated
	processed    []events.SettlementProcessed
}

func (n *stubNotifier) SettlementsRecalculated(_ context.Context, ev events.SettlementsRecalculated) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recalculated = append(n.recalculated, ev)
}

func (n *stubNotifier) SettlementProcessed(_ context.Context, ev events.SettlementProcessed) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processed = append(n.processed, ev)
}

type stubRecorder struct {
	mu             sync.Mutex
	recalculations map[string]int
	processed      map[string]int
	cleaned        int64
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{recalculations: map[string]int{}, processed: map[string]int{}}
}

func (r *stubRecorder) ObserveRecalculation(_, outcome string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recalculations[outcome]++
}

func (r *stubRecorder) IncProcessed(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[outcome]++
}

func (r *stubRecorder) AddObsoleteCleaned(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned += n
}

type stubCanceller struct {
	mu        sync.Mutex
	cancelled []string
	before    []time.Time
}

func (c *stubCanceller) CancelIfScheduledBefore(groupID string, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, groupID)
	c.before = append(c.before, t)
	return true
}

type fixture struct {
	ledger    *fakeLedger
	runner    *fakeTxRunner
	notifier  *stubNotifier
	metrics   *stubRecorder
	canceller *stubCanceller
	svc       *SettlementService
	processor *SettlementProcessor
}

// newFixture builds group g1 with four members where alice paid 100 split
// evenly, so bob, carol and dave each owe alice 25. dave is the group admin.
func newFixture() *fixture {
	ledger := newFakeLedger()
	ledger.addGroup("g1", "EUR")
	ledger.addMember("g1", "m1", "u-alice", "Alice", "member")
	ledger.addMember("g1", "m2", "u-bob", "Bob", "member")
	ledger.addMember("g1", "m3", "u-carol", "Carol", "member")
	ledger.addMember("g1", "m4", "u-dave", "Dave", "admin")
	ledger.addExpense("m1", "100", "m1", "m2", "m3", "m4")

	runner := &fakeTxRunner{ledger: ledger}
	notifier := &stubNotifier{}
	metrics := newStubRecorder()
	canceller := &stubCanceller{}
	svc := NewSettlementService(runner, nil, ledger, ledger, ledger, ledger, Options{Notifier: notifier, Metrics: metrics})
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	ledger.now = func() time.Time { return svc.now() }
	return &fixture{
		ledger:    ledger,
		runner:    runner,
		notifier:  notifier,
		metrics:   metrics,
		canceller: canceller,
		svc:       svc,
		processor: NewSettlementProcessor(svc, canceller),
	}
}

func (f *fixture) activeFrom(memberID string) models.Settlement {
	for _, s := range f.ledger.byStatus("g1", models.SettlementActive) {
		if s.FromMemberID == memberID {
			return s
		}
	}
	panic("no active settlement from " + memberID)
}
