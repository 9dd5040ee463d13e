package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"splitledger/internal/models"

	"github.com/shopspring/decimal"
)

type SettlementStore struct {
	db DB
}

func NewSettlementStore(db DB) *SettlementStore {
	return &SettlementStore{db: db}
}

type SettlementInput struct {
	ID                   string
	GroupID              string
	FromMemberID         string
	ToMemberID           string
	Amount               decimal.Decimal
	Currency             string
	CalculationTimestamp time.Time
}

type HistoryFilter struct {
	From      *time.Time
	To        *time.Time
	MemberID  string
	SettledBy string
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Statuses  []models.SettlementStatus
}

type HistorySort struct {
	Field string
	Order string
}

type Page struct {
	Limit  int
	Offset int
}

const settlementColumns = `
	s.id, s.group_id, s.from_member_id, s.to_member_id, s.amount, s.currency, s.status,
	s.calculation_timestamp, s.settled_at, s.settled_by, s.created_expense_id, s.created_at, s.updated_at`

const settlementViewSelect = `
	SELECT ` + settlementColumns + `,
	       fm.display_name AS from_name, fm.avatar_url AS from_avatar_url,
	       tm.display_name AS to_name, tm.avatar_url AS to_avatar_url,
	       u.username AS settled_by_name
	FROM settlements s
	JOIN group_members fm ON fm.id = s.from_member_id
	JOIN group_members tm ON tm.id = s.to_member_id
	LEFT JOIN users u ON u.id = s.settled_by`

var historySortColumns = map[string]string{
	"settled_at": "s.settled_at",
	"created_at": "s.created_at",
	"amount":     "s.amount",
}

func (s *SettlementStore) ObsoleteActive(ctx context.Context, tx Execer, groupID string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE settlements
		SET status = 'obsolete', updated_at = NOW()
		WHERE group_id = $1 AND status = 'active'
	`, groupID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SettlementStore) InsertBatch(ctx context.Context, tx Execer, rows []SettlementInput) error {
	query := `
		INSERT INTO settlements (id, group_id, from_member_id, to_member_id, amount, currency, status, calculation_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7)
	`
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, query,
			row.ID, row.GroupID, row.FromMemberID, row.ToMemberID, row.Amount, row.Currency, row.CalculationTimestamp,
		); err != nil {
			return fmt.Errorf("insert settlement %s: %w", row.ID, err)
		}
	}
	return nil
}

func (s *SettlementStore) GetForUpdate(ctx context.Context, tx Getter, settlementID string) (models.Settlement, error) {
	var row models.Settlement
	err := tx.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM settlements s
		WHERE s.id = $1
		FOR UPDATE
	`, settlementID)
	if err != nil {
		return models.Settlement{}, err
	}
	return row, nil
}

// MarkSettled moves an active settlement to settled. Zero affected rows means
// the settlement was no longer active.
func (s *SettlementStore) MarkSettled(ctx context.Context, tx Execer, settlementID, settledBy, expenseID string, settledAt time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE settlements
		SET status = 'settled', settled_by = $2, settled_at = $3, created_expense_id = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, settlementID, settledBy, settledAt, expenseID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SettlementStore) DeleteObsolete(ctx context.Context, tx Execer, groupID string, olderThan time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM settlements
		WHERE group_id = $1 AND status = 'obsolete' AND updated_at < $2
	`, groupID, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SettlementStore) ListActive(ctx context.Context, q Selecter, groupID string) ([]models.SettlementView, error) {
	var rows []models.SettlementView
	err := q.SelectContext(ctx, &rows, settlementViewSelect+`
		WHERE s.group_id = $1 AND s.status = 'active'
		ORDER BY s.amount DESC, s.id
	`, groupID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SettlementStore) GetView(ctx context.Context, settlementID string) (models.SettlementView, error) {
	var row models.SettlementView
	err := s.db.GetContext(ctx, &row, settlementViewSelect+` WHERE s.id = $1`, settlementID)
	if err != nil {
		return models.SettlementView{}, err
	}
	return row, nil
}

func (s *SettlementStore) ListBatch(ctx context.Context, groupID string, calculatedAt time.Time) ([]models.SettlementView, error) {
	var rows []models.SettlementView
	err := s.db.SelectContext(ctx, &rows, settlementViewSelect+`
		WHERE s.group_id = $1 AND s.calculation_timestamp = $2
		ORDER BY s.amount DESC, s.id
	`, groupID, calculatedAt)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SettlementStore) ListHistory(ctx context.Context, groupID string, filter HistoryFilter, sort HistorySort, page Page) ([]models.SettlementView, error) {
	where, args := historyWhere(groupID, filter)
	query := settlementViewSelect + where + " ORDER BY " + historyOrder(sort) + ", s.id"
	if page.Limit > 0 {
		args = append(args, page.Limit, page.Offset)
		query += " LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args))
	}
	var rows []models.SettlementView
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SettlementStore) CountHistory(ctx context.Context, groupID string, filter HistoryFilter) (int, error) {
	where, args := historyWhere(groupID, filter)
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM settlements s`+where, args...)
	return count, err
}

func (s *SettlementStore) SummaryByStatus(ctx context.Context, groupID string) ([]models.StatusSummary, error) {
	var rows []models.StatusSummary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(1) AS count, COALESCE(SUM(amount), 0) AS total
		FROM settlements
		WHERE group_id = $1
		GROUP BY status
		ORDER BY status
	`, groupID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SettlementStore) CountSettledWithExpense(ctx context.Context, groupID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(1)
		FROM settlements
		WHERE group_id = $1 AND status = 'settled' AND created_expense_id IS NOT NULL
	`, groupID)
	return count, err
}

func historyWhere(groupID string, filter HistoryFilter) (string, []any) {
	clauses := []string{"s.group_id = $1"}
	args := []any{groupID}
	add := func(format string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(format, "$"+itoa(len(args))))
	}

	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []models.SettlementStatus{models.SettlementSettled}
	}
	placeholders := make([]string, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
		placeholders = append(placeholders, "$"+itoa(len(args)))
	}
	clauses = append(clauses, "s.status IN ("+strings.Join(placeholders, ", ")+")")

	if filter.From != nil {
		add("COALESCE(s.settled_at, s.created_at) >= %s", *filter.From)
	}
	if filter.To != nil {
		add("COALESCE(s.settled_at, s.created_at) <= %s", *filter.To)
	}
	if filter.MemberID != "" {
		args = append(args, filter.MemberID)
		ph := "$" + itoa(len(args))
		clauses = append(clauses, "(s.from_member_id = "+ph+" OR s.to_member_id = "+ph+")")
	}
	if filter.SettledBy != "" {
		add("s.settled_by = %s", filter.SettledBy)
	}
	if filter.MinAmount != nil {
		add("s.amount >= %s", *filter.MinAmount)
	}
	if filter.MaxAmount != nil {
		add("s.amount <= %s", *filter.MaxAmount)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func historyOrder(sort HistorySort) string {
	column, ok := historySortColumns[sort.Field]
	if !ok {
		column = historySortColumns["settled_at"]
	}
	direction := "DESC"
	if strings.EqualFold(sort.Order, "asc") {
		direction = "ASC"
	}
	if column == "s.settled_at" {
		return column + " " + direction + " NULLS LAST"
	}
	return column + " " + direction
}

func itoa(value int) string {
	return strconv.Itoa(value)
}
