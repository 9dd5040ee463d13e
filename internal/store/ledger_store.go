package store

import (
	"context"

	"splitledger/internal/models"
	"splitledger/internal/settlement"

	"github.com/shopspring/decimal"
)

type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

type SettlementExpenseInput struct {
	ID           string
	GroupID      string
	Title        string
	Description  string
	Amount       decimal.Decimal
	Currency     string
	PayerID      string
	SplitID      string
	SettlementID string
	CreatedBy    string
}

// MemberTotals sums what every member of the group paid and owes. Members
// without any ledger activity are returned with zero totals.
func (s *LedgerStore) MemberTotals(ctx context.Context, q Selecter, groupID string) ([]settlement.MemberTotals, error) {
	var rows []settlement.MemberTotals
	err := q.SelectContext(ctx, &rows, `
		SELECT gm.id AS member_id,
		       gm.display_name,
		       gm.avatar_url,
		       COALESCE(paid.total, 0) AS total_paid,
		       COALESCE(owed.total, 0) AS total_owed
		FROM group_members gm
		LEFT JOIN (
			SELECT ep.member_id, SUM(ep.amount) AS total
			FROM expense_payers ep
			JOIN expenses e ON e.id = ep.expense_id
			WHERE e.group_id = $1
			GROUP BY ep.member_id
		) paid ON paid.member_id = gm.id
		LEFT JOIN (
			SELECT es.member_id, SUM(es.amount) AS total
			FROM expense_splits es
			JOIN expenses e ON e.id = es.expense_id
			WHERE e.group_id = $1
			GROUP BY es.member_id
		) owed ON owed.member_id = gm.id
		WHERE gm.group_id = $1
		ORDER BY gm.id
	`, groupID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) GroupCurrency(ctx context.Context, q Getter, groupID string) (string, error) {
	var currency string
	err := q.GetContext(ctx, &currency, `SELECT currency FROM groups WHERE id = $1`, groupID)
	return currency, err
}

// CreateSettlementExpense writes the derived expense with its single payer and single split.
func (s *LedgerStore) CreateSettlementExpense(ctx context.Context, tx Execer, input SettlementExpenseInput) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO expenses (id, group_id, title, description, amount, currency, category, settlement_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, input.ID, input.GroupID, input.Title, input.Description, input.Amount, input.Currency,
		models.ExpenseCategorySettlement, input.SettlementID, input.CreatedBy,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO expense_payers (expense_id, member_id, amount)
		VALUES ($1, $2, $3)
	`, input.ID, input.PayerID, input.Amount); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO expense_splits (expense_id, member_id, amount)
		VALUES ($1, $2, $3)
	`, input.ID, input.SplitID, input.Amount)
	return err
}

func (s *LedgerStore) GetExpense(ctx context.Context, q Getter, expenseID string) (models.Expense, error) {
	var row models.Expense
	err := q.GetContext(ctx, &row, `
		SELECT e.id, e.group_id, e.title, e.description, e.amount, e.currency, e.category,
		       e.settlement_id, e.created_by, e.created_at,
		       COALESCE(p.member_id, '') AS payer_member_id,
		       COALESCE(sp.member_id, '') AS split_member_id
		FROM expenses e
		LEFT JOIN expense_payers p ON p.expense_id = e.id
		LEFT JOIN expense_splits sp ON sp.expense_id = e.id
		WHERE e.id = $1
		LIMIT 1
	`, expenseID)
	if err != nil {
		return models.Expense{}, err
	}
	return row, nil
}
