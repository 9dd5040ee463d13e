// Package settlement holds the pure parts of the settlement engine: balance
// aggregation, debt minimization and closure validation. Nothing here touches
// storage; callers feed it ledger totals and persist what it returns.
package settlement

import (
	"sort"

	"splitledger/internal/models"

	"github.com/shopspring/decimal"
)

// MemberTotals is one member's aggregated ledger activity within a group.
type MemberTotals struct {
	MemberID    string          `db:"member_id"`
	DisplayName string          `db:"display_name"`
	AvatarURL   *string         `db:"avatar_url"`
	TotalPaid   decimal.Decimal `db:"total_paid"`
	TotalOwed   decimal.Decimal `db:"total_owed"`
}

// CalculateBalances turns ledger totals into net balances. Every member is
// returned, including members without activity, ordered by member id.
func CalculateBalances(totals []MemberTotals) []models.MemberBalance {
	balances := make([]models.MemberBalance, 0, len(totals))
	for _, t := range totals {
		balances = append(balances, models.MemberBalance{
			MemberID:    t.MemberID,
			DisplayName: t.DisplayName,
			AvatarURL:   t.AvatarURL,
			TotalPaid:   t.TotalPaid,
			TotalOwed:   t.TotalOwed,
			Balance:     t.TotalPaid.Sub(t.TotalOwed),
		})
	}
	sort.SliceStable(balances, func(i, j int) bool {
		return balances[i].MemberID < balances[j].MemberID
	})
	return balances
}

func SumBalances(balances []models.MemberBalance) decimal.Decimal {
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.Balance)
	}
	return total
}

// Summary describes a balance set and the transfers computed for it.
type Summary struct {
	MemberCount      int             `json:"member_count"`
	CreditorCount    int             `json:"creditor_count"`
	DebtorCount      int             `json:"debtor_count"`
	SettledCount     int             `json:"settled_member_count"`
	TransferCount    int             `json:"settlement_count"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	Currency         string          `json:"currency"`
}

func Summarize(balances []models.MemberBalance, transfers []Transfer, currency string) Summary {
	summary := Summary{
		MemberCount:      len(balances),
		TransferCount:    len(transfers),
		TotalAmount:      decimal.Zero,
		TotalOutstanding: decimal.Zero,
		Currency:         currency,
	}
	for _, b := range balances {
		switch {
		case b.Balance.Abs().LessThan(Epsilon):
			summary.SettledCount++
		case b.Balance.IsPositive():
			summary.CreditorCount++
			summary.TotalOutstanding = summary.TotalOutstanding.Add(b.Balance)
		default:
			summary.DebtorCount++
		}
	}
	for _, t := range transfers {
		summary.TotalAmount = summary.TotalAmount.Add(t.Amount)
	}
	return summary
}
