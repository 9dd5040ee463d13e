package settlement

import (
	"sort"

	"splitledger/internal/apperr"
	"splitledger/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// Epsilon is the smallest balance that still needs a transfer.
	Epsilon = decimal.RequireFromString("0.01")
	// ResidualTolerance bounds how far a member may stay from zero after all
	// transfers are applied. It is deliberately wider than Epsilon; batches
	// accepted under it must keep validating.
	ResidualTolerance = decimal.RequireFromString("1.00")
)

const amountPlaces = 2

// Party is the member snapshot a transfer refers to.
type Party struct {
	MemberID    string          `json:"member_id"`
	DisplayName string          `json:"display_name"`
	Balance     decimal.Decimal `json:"balance"`
}

// Transfer is a single recommended payment from a debtor to a creditor.
type Transfer struct {
	From   Party           `json:"from"`
	To     Party           `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type position struct {
	party     Party
	remaining decimal.Decimal
}

// Optimize reduces net balances to a small set of pairwise transfers by
// repeatedly matching the largest remaining creditor with the largest
// remaining debtor. The result never has more than creditors+debtors-1
// transfers.
//
// Every transfer but the last is rounded to cents as it is produced. The
// transfer closing the last creditor against the last debtor takes the exact
// remainder and is rounded once on output, so no fraction of a cent is left
// behind by intermediate rounding.
func Optimize(balances []models.MemberBalance) ([]Transfer, error) {
	seen := make(map[string]struct{}, len(balances))
	ordered := make([]models.MemberBalance, len(balances))
	copy(ordered, balances)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MemberID < ordered[j].MemberID
	})

	var creditors, debtors []*position
	for _, b := range ordered {
		if b.MemberID == "" {
			return nil, apperr.Calculation("balance without member id", nil)
		}
		if _, dup := seen[b.MemberID]; dup {
			return nil, apperr.Calculation("duplicate member in balance set", nil).With("member_id", b.MemberID)
		}
		seen[b.MemberID] = struct{}{}

		if b.Balance.Abs().LessThan(Epsilon) {
			continue
		}
		p := &position{
			party:     Party{MemberID: b.MemberID, DisplayName: b.DisplayName, Balance: b.Balance},
			remaining: b.Balance.Abs(),
		}
		if b.Balance.IsPositive() {
			creditors = append(creditors, p)
		} else {
			debtors = append(debtors, p)
		}
	}
	byMagnitude := func(list []*position) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].remaining.GreaterThan(list[j].remaining)
		})
	}
	byMagnitude(creditors)
	byMagnitude(debtors)

	transfers := make([]Transfer, 0, len(creditors)+len(debtors))
	i, j := 0, 0
	for i < len(creditors) && j < len(debtors) {
		creditor, debtor := creditors[i], debtors[j]

		amount := decimal.Min(creditor.remaining, debtor.remaining)
		final := i == len(creditors)-1 && j == len(debtors)-1
		if !final {
			amount = amount.Round(amountPlaces)
		}

		if stored := amount.Round(amountPlaces); stored.IsPositive() {
			transfers = append(transfers, Transfer{From: debtor.party, To: creditor.party, Amount: stored})
		}

		creditor.remaining = creditor.remaining.Sub(amount)
		debtor.remaining = debtor.remaining.Sub(amount)
		if creditor.remaining.LessThan(Epsilon) {
			i++
		}
		if debtor.remaining.LessThan(Epsilon) {
			j++
		}
	}

	if len(creditors) > 0 && len(debtors) > 0 && len(transfers) > len(creditors)+len(debtors)-1 {
		return nil, apperr.Calculation("optimizer produced more transfers than parties allow", nil).
			With("transfers", len(transfers))
	}
	return transfers, nil
}

// Apply returns each member's residual after the transfers are paid.
func Apply(transfers []Transfer, balances []models.MemberBalance) map[string]decimal.Decimal {
	residual := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		residual[b.MemberID] = b.Balance
	}
	for _, t := range transfers {
		residual[t.From.MemberID] = residual[t.From.MemberID].Add(t.Amount)
		residual[t.To.MemberID] = residual[t.To.MemberID].Sub(t.Amount)
	}
	return residual
}
