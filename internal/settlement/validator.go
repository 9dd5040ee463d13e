package settlement

import (
	"fmt"

	"splitledger/internal/apperr"
	"splitledger/internal/models"

	"github.com/shopspring/decimal"
)

type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// Err converts a failed result into a validation error carrying every violation.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return apperr.Validation("settlement validation failed", r.Errors...)
}

// Validate checks a transfer set against the balances it was computed from.
// Nothing may be persisted unless the result is valid.
func Validate(transfers []Transfer, balances []models.MemberBalance) ValidationResult {
	var errs []string
	known := make(map[string]struct{}, len(balances))
	for _, b := range balances {
		known[b.MemberID] = struct{}{}
	}

	if len(transfers) == 0 {
		for _, b := range balances {
			if b.Balance.Abs().GreaterThanOrEqual(Epsilon) {
				errs = append(errs, fmt.Sprintf("no settlements produced but member %s has unsettled balance %s", b.MemberID, b.Balance.StringFixed(amountPlaces)))
			}
		}
		return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
	}

	pairs := make(map[[2]string]struct{}, len(transfers))
	for idx, t := range transfers {
		if t.From.MemberID == "" || t.To.MemberID == "" {
			errs = append(errs, fmt.Sprintf("settlement %d is missing a member", idx))
			continue
		}
		if !t.Amount.IsPositive() {
			errs = append(errs, fmt.Sprintf("settlement %d has non-positive amount %s", idx, t.Amount.String()))
		}
		if t.From.MemberID == t.To.MemberID {
			errs = append(errs, fmt.Sprintf("settlement %d pays member %s to itself", idx, t.From.MemberID))
		}
		if _, ok := known[t.From.MemberID]; !ok {
			errs = append(errs, fmt.Sprintf("settlement %d references unknown member %s", idx, t.From.MemberID))
		}
		if _, ok := known[t.To.MemberID]; !ok {
			errs = append(errs, fmt.Sprintf("settlement %d references unknown member %s", idx, t.To.MemberID))
		}
		key := [2]string{t.From.MemberID, t.To.MemberID}
		if _, dup := pairs[key]; dup {
			errs = append(errs, fmt.Sprintf("duplicate settlement from %s to %s", t.From.MemberID, t.To.MemberID))
		}
		pairs[key] = struct{}{}
	}

	residuals := Apply(transfers, balances)
	for _, b := range balances {
		residual := residuals[b.MemberID]
		if residual.Abs().GreaterThan(ResidualTolerance) {
			errs = append(errs, fmt.Sprintf("member %s keeps residual balance %s after settlements", b.MemberID, residual.StringFixed(amountPlaces)))
		}
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// Closes reports whether the transfers zero every balance within Epsilon.
func Closes(transfers []Transfer, balances []models.MemberBalance) bool {
	for _, residual := range Apply(transfers, balances) {
		if residual.Abs().GreaterThanOrEqual(Epsilon) {
			return false
		}
	}
	return true
}

func TotalAmount(transfers []Transfer) decimal.Decimal {
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}
	return total
}
