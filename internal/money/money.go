package money

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const MinorUnits = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrNegativeAmount  = errors.New("amount must not be negative")
)

var (
	Epsilon = decimal.RequireFromString("0.01")
	Zero    = decimal.Zero
)

func Round(value decimal.Decimal) decimal.Decimal {
	return value.Round(MinorUnits)
}

func Format(value decimal.Decimal) string {
	return value.StringFixed(MinorUnits)
}

func FormatWithCurrency(value decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s %s", Format(value), currency)
}

func Parse(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if value.Exponent() < -MinorUnits && !value.Equal(Round(value)) {
		return decimal.Zero, ErrTooManyDecimals
	}
	return value, nil
}

func ParseNonNegative(input string) (decimal.Decimal, error) {
	value, err := Parse(input)
	if err != nil {
		return decimal.Zero, err
	}
	if value.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return value, nil
}

// NearZero reports whether |value| is strictly below the rounding epsilon.
func NearZero(value decimal.Decimal) bool {
	return value.Abs().LessThan(Epsilon)
}

func WithinTolerance(value, tolerance decimal.Decimal) bool {
	return value.Abs().LessThanOrEqual(tolerance)
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Hours converts an elapsed duration into fractional hours rounded for reporting.
func Hours(elapsed time.Duration) decimal.Decimal {
	return decimal.NewFromFloat(elapsed.Hours()).Round(MinorUnits)
}
