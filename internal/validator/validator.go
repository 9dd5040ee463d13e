package validator

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"splitledger/internal/models"
	"splitledger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidDate   = errors.New("invalid date")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidNumber = errors.New("invalid number")
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidReason = errors.New("invalid reason")
)

var reasonRegex = regexp.MustCompile(`^[a-z0-9_.:-]{1,64}$`)

// ValidateID accepts canonical UUIDs only.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return ErrInvalidID
	}
	return nil
}

func ValidateReason(reason string) error {
	if !reasonRegex.MatchString(reason) {
		return ErrInvalidReason
	}
	return nil
}

// ParseDate accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func ParseDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, ErrInvalidDate
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func ParseAmount(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	amount, err := money.ParseNonNegative(raw)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	return &amount, nil
}

// ParsePositiveInt returns fallback for an empty value.
func ParsePositiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ErrInvalidNumber
	}
	return n, nil
}

// ParseStatuses splits a comma separated status list.
func ParseStatuses(raw string) ([]models.SettlementStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]models.SettlementStatus, 0, len(parts))
	for _, part := range parts {
		status := models.SettlementStatus(strings.ToLower(strings.TrimSpace(part)))
		if !status.Valid() {
			return nil, ErrInvalidStatus
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
