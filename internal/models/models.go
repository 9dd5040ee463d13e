package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementActive   SettlementStatus = "active"
	SettlementSettled  SettlementStatus = "settled"
	SettlementObsolete SettlementStatus = "obsolete"
)

func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementActive, SettlementSettled, SettlementObsolete:
		return true
	}
	return false
}

const ExpenseCategorySettlement = "settlement"

type Group struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Currency  string    `db:"currency" json:"currency"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Member struct {
	ID          string  `db:"id" json:"id"`
	GroupID     string  `db:"group_id" json:"group_id"`
	UserID      *string `db:"user_id" json:"user_id,omitempty"`
	DisplayName string  `db:"display_name" json:"display_name"`
	AvatarURL   *string `db:"avatar_url" json:"avatar_url,omitempty"`
	Role        string  `db:"role" json:"role"`
}

type MemberBalance struct {
	MemberID    string          `db:"member_id" json:"member_id"`
	DisplayName string          `db:"display_name" json:"display_name"`
	AvatarURL   *string         `db:"avatar_url" json:"avatar_url,omitempty"`
	TotalPaid   decimal.Decimal `db:"total_paid" json:"total_paid"`
	TotalOwed   decimal.Decimal `db:"total_owed" json:"total_owed"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
}

type Settlement struct {
	ID                   string           `db:"id" json:"id"`
	GroupID              string           `db:"group_id" json:"group_id"`
	FromMemberID         string           `db:"from_member_id" json:"from_member_id"`
	ToMemberID           string           `db:"to_member_id" json:"to_member_id"`
	Amount               decimal.Decimal  `db:"amount" json:"amount"`
	Currency             string           `db:"currency" json:"currency"`
	Status               SettlementStatus `db:"status" json:"status"`
	CalculationTimestamp time.Time        `db:"calculation_timestamp" json:"calculation_timestamp"`
	SettledAt            *time.Time       `db:"settled_at" json:"settled_at,omitempty"`
	SettledBy            *string          `db:"settled_by" json:"settled_by,omitempty"`
	CreatedExpenseID     *string          `db:"created_expense_id" json:"created_expense_id,omitempty"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// SettlementView is a settlement joined with both members' display data.
type SettlementView struct {
	Settlement
	FromName      string  `db:"from_name" json:"from_name"`
	FromAvatarURL *string `db:"from_avatar_url" json:"from_avatar_url,omitempty"`
	ToName        string  `db:"to_name" json:"to_name"`
	ToAvatarURL   *string `db:"to_avatar_url" json:"to_avatar_url,omitempty"`
	SettledByName *string `db:"settled_by_name" json:"settled_by_name,omitempty"`
}

type Expense struct {
	ID           string          `db:"id" json:"id"`
	GroupID      string          `db:"group_id" json:"group_id"`
	Title        string          `db:"title" json:"title"`
	Description  string          `db:"description" json:"description"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Currency     string          `db:"currency" json:"currency"`
	Category     string          `db:"category" json:"category"`
	SettlementID *string         `db:"settlement_id" json:"settlement_id,omitempty"`
	CreatedBy    *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	PayerID      string          `db:"payer_member_id" json:"payer_member_id"`
	SplitID      string          `db:"split_member_id" json:"split_member_id"`
}

type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	ActorID    *string   `db:"actor_user_id" json:"actor_user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Data       string    `db:"data" json:"data"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type StatusSummary struct {
	Status SettlementStatus `db:"status" json:"status"`
	Count  int              `db:"count" json:"count"`
	Total  decimal.Decimal  `db:"total" json:"total_amount"`
}
