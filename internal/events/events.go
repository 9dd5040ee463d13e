package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TypeSettlementsRecalculated = "settlements.recalculated"
	TypeSettlementProcessed     = "settlement.processed"
)

type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
	GroupID      string    `json:"group_id"`
}

func NewEnvelopeWithID(eventID, eventType string, version int, groupID string) (Envelope, error) {
	env := Envelope{
		EventID:      eventID,
		EventType:    eventType,
		EventVersion: version,
		Timestamp:    time.Now().UTC(),
		GroupID:      groupID,
	}
	return env, env.Validate()
}

// DeterministicEventID derives a stable id so redelivered events dedupe downstream.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	return nil
}

type SettlementsRecalculated struct {
	Envelope
	Reason               string          `json:"reason,omitempty"`
	CalculationTimestamp time.Time       `json:"calculation_timestamp"`
	SettlementCount      int             `json:"settlement_count"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	Currency             string          `json:"currency"`
	ObsoletedCount       int64           `json:"obsoleted_count"`
}

type SettlementProcessed struct {
	Envelope
	SettlementID string          `json:"settlement_id"`
	ExpenseID    string          `json:"expense_id"`
	FromMemberID string          `json:"from_member_id"`
	ToMemberID   string          `json:"to_member_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	SettledBy    string          `json:"settled_by"`
}

type Recorder interface {
	IncEvent(eventType, outcome string)
}

// Notifier emits settlement notifications for an external channel to relay.
// A nil publisher turns every call into a logged no-op.
type Notifier struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
	metrics   Recorder
}

func NewNotifier(publisher Publisher, topic string, logger *slog.Logger, metrics Recorder) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: publisher, topic: topic, logger: logger, metrics: metrics}
}

func (n *Notifier) SettlementsRecalculated(ctx context.Context, event SettlementsRecalculated) {
	if n == nil {
		return
	}
	env, err := NewEnvelopeWithID(
		DeterministicEventID(TypeSettlementsRecalculated, event.GroupID, event.CalculationTimestamp.Format(time.RFC3339Nano)),
		TypeSettlementsRecalculated, 1, event.GroupID,
	)
	if err != nil {
		n.logger.Warn("invalid recalculation event", "group_id", event.GroupID, "error", err)
		return
	}
	event.Envelope = env
	n.publish(ctx, TypeSettlementsRecalculated, event.GroupID, event)
}

func (n *Notifier) SettlementProcessed(ctx context.Context, event SettlementProcessed) {
	if n == nil {
		return
	}
	env, err := NewEnvelopeWithID(
		DeterministicEventID(TypeSettlementProcessed, event.SettlementID),
		TypeSettlementProcessed, 1, event.GroupID,
	)
	if err != nil {
		n.logger.Warn("invalid settlement event", "settlement_id", event.SettlementID, "error", err)
		return
	}
	event.Envelope = env
	n.publish(ctx, TypeSettlementProcessed, event.GroupID, event)
}

func (n *Notifier) publish(ctx context.Context, eventType, key string, value any) {
	if n.publisher == nil {
		n.logger.Debug("notification skipped, no publisher", "event_type", eventType, "group_id", key)
		n.record(eventType, "skipped")
		return
	}
	if _, _, err := n.publisher.PublishJSON(ctx, n.topic, key, value); err != nil {
		n.logger.Warn("notification publish failed", "event_type", eventType, "group_id", key, "error", err)
		n.record(eventType, "failed")
		return
	}
	n.record(eventType, "published")
}

func (n *Notifier) record(eventType, outcome string) {
	if n.metrics != nil {
		n.metrics.IncEvent(eventType, outcome)
	}
}
