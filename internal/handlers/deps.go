package handlers

import (
	"context"
	"time"

	"splitledger/internal/models"
	"splitledger/internal/scheduler"
	"splitledger/internal/services"
	"splitledger/internal/store"
)

type SettlementService interface {
	CalculateOptimalSettlements(ctx context.Context, groupID string) (services.CalculationResult, error)
	RecalculateSettlements(ctx context.Context, groupID string, opts services.RecalculateOptions) (services.CalculationResult, error)
	GetActiveSettlements(ctx context.Context, groupID string) (services.ActiveSettlements, error)
	GetSettlementHistory(ctx context.Context, groupID string, query services.HistoryQuery) (services.HistoryResult, error)
	GetSettlementAnalytics(ctx context.Context, groupID string, from, to *time.Time) (services.Analytics, error)
	GetAuditTrail(ctx context.Context, settlementID, userID string) (services.AuditTrail, error)
	ExportHistory(ctx context.Context, groupID string, filter store.HistoryFilter) ([]byte, error)
	GetSettlement(ctx context.Context, settlementID, userID string) (models.SettlementView, error)
	GetSummary(ctx context.Context, groupID string) (services.StatusSummary, error)
	CleanupObsolete(ctx context.Context, groupID string, retentionDays int) (int64, error)
}

type SettlementProcessor interface {
	ProcessSettlement(ctx context.Context, settlementID, userID string) (services.ProcessResult, error)
	ProcessMultiple(ctx context.Context, settlementIDs []string, userID string) (services.BatchResult, error)
	GetProcessingPreview(ctx context.Context, settlementID, userID string) services.PreviewResult
	GetStatistics(ctx context.Context, groupID string) (services.Statistics, error)
}

type RecalculationScheduler interface {
	Trigger(ctx context.Context, groupID, reason string, opts scheduler.TriggerOptions) error
	Force(ctx context.Context, groupID, reason string) error
	Cancel(groupID string) bool
	Pending() []scheduler.PendingRecalculation
	Stats() scheduler.Stats
}
