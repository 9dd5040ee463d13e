package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"splitledger/internal/auth"
	"splitledger/internal/config"
	"splitledger/internal/models"
	"splitledger/internal/scheduler"
	"splitledger/internal/services"
	"splitledger/internal/store"
)

const testSecret = "secret"

type stubSettlementService struct {
	calculateFn   func(ctx context.Context, groupID string) (services.CalculationResult, error)
	recalculateFn func(ctx context.Context, groupID string, opts services.RecalculateOptions) (services.CalculationResult, error)
	activeFn      func(ctx context.Context, groupID string) (services.ActiveSettlements, error)
	historyFn     func(ctx context.Context, groupID string, query services.HistoryQuery) (services.HistoryResult, error)
	analyticsFn   func(ctx context.Context, groupID string, from, to *time.Time) (services.Analytics, error)
	auditTrailFn  func(ctx context.Context, settlementID, userID string) (services.AuditTrail, error)
	exportFn      func(ctx context.Context, groupID string, filter store.HistoryFilter) ([]byte, error)
	getFn         func(ctx context.Context, settlementID, userID string) (models.SettlementView, error)
	summaryFn     func(ctx context.Context, groupID string) (services.StatusSummary, error)
	cleanupFn     func(ctx context.Context, groupID string, retentionDays int) (int64, error)
}

func (s stubSettlementService) CalculateOptimalSettlements(ctx context.Context, groupID string) (services.CalculationResult, error) {
	if s.calculateFn == nil {
		return services.CalculationResult{}, nil
	}
	return s.calculateFn(ctx, groupID)
}

func (s stubSettlementService) RecalculateSettlements(ctx context.Context, groupID string, opts services.RecalculateOptions) (services.CalculationResult, error) {
	if s.recalculateFn == nil {
		return services.CalculationResult{}, nil
	}
	return s.recalculateFn(ctx, groupID, opts)
}

func (s stubSettlementService) GetActiveSettlements(ctx context.Context, groupID string) (services.ActiveSettlements, error) {
	if s.activeFn == nil {
		return services.ActiveSettlements{}, nil
	}
	return s.activeFn(ctx, groupID)
}

func (s stubSettlementService) GetSettlementHistory(ctx context.Context, groupID string, query services.HistoryQuery) (services.HistoryResult, error) {
	if s.historyFn == nil {
		return services.HistoryResult{}, nil
	}
	return s.historyFn(ctx, groupID, query)
}

func (s stubSettlementService) GetSettlementAnalytics(ctx context.Context, groupID string, from, to *time.Time) (services.Analytics, error) {
	if s.analyticsFn == nil {
		return services.Analytics{}, nil
	}
	return s.analyticsFn(ctx, groupID, from, to)
}

func (s stubSettlementService) GetAuditTrail(ctx context.Context, settlementID, userID string) (services.AuditTrail, error) {
	if s.auditTrailFn == nil {
		return services.AuditTrail{}, nil
	}
	return s.auditTrailFn(ctx, settlementID, userID)
}

func (s stubSettlementService) ExportHistory(ctx context.Context, groupID string, filter store.HistoryFilter) ([]byte, error) {
	if s.exportFn == nil {
		return nil, nil
	}
	return s.exportFn(ctx, groupID, filter)
}

func (s stubSettlementService) GetSettlement(ctx context.Context, settlementID, userID string) (models.SettlementView, error) {
	if s.getFn == nil {
		return models.SettlementView{}, nil
	}
	return s.getFn(ctx, settlementID, userID)
}

func (s stubSettlementService) GetSummary(ctx context.Context, groupID string) (services.StatusSummary, error) {
	if s.summaryFn == nil {
		return services.StatusSummary{}, nil
	}
	return s.summaryFn(ctx, groupID)
}

func (s stubSettlementService) CleanupObsolete(ctx context.Context, groupID string, retentionDays int) (int64, error) {
	if s.cleanupFn == nil {
		return 0, nil
	}
	return s.cleanupFn(ctx, groupID, retentionDays)
}

type stubProcessor struct {
	processFn    func(ctx context.Context, settlementID, userID string) (services.ProcessResult, error)
	multipleFn   func(ctx context.Context, settlementIDs []string, userID string) (services.BatchResult, error)
	previewFn    func(ctx context.Context, settlementID, userID string) services.PreviewResult
	statisticsFn func(ctx context.Context, groupID string) (services.Statistics, error)
}

func (s stubProcessor) ProcessSettlement(ctx context.Context, settlementID, userID string) (services.ProcessResult, error) {
	if s.processFn == nil {
		return services.ProcessResult{}, nil
	}
	return s.processFn(ctx, settlementID, userID)
}

func (s stubProcessor) ProcessMultiple(ctx context.Context, settlementIDs []string, userID string) (services.BatchResult, error) {
	if s.multipleFn == nil {
		return services.BatchResult{}, nil
	}
	return s.multipleFn(ctx, settlementIDs, userID)
}

func (s stubProcessor) GetProcessingPreview(ctx context.Context, settlementID, userID string) services.PreviewResult {
	if s.previewFn == nil {
		return services.PreviewResult{}
	}
	return s.previewFn(ctx, settlementID, userID)
}

func (s stubProcessor) GetStatistics(ctx context.Context, groupID string) (services.Statistics, error) {
	if s.statisticsFn == nil {
		return services.Statistics{}, nil
	}
	return s.statisticsFn(ctx, groupID)
}

type stubScheduler struct {
	triggerFn func(ctx context.Context, groupID, reason string, opts scheduler.TriggerOptions) error
	forceFn   func(ctx context.Context, groupID, reason string) error
	cancelFn  func(groupID string) bool
	pending   []scheduler.PendingRecalculation
	stats     scheduler.Stats
}

func (s stubScheduler) Trigger(ctx context.Context, groupID, reason string, opts scheduler.TriggerOptions) error {
	if s.triggerFn == nil {
		return nil
	}
	return s.triggerFn(ctx, groupID, reason, opts)
}

func (s stubScheduler) Force(ctx context.Context, groupID, reason string) error {
	if s.forceFn == nil {
		return nil
	}
	return s.forceFn(ctx, groupID, reason)
}

func (s stubScheduler) Cancel(groupID string) bool {
	if s.cancelFn == nil {
		return false
	}
	return s.cancelFn(groupID)
}

func (s stubScheduler) Pending() []scheduler.PendingRecalculation {
	return s.pending
}

func (s stubScheduler) Stats() scheduler.Stats {
	return s.stats
}

type stubMembers struct {
	isMemberFn func(ctx context.Context, groupID, userID string) (bool, error)
}

func (s stubMembers) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if s.isMemberFn == nil {
		return true, nil
	}
	return s.isMemberFn(ctx, groupID, userID)
}

func newTestHandler(settlements SettlementService, processor SettlementProcessor, sched RecalculationScheduler, members stubMembers) *Handler {
	cfg := config.Config{
		AppEnv:         "test",
		Port:           "0",
		JWTSecret:      testSecret,
		TokenTTL:       time.Minute,
		AllowedOrigins: "*",
		Retention:      config.RetentionConfig{ObsoleteDays: 30},
	}
	return New(cfg, settlements, processor, sched, members, nil, nil, quietLogger())
}

// serveWithAuth routes the request through the full router with a token for userID.
func serveWithAuth(t *testing.T, handler *Handler, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, userID, time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)
	return rr
}

func stringPtr(value string) *string {
	return &value
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
