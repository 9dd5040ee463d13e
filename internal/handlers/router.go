package handlers

import (
	"log/slog"
	"net/http"

	"splitledger/internal/config"
	"splitledger/internal/metrics"
	"splitledger/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Handler struct {
	cfg            config.Config
	settlements    SettlementService
	processor      SettlementProcessor
	scheduler      RecalculationScheduler
	members        middleware.GroupMembership
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
}

func New(cfg config.Config, settlements SettlementService, processor SettlementProcessor, scheduler RecalculationScheduler, members middleware.GroupMembership, m *metrics.Metrics, metricsHandler http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:            cfg,
		settlements:    settlements,
		processor:      processor,
		scheduler:      scheduler,
		members:        members,
		metrics:        m,
		metricsHandler: metricsHandler,
		logger:         logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(h.metrics.Instrument)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Route("/groups/{groupID}/settlements", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Use(middleware.RequireGroupMember(h.members, "groupID"))
		r.Get("/", h.ListActiveSettlements)
		r.Get("/calculate", h.CalculateSettlements)
		r.Post("/recalculate", h.RecalculateSettlements)
		r.Post("/trigger", h.TriggerRecalculation)
		r.Delete("/trigger", h.CancelRecalculation)
		r.Get("/history", h.SettlementHistory)
		r.Get("/analytics", h.SettlementAnalytics)
		r.Get("/export", h.ExportSettlements)
		r.Get("/statistics", h.SettlementStatistics)
		r.Get("/summary", h.SettlementSummary)
		r.Delete("/obsolete", h.CleanupObsolete)
	})

	router.Route("/settlements", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Post("/process-batch", h.ProcessBatch)
		r.Get("/{id}", h.GetSettlement)
		r.Get("/{id}/audit", h.SettlementAuditTrail)
		r.Get("/{id}/preview", h.PreviewSettlement)
		r.Post("/{id}/process", h.ProcessSettlement)
	})

	router.With(middleware.Auth(h.cfg.JWTSecret)).Get("/scheduler", h.SchedulerStatus)

	if h.metricsHandler != nil {
		router.Method(http.MethodGet, h.cfg.MetricsPath, h.metricsHandler)
	}
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
