package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"splitledger/internal/config"
	"splitledger/internal/db"
	"splitledger/internal/events"
	"splitledger/internal/handlers"
	"splitledger/internal/logging"
	"splitledger/internal/metrics"
	"splitledger/internal/scheduler"
	"splitledger/internal/services"
	"splitledger/internal/store"
	"splitledger/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName, cfg.AppEnv)
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.AppEnv, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to init tracing", logging.Err(err))
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect database", logging.Err(err))
		os.Exit(1)
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)

	var publisher events.Publisher
	if cfg.KafkaEnabled() {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", logging.Err(err))
			os.Exit(1)
		}
		publisher = events.NewDLQPublisher(producer, producer, cfg.Kafka.DLQTopic, logger)
		defer publisher.Close()
	}
	notifier := events.NewNotifier(publisher, cfg.Kafka.Topic, logger, appMetrics)

	coordinator, closeCoordinator := newCoordinator(cfg, logger)
	defer closeCoordinator()

	settlementStore := store.NewSettlementStore(database)
	ledger := store.NewLedgerStore(database)
	members := store.NewMemberStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)

	service := services.NewSettlementService(txRunner, database, settlementStore, ledger, members, audit, services.Options{
		Logger:                logger,
		Notifier:              notifier,
		Metrics:               appMetrics,
		ObsoleteRetentionDays: cfg.Retention.ObsoleteDays,
	})
	recalcScheduler := scheduler.New(service, scheduler.Options{
		Delay:       cfg.Recalc.Delay,
		Timeout:     cfg.Recalc.Timeout,
		LeaseTTL:    cfg.Scheduler.LeaseTTL,
		Coordinator: coordinator,
		Logger:      logger,
		Metrics:     appMetrics,
	})
	processor := services.NewSettlementProcessor(service, recalcScheduler)

	handler := handlers.New(cfg, service, processor, recalcScheduler, members, appMetrics, metrics.Handler(registry), logger)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Recalc.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("settlement API listening", "addr", server.Addr, "coordinator", cfg.Scheduler.Coordinator, "kafka", cfg.KafkaEnabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", logging.Err(err))
			os.Exit(1)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", logging.Err(err))
	}
	recalcScheduler.Stop()
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown error", logging.Err(err))
	}
	logger.Info("settlement API stopped")
}

func newCoordinator(cfg config.Config, logger *slog.Logger) (scheduler.Coordinator, func()) {
	if cfg.Scheduler.Coordinator != "redis" {
		return scheduler.NewMemoryCoordinator(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable at startup", "addr", cfg.Redis.Addr, logging.Err(err))
	}
	return scheduler.NewRedisCoordinator(client, ""), func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close error", logging.Err(err))
		}
	}
}
