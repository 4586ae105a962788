// Package main is the entry point for the billing worker: raw bill ingestion,
// scheduled anomaly scans and budget alert evaluation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantumlayerhq/ql-billing/internal/worker"
	"github.com/quantumlayerhq/ql-billing/pkg/anomaly"
	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/budget"
	"github.com/quantumlayerhq/ql-billing/pkg/config"
	"github.com/quantumlayerhq/ql-billing/pkg/database"
	"github.com/quantumlayerhq/ql-billing/pkg/ingest"
	"github.com/quantumlayerhq/ql-billing/pkg/kafka"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger/postgres"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
	"github.com/quantumlayerhq/ql-billing/pkg/notify"
	"github.com/quantumlayerhq/ql-billing/pkg/telemetry"
	"github.com/quantumlayerhq/ql-billing/pkg/validation"
)

const serviceName = "billing-worker"

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log = log.WithService(serviceName)

	log.Info("starting billing worker",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	// Create context that listens for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tp, err := telemetry.NewProvider(telemetry.FromConfig(cfg.Telemetry, serviceName, version, cfg.Env))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Connect to database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database")

	store := postgres.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	m := metrics.New(nil)
	notifier := notify.New(cfg.Notifications, log, notify.WithMetrics(m))

	budgetOpts := []budget.Option{budget.WithNotifier(notifier), budget.WithMetrics(m)}
	detectorOpts := []anomaly.Option{
		anomaly.WithNotifier(notifier, cfg.Anomaly.Channels),
		anomaly.WithMetrics(m),
		anomaly.WithMinBaselineDays(cfg.Anomaly.MinBaselineDays),
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		defer producer.Close()
		log.Info("connected to Kafka producer")

		consumer, err = kafka.NewConsumer(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("failed to create Kafka consumer: %w", err)
		}
		defer consumer.Close()
		log.Info("connected to Kafka consumer")

		budgetOpts = append(budgetOpts, budget.WithPublisher(producer, cfg.Kafka.Topics.BudgetAlert))
		detectorOpts = append(detectorOpts, anomaly.WithPublisher(producer, cfg.Kafka.Topics.AnomalyDetected))
	}

	budgets := budget.NewService(store, budget.NewCalculator(store), log, budgetOpts...)
	detector := anomaly.NewDetector(store, store, log, detectorOpts...)

	// Raw bill ingestion
	if consumer != nil {
		tolerance, err := cfg.Billing.Tolerance()
		if err != nil {
			return err
		}
		calc := billing.NewCalculator(cfg.Billing.DefaultServiceDays)
		validator := validation.New(calc, validation.WithTolerance(tolerance))
		pipeline := ingest.NewPipeline(validator, calc, store, log, m)

		go func() {
			if err := pipeline.Consume(ctx, consumer, cfg.Kafka.Topics.RawBills); err != nil && ctx.Err() == nil {
				log.Error("raw bill consumer stopped", "error", err)
			}
		}()
	} else {
		log.Info("Kafka disabled, raw bill consumer not started")
	}

	// Scheduled jobs
	w := worker.New(detector, budgets, anomaly.Options{
		BaselineDays: cfg.Anomaly.BaselineDays,
		ThresholdStd: cfg.Anomaly.ThresholdStd,
	}, log, m)

	if err := w.Start(ctx, worker.Schedule{
		AnomalyScan:  cfg.Anomaly.Schedule,
		BudgetAlerts: cfg.Budget.AlertSchedule,
	}); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		checks := map[string]healthCheck{"database": db.Health}
		if cfg.Kafka.Enabled {
			checks["kafka"] = func(context.Context) error { return kafka.Health(cfg.Kafka.Brokers) }
		}
		mux.Handle("/healthz", newHealthHandler(checks, notifier))

		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w.Stop(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", "error", err)
		}
	}

	log.Info("billing worker shutdown complete")
	return nil
}
