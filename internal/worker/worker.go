// Package worker runs the scheduled billing jobs: the daily anomaly scan and
// budget alert evaluation.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantumlayerhq/ql-billing/pkg/anomaly"
	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
	"github.com/quantumlayerhq/ql-billing/pkg/telemetry"
)

// Job names, used for spans, metrics and logs.
const (
	JobAnomalyScan  = "anomaly_scan"
	JobBudgetAlerts = "budget_alerts"
)

// AnomalyScanner scans accounts for cost anomalies on a date.
type AnomalyScanner interface {
	Scan(ctx context.Context, accountIDs []string, date time.Time, opts anomaly.Options) ([]anomaly.Anomaly, error)
}

// AlertEvaluator evaluates budget thresholds.
type AlertEvaluator interface {
	EvaluateAlerts(ctx context.Context, now time.Time) (int, error)
}

// Schedule holds cron expressions for the jobs. Expressions take a leading
// seconds field; descriptors such as "@every 1h" also work. An empty
// expression disables the job.
type Schedule struct {
	AnomalyScan  string
	BudgetAlerts string
}

// Worker runs jobs on a cron scheduler.
type Worker struct {
	scanner   AnomalyScanner
	evaluator AlertEvaluator
	opts      anomaly.Options
	log       *logger.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	cron      *cron.Cron
}

// New creates a worker. metrics may be nil.
func New(scanner AnomalyScanner, evaluator AlertEvaluator, opts anomaly.Options, log *logger.Logger, m *metrics.Collector) *Worker {
	log = log.WithComponent("worker")
	return &Worker{
		scanner:   scanner,
		evaluator: evaluator,
		opts:      opts,
		log:       log,
		metrics:   m,
		now:       time.Now,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger{log: log}),
			cron.WithChain(cron.Recover(cronLogger{log: log}), cron.SkipIfStillRunning(cronLogger{log: log})),
		),
	}
}

// ScanAnomalies scans every account with recorded costs for yesterday.
func (w *Worker) ScanAnomalies(ctx context.Context) error {
	date := billing.Day(w.now()).AddDate(0, 0, -1)

	return w.run(ctx, JobAnomalyScan, func(ctx context.Context) error {
		found, err := w.scanner.Scan(ctx, nil, date, w.opts)
		w.log.InfoContext(ctx, "anomaly scan finished",
			"date", date.Format(billing.DateLayout),
			"anomalies", len(found),
		)
		return err
	})
}

// EvaluateBudgets checks every budget against its thresholds.
func (w *Worker) EvaluateBudgets(ctx context.Context) error {
	return w.run(ctx, JobBudgetAlerts, func(ctx context.Context) error {
		sent, err := w.evaluator.EvaluateAlerts(ctx, w.now())
		w.log.InfoContext(ctx, "budget alert evaluation finished", "alerts", sent)
		return err
	})
}

func (w *Worker) run(ctx context.Context, job string, fn func(context.Context) error) error {
	ctx, span := telemetry.JobSpan(ctx, job)
	ctx = logger.SetContextValue(ctx, logger.JobKey, job)
	ctx = logger.SetContextValue(ctx, logger.TraceIDKey, telemetry.GetTraceID(ctx))
	started := time.Now()
	stop := telemetry.Timed(span)

	err := fn(ctx)

	stop()
	span.Finish(err)
	w.metrics.ObserveJob(job, started, err)
	if err != nil {
		w.log.ErrorContext(ctx, "job failed", "duration", time.Since(started).String(), "error", err)
		return err
	}
	w.log.DebugContext(ctx, "job completed", "duration", time.Since(started).String())
	return nil
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx.
func (w *Worker) Start(ctx context.Context, s Schedule) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{JobAnomalyScan, s.AnomalyScan, w.ScanAnomalies},
		{JobBudgetAlerts, s.BudgetAlerts, w.EvaluateBudgets},
	}

	for _, job := range jobs {
		if job.spec == "" {
			w.log.Info("job disabled", "job", job.name)
			continue
		}
		fn := job.fn
		if _, err := w.cron.AddFunc(job.spec, func() { _ = fn(ctx) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
		w.log.Info("job scheduled", "job", job.name, "schedule", job.spec)
	}

	w.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs until ctx ends.
func (w *Worker) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		w.log.Warn("jobs still running at shutdown")
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
