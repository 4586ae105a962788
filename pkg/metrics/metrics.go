// Package metrics exposes Prometheus metrics for ingestion, validation,
// anomaly detection, budget alerting and notification delivery.
//
// All recording methods are safe on a nil *Collector, so components can be
// built without metrics in tests and one-shot CLI runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qlbilling"

// Collector owns the billing metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	itemsIngested    *prometheus.CounterVec
	validationIssues *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	budgetAlerts     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// New creates a collector. A nil registry gets a fresh one with the Go and
// process collectors attached.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		itemsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_ingested_total",
			Help:      "Raw bill items processed by the ingestion pipeline, by outcome.",
		}, []string{"outcome"}),
		validationIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_issues_total",
			Help:      "Validation issues raised, by level and code.",
		}, []string{"level", "code"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Cost anomalies detected, by severity.",
		}, []string{"severity"}),
		budgetAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget threshold alerts dispatched, by budget period.",
		}, []string{"period"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts, by channel and result.",
		}, []string{"channel", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled jobs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job", "status"}),
	}

	registry.MustRegister(
		c.itemsIngested,
		c.validationIssues,
		c.anomalies,
		c.budgetAlerts,
		c.notifications,
		c.jobDuration,
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ItemsIngested counts items by outcome ("persisted", "skipped").
func (c *Collector) ItemsIngested(outcome string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.itemsIngested.WithLabelValues(outcome).Add(float64(n))
}

// ValidationIssue counts one issue.
func (c *Collector) ValidationIssue(level, code string) {
	if c == nil {
		return
	}
	c.validationIssues.WithLabelValues(level, code).Inc()
}

// AnomalyDetected counts one anomaly.
func (c *Collector) AnomalyDetected(severity string) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(severity).Inc()
}

// BudgetAlert counts one dispatched threshold alert.
func (c *Collector) BudgetAlert(period string) {
	if c == nil {
		return
	}
	c.budgetAlerts.WithLabelValues(period).Inc()
}

// Notification counts one delivery attempt.
func (c *Collector) Notification(channel string, delivered bool) {
	if c == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	c.notifications.WithLabelValues(channel, result).Inc()
}

// ObserveJob records the duration of a scheduled job run.
func (c *Collector) ObserveJob(job string, started time.Time, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.jobDuration.WithLabelValues(job, status).Observe(time.Since(started).Seconds())
}
