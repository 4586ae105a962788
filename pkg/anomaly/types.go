// Package anomaly flags days whose account spend rises above a statistical
// baseline of the preceding days.
package anomaly

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades how far a day deviates from its baseline.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Anomaly is one flagged account-day. (AccountID, Date) is unique.
type Anomaly struct {
	AccountID    string          `json:"account_id"`
	Date         time.Time       `json:"date"`
	CurrentCost  decimal.Decimal `json:"current_cost"`
	BaselineCost decimal.Decimal `json:"baseline_cost"`
	DeviationPct decimal.Decimal `json:"deviation_pct"`
	Severity     Severity        `json:"severity"`
	RootCause    string          `json:"root_cause"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Baseline summarizes the daily totals preceding the day under test.
type Baseline struct {
	Mean       decimal.Decimal `json:"mean"`
	StdDev     decimal.Decimal `json:"std_dev"`
	Threshold  decimal.Decimal `json:"threshold"`
	SampleDays int             `json:"sample_days"`
}

// Filter narrows GetAnomalies. Zero values match everything.
type Filter struct {
	AccountID    string
	StartDate    time.Time
	EndDate      time.Time
	Severities   []Severity
	MinDeviation decimal.Decimal
}

// Options tunes a detection run. ThresholdStd is the number of standard
// deviations above the mean a day must exceed; zero flags any day above the
// mean.
type Options struct {
	BaselineDays int
	ThresholdStd float64
}

const (
	DefaultBaselineDays    = 30
	DefaultThresholdStd    = 2.0
	DefaultMinBaselineDays = 7
)

// DefaultOptions returns a 30 day baseline with a two sigma threshold.
func DefaultOptions() Options {
	return Options{BaselineDays: DefaultBaselineDays, ThresholdStd: DefaultThresholdStd}
}

// withDefaults replaces a non-positive window and a negative threshold.
func (o Options) withDefaults() Options {
	if o.BaselineDays <= 0 {
		o.BaselineDays = DefaultBaselineDays
	}
	if o.ThresholdStd < 0 {
		o.ThresholdStd = DefaultThresholdStd
	}
	return o
}

// Store persists detected anomalies.
type Store interface {
	UpsertAnomaly(ctx context.Context, a *Anomaly) error
	ListAnomalies(ctx context.Context, f Filter, limit, offset int) ([]Anomaly, error)
	ListAccounts(ctx context.Context) ([]string, error)
}
