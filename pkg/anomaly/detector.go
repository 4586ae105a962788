package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/kafka"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
	"github.com/quantumlayerhq/ql-billing/pkg/notify"
	"github.com/quantumlayerhq/ql-billing/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// Classify maps a deviation percentage to a severity.
func Classify(deviationPct decimal.Decimal) Severity {
	switch {
	case deviationPct.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return SeverityCritical
	case deviationPct.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return SeverityHigh
	case deviationPct.GreaterThanOrEqual(decimal.NewFromInt(30)):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ComputeBaseline returns the mean, sample standard deviation and the
// mean + k*stddev threshold of values. A single value has zero deviation.
func ComputeBaseline(values []decimal.Decimal, k float64) Baseline {
	n := len(values)
	if n == 0 {
		return Baseline{Mean: decimal.Zero, StdDev: decimal.Zero, Threshold: decimal.Zero}
	}

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))

	stddev := decimal.Zero
	if n > 1 {
		m, _ := mean.Float64()
		var sq float64
		for _, v := range values {
			f, _ := v.Float64()
			sq += (f - m) * (f - m)
		}
		stddev = decimal.NewFromFloat(math.Sqrt(sq / float64(n-1)))
	}

	return Baseline{
		Mean:       mean,
		StdDev:     stddev,
		Threshold:  mean.Add(stddev.Mul(decimal.NewFromFloat(k))),
		SampleDays: n,
	}
}

// Detector runs anomaly detection against the cost ledger.
type Detector struct {
	costs     ledger.CostReader
	store     Store
	log       *logger.Logger
	sender    notify.Sender
	channels  []string
	publisher kafka.Publisher
	topic     string
	metrics   *metrics.Collector
	minDays   int
	now       func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithNotifier sends every anomaly found by Scan to channels.
func WithNotifier(sender notify.Sender, channels []string) Option {
	return func(d *Detector) {
		d.sender = sender
		d.channels = channels
	}
}

// WithPublisher publishes an anomaly.detected event per anomaly found by Scan.
func WithPublisher(p kafka.Publisher, topic string) Option {
	return func(d *Detector) {
		d.publisher = p
		d.topic = topic
	}
}

// WithMetrics counts detected anomalies.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Detector) { d.metrics = c }
}

// WithMinBaselineDays sets how many non-zero baseline days are needed
// before a day can be judged.
func WithMinBaselineDays(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.minDays = n
		}
	}
}

// NewDetector creates a Detector.
func NewDetector(costs ledger.CostReader, store Store, log *logger.Logger, opts ...Option) *Detector {
	d := &Detector{
		costs:   costs,
		store:   store,
		log:     log.WithComponent("anomaly"),
		minDays: DefaultMinBaselineDays,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect judges one account-day. It returns nil when the day has no cost,
// the baseline is too thin or the cost stays within the threshold. A
// detected anomaly is stored before it is returned.
func (d *Detector) Detect(ctx context.Context, accountID string, date time.Time, opts Options) (*Anomaly, error) {
	ctx, span := telemetry.BillingSpan(ctx, "anomaly.detect", accountID)
	span.SetAttribute("anomaly.date", billing.Day(date).Format(billing.DateLayout))

	a, err := d.detect(ctx, accountID, billing.Day(date), opts.withDefaults())
	if a != nil {
		span.SetAttribute("anomaly.severity", string(a.Severity))
	}
	span.Finish(err)
	return a, err
}

func (d *Detector) detect(ctx context.Context, accountID string, date time.Time, opts Options) (*Anomaly, error) {
	rows, err := d.costs.QueryCosts(ctx, ledger.Query{AccountID: accountID, Start: date, End: date})
	if err != nil {
		return nil, fmt.Errorf("query current cost: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	current := ledger.Total(rows)

	baseline, err := d.Baseline(ctx, accountID, date, opts)
	if err != nil {
		return nil, err
	}
	if baseline.SampleDays < d.minDays {
		d.log.Debug("baseline too short", "account_id", accountID, "date", date.Format(billing.DateLayout), "days", baseline.SampleDays)
		return nil, nil
	}
	if !baseline.Mean.IsPositive() || !current.GreaterThan(baseline.Threshold) {
		return nil, nil
	}

	// Severity follows the exact deviation; only the stored figure is rounded.
	rawDeviation := current.Sub(baseline.Mean).Div(baseline.Mean).Mul(hundred)
	deviation := rawDeviation.Round(2)

	rootCause, err := d.rootCause(ctx, accountID, date, current)
	if err != nil {
		return nil, err
	}

	a := &Anomaly{
		AccountID:    accountID,
		Date:         date,
		CurrentCost:  current,
		BaselineCost: baseline.Mean.Round(2),
		DeviationPct: deviation,
		Severity:     Classify(rawDeviation),
		RootCause:    rootCause,
		CreatedAt:    d.now().UTC(),
	}

	if err := d.store.UpsertAnomaly(ctx, a); err != nil {
		return nil, fmt.Errorf("store anomaly: %w", err)
	}
	d.metrics.AnomalyDetected(string(a.Severity))

	d.log.WithAccount(accountID).Info("cost anomaly detected",
		"date", date.Format(billing.DateLayout),
		"current", current.StringFixed(2),
		"baseline", a.BaselineCost.StringFixed(2),
		"deviation_pct", deviation.String(),
		"severity", a.Severity,
	)
	return a, nil
}

// Baseline computes the baseline from the non-zero daily totals of the
// opts.BaselineDays days strictly before date.
func (d *Detector) Baseline(ctx context.Context, accountID string, date time.Time, opts Options) (Baseline, error) {
	opts = opts.withDefaults()
	date = billing.Day(date)

	rows, err := d.costs.QueryCosts(ctx, ledger.Query{
		AccountID: accountID,
		Start:     date.AddDate(0, 0, -opts.BaselineDays),
		End:       date.AddDate(0, 0, -1),
		GroupBy:   ledger.GroupDate,
	})
	if err != nil {
		return Baseline{}, fmt.Errorf("query baseline: %w", err)
	}

	values := make([]decimal.Decimal, 0, len(rows))
	for _, r := range rows {
		if r.Amount.IsZero() {
			continue
		}
		values = append(values, r.Amount)
	}
	return ComputeBaseline(values, opts.ThresholdStd), nil
}

func (d *Detector) rootCause(ctx context.Context, accountID string, date time.Time, current decimal.Decimal) (string, error) {
	rows, err := d.costs.QueryCosts(ctx, ledger.Query{
		AccountID: accountID,
		Start:     date,
		End:       date,
		GroupBy:   ledger.GroupProduct,
	})
	if err != nil {
		return "", fmt.Errorf("query product breakdown: %w", err)
	}
	if len(rows) == 0 {
		return "No product breakdown available, cause unknown", nil
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Amount.Equal(rows[j].Amount) {
			return rows[i].Amount.GreaterThan(rows[j].Amount)
		}
		return rows[i].Key < rows[j].Key
	})
	top := rows[0]

	share := decimal.Zero
	if !current.IsZero() {
		share = top.Amount.Div(current).Mul(hundred).Round(2)
	}
	return fmt.Sprintf("Cost increase mainly from %s: %s (%s%% of daily cost)",
		top.Key, top.Amount.StringFixed(2), share.StringFixed(2)), nil
}

// GetAnomalies lists stored anomalies, newest date first and larger
// deviation first within a date.
func (d *Detector) GetAnomalies(ctx context.Context, f Filter, limit, offset int) ([]Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	anomalies, err := d.store.ListAnomalies(ctx, f, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return anomalies, nil
}

// Scan runs Detect for every account on date. An empty accountIDs scans all
// accounts known to the store. Failures are collected and do not stop the
// remaining accounts.
func (d *Detector) Scan(ctx context.Context, accountIDs []string, date time.Time, opts Options) ([]Anomaly, error) {
	if len(accountIDs) == 0 {
		ids, err := d.store.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		accountIDs = ids
	}

	var (
		found []Anomaly
		errs  []error
	)
	for _, accountID := range accountIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		actx := logger.SetContextValue(ctx, logger.AccountIDKey, accountID)
		a, err := d.Detect(actx, accountID, date, opts)
		if err != nil {
			d.log.ErrorContext(actx, "anomaly detection failed", "error", err)
			errs = append(errs, fmt.Errorf("account %s: %w", accountID, err))
			continue
		}
		if a == nil {
			continue
		}

		found = append(found, *a)
		d.notify(actx, a)
		d.publish(actx, a)
	}

	d.log.InfoContext(ctx, "anomaly scan complete", "date", billing.Day(date).Format(billing.DateLayout), "accounts", len(accountIDs), "anomalies", len(found), "failures", len(errs))
	return found, errors.Join(errs...)
}

func (d *Detector) notify(ctx context.Context, a *Anomaly) {
	if d.sender == nil || len(d.channels) == 0 {
		return
	}
	title := fmt.Sprintf("Cost anomaly (%s): account %s on %s", a.Severity, a.AccountID, a.Date.Format(billing.DateLayout))
	message := fmt.Sprintf("Daily cost %s is %s%% above the %s baseline. %s",
		a.CurrentCost.StringFixed(2), a.DeviationPct.StringFixed(2), a.BaselineCost.StringFixed(2), a.RootCause)
	d.sender.Send(ctx, title, message, d.channels)
}

func (d *Detector) publish(ctx context.Context, a *Anomaly) {
	if d.publisher == nil {
		return
	}
	event := kafka.NewEvent(kafka.EventAnomalyDetected, "ql-billing.anomaly", a.AccountID, a)
	if err := d.publisher.PublishEvent(ctx, d.topic, event); err != nil {
		d.log.WarnContext(ctx, "failed to publish anomaly event", "error", err)
	}
}
