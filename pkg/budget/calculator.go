package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
	"github.com/quantumlayerhq/ql-billing/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// PeriodDates returns the start and exclusive end of the period beginning at
// start. Unknown periods fall back to a 30 day window.
func PeriodDates(period Period, start time.Time) (time.Time, time.Time) {
	start = billing.Day(start)

	switch period {
	case PeriodMonthly:
		return start, billing.Date(start.Year(), start.Month(), 1).AddDate(0, 1, 0)
	case PeriodQuarterly:
		firstMonth := ((int(start.Month())-1)/3)*3 + 1
		return start, billing.Date(start.Year(), time.Month(firstMonth), 1).AddDate(0, 3, 0)
	case PeriodYearly:
		return start, start.AddDate(1, 0, 0)
	default:
		return start, start.AddDate(0, 0, 30)
	}
}

// UsageRate returns spent as a percentage of amount. It is not clamped, so
// overspent budgets report more than 100.
func UsageRate(spent, amount decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	return spent.Div(amount).Mul(hundred)
}

// PredictSpend extrapolates the average daily spend over the whole period.
func PredictSpend(spent decimal.Decimal, daysElapsed, daysTotal int) decimal.Decimal {
	if daysElapsed <= 0 {
		return decimal.Zero
	}
	return spent.Div(decimal.NewFromInt(int64(daysElapsed))).Mul(decimal.NewFromInt(int64(daysTotal)))
}

// CheckAlerts returns a trigger for every enabled threshold at or below the
// status usage rate.
func CheckAlerts(b Budget, status Status, now time.Time) []AlertTrigger {
	var triggers []AlertTrigger
	for _, th := range b.Thresholds {
		if !th.Enabled || th.Percentage.GreaterThan(status.UsageRate) {
			continue
		}
		triggers = append(triggers, AlertTrigger{
			Threshold:   th.Percentage,
			CurrentRate: status.UsageRate,
			Channels:    th.Channels,
			TriggeredAt: now,
		})
	}
	return triggers
}

// Calculator computes budget status from the cost ledger.
type Calculator struct {
	costs ledger.CostReader
}

// NewCalculator creates a Calculator reading from costs.
func NewCalculator(costs ledger.CostReader) *Calculator {
	return &Calculator{costs: costs}
}

// Bounds returns the budget start and end, deriving the end from the period
// when it is unset.
func Bounds(b Budget) (time.Time, time.Time) {
	start, end := PeriodDates(b.Period, b.StartDate)
	if !b.EndDate.IsZero() {
		end = billing.Day(b.EndDate)
	}
	return start, end
}

// Status computes the budget's spend position as of now.
func (c *Calculator) Status(ctx context.Context, b Budget, now time.Time) (*Status, error) {
	ctx, span := telemetry.BillingSpan(ctx, "budget.status", b.AccountID)
	span.SetAttribute("budget.id", b.ID.String())

	status, err := c.status(ctx, b, now)
	span.Finish(err)
	return status, err
}

func (c *Calculator) status(ctx context.Context, b Budget, now time.Time) (*Status, error) {
	start, end := Bounds(b)
	today := billing.Day(now)

	daysTotal := billing.DaysBetween(start, end)
	daysElapsed := billing.DaysBetween(start, today)
	if daysElapsed < 0 {
		daysElapsed = 0
	}
	if daysElapsed > daysTotal {
		daysElapsed = daysTotal
	}

	spent, err := c.spent(ctx, b, start, end, today)
	if err != nil {
		return nil, err
	}

	remaining := b.Amount.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	status := Status{
		BudgetID:           b.ID,
		Spent:              spent,
		Remaining:          remaining,
		UsageRate:          UsageRate(spent, b.Amount),
		DaysElapsed:        daysElapsed,
		DaysTotal:          daysTotal,
		PredictedSpend:     decimal.Zero,
		PredictedOverspend: decimal.Zero,
		CalculatedAt:       now,
	}

	if daysElapsed > 0 {
		status.PredictedSpend = PredictSpend(spent, daysElapsed, daysTotal)
		if over := status.PredictedSpend.Sub(b.Amount); over.IsPositive() {
			status.PredictedOverspend = over
		}
	}

	status.AlertsTriggered = CheckAlerts(b, status, now)
	return &status, nil
}

// spent sums ledger costs from start through min(today, end). Tag budgets
// are not matched against tags and count the account total.
func (c *Calculator) spent(ctx context.Context, b Budget, start, end, today time.Time) (decimal.Decimal, error) {
	through := end
	if today.Before(end) {
		through = today
	}
	if through.Before(start) {
		return decimal.Zero, nil
	}

	q := ledger.Query{
		AccountID: b.AccountID,
		Start:     start,
		End:       through,
	}
	if b.Type == TypeService {
		q.Product = b.Filter.Service
	}

	rows, err := c.costs.QueryCosts(ctx, q)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query spend for budget %s: %w", b.ID, err)
	}
	return ledger.Total(rows), nil
}
