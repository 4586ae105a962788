package billing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultServiceDays is used when a subscription's service period is missing
// or cannot be parsed.
const DefaultServiceDays = 30

// ErrUnknownSubscriptionType is returned for items that are neither
// Subscription nor PayAsYouGo.
var ErrUnknownSubscriptionType = errors.New("unknown subscription type")

var hundred = decimal.NewFromInt(100)

// Calculator computes daily costs and summaries. The zero value uses
// DefaultServiceDays.
type Calculator struct {
	DefaultServiceDays int
}

// NewCalculator creates a calculator. A non-positive default falls back to
// DefaultServiceDays.
func NewCalculator(defaultServiceDays int) *Calculator {
	return &Calculator{DefaultServiceDays: defaultServiceDays}
}

// DefaultDays returns the day count used when a service period is unusable.
func (c *Calculator) DefaultDays() int {
	if c == nil || c.DefaultServiceDays <= 0 {
		return DefaultServiceDays
	}
	return c.DefaultServiceDays
}

// ServiceDays converts a service period into days: Day is n, Month is n*30,
// Year is n*365. Any invalid input yields 0.
func ServiceDays(period string, unit ServicePeriodUnit) int {
	n, err := strconv.Atoi(strings.TrimSpace(period))
	if err != nil || n <= 0 {
		return 0
	}
	switch unit {
	case UnitDay:
		return n
	case UnitMonth:
		return n * 30
	case UnitYear:
		return n * 365
	default:
		return 0
	}
}

// CalculateDailyCost computes the per-day cost of a single item.
//
// Subscriptions are amortized over their service period and rounded to two
// places. PayAsYouGo items are already daily, so the pretax amount is used
// directly.
func (c *Calculator) CalculateDailyCost(item BillItem) (CostCalculationResult, error) {
	switch item.SubscriptionType {
	case SubscriptionPrepaid:
		return c.subscriptionCost(item), nil
	case PayAsYouGo:
		return payAsYouGoCost(item), nil
	default:
		return CostCalculationResult{}, fmt.Errorf("%w: %q", ErrUnknownSubscriptionType, item.SubscriptionType)
	}
}

func (c *Calculator) subscriptionCost(item BillItem) CostCalculationResult {
	gross := item.PretaxGrossAmount
	discount := item.InvoiceDiscount

	result := CostCalculationResult{
		TotalCost:         gross,
		DiscountAmount:    discount,
		DiscountRate:      percent(discount, gross),
		CalculationMethod: MethodSubscriptionAmortized,
	}

	days := ServiceDays(item.ServicePeriod, item.ServicePeriodUnit)
	if days > 0 {
		result.ServiceDays = &days
	} else {
		days = c.DefaultDays()
	}
	result.DailyCost = gross.Div(decimal.NewFromInt(int64(days))).Round(2)

	return result
}

func payAsYouGoCost(item BillItem) CostCalculationResult {
	pretax := item.PretaxAmount
	discount := item.InvoiceDiscount

	return CostCalculationResult{
		DailyCost:         pretax,
		TotalCost:         pretax,
		DiscountAmount:    discount,
		DiscountRate:      percent(discount, pretax.Add(discount)),
		CalculationMethod: MethodPayAsYouGoDirect,
	}
}

// percent returns part/whole*100 rounded to two places, or 0 when whole is 0.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}

// CalculateBatch computes daily costs for every item. Items that fail are
// skipped; their errors are joined and returned alongside the successes.
func (c *Calculator) CalculateBatch(items []BillItem) ([]DailyCost, error) {
	costs := make([]DailyCost, 0, len(items))
	var errs []error

	for i, item := range items {
		result, err := c.CalculateDailyCost(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d (%s/%s): %w", i, item.AccountID, item.InstanceID, err))
			continue
		}
		costs = append(costs, DailyCost{Item: item, Result: result})
	}

	return costs, errors.Join(errs...)
}

// Combine folds other into d when both are charges on the same ledger line.
// Amounts add up and the discount rate is recomputed over the sums with the
// denominator of d's calculation method. Tags are merged, d winning on
// conflicts. A service period survives only when both sides agree on it.
func (d DailyCost) Combine(other DailyCost) DailyCost {
	out := d
	a, b := &out.Item, other.Item
	a.PretaxGrossAmount = a.PretaxGrossAmount.Add(b.PretaxGrossAmount)
	a.PretaxAmount = a.PretaxAmount.Add(b.PretaxAmount)
	a.PaymentAmount = a.PaymentAmount.Add(b.PaymentAmount)
	a.OutstandingAmount = a.OutstandingAmount.Add(b.OutstandingAmount)
	a.InvoiceDiscount = a.InvoiceDiscount.Add(b.InvoiceDiscount)
	a.DeductedByCoupons = a.DeductedByCoupons.Add(b.DeductedByCoupons)
	a.DeductedByCashCoupons = a.DeductedByCashCoupons.Add(b.DeductedByCashCoupons)
	a.DeductedByPrepaidCard = a.DeductedByPrepaidCard.Add(b.DeductedByPrepaidCard)

	if len(b.Tags) > 0 {
		tags := make(map[string]string, len(a.Tags)+len(b.Tags))
		for k, v := range b.Tags {
			tags[k] = v
		}
		for k, v := range a.Tags {
			tags[k] = v
		}
		a.Tags = tags
	}

	r := &out.Result
	r.DailyCost = r.DailyCost.Add(other.Result.DailyCost)
	r.TotalCost = r.TotalCost.Add(other.Result.TotalCost)
	r.DiscountAmount = r.DiscountAmount.Add(other.Result.DiscountAmount)
	if r.CalculationMethod == MethodSubscriptionAmortized {
		r.DiscountRate = percent(r.DiscountAmount, a.PretaxGrossAmount)
	} else {
		r.DiscountRate = percent(r.DiscountAmount, a.PretaxAmount.Add(r.DiscountAmount))
	}
	if r.ServiceDays == nil || other.Result.ServiceDays == nil || *r.ServiceDays != *other.Result.ServiceDays {
		r.ServiceDays = nil
	}
	return out
}
