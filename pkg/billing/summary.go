package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Grouping keys accepted by CalculatePeriodCost.
const (
	GroupNone             = ""
	GroupProduct          = "product"
	GroupRegion           = "region"
	GroupAccount          = "account"
	GroupInstance         = "instance"
	GroupSubscriptionType = "subscription_type"
	GroupBillingDate      = "billing_date"
)

// GroupKey returns the grouping key of an item, or an error for an unknown
// grouping.
func GroupKey(item BillItem, groupBy string) (string, error) {
	switch groupBy {
	case GroupNone:
		return "", nil
	case GroupProduct:
		if item.ProductCode != "" {
			return item.ProductCode, nil
		}
		return item.ProductName, nil
	case GroupRegion:
		return item.Region, nil
	case GroupAccount:
		return item.AccountID, nil
	case GroupInstance:
		return item.InstanceID, nil
	case GroupSubscriptionType:
		return string(item.SubscriptionType), nil
	case GroupBillingDate:
		return item.BillingDate.Format(DateLayout), nil
	default:
		return "", fmt.Errorf("unsupported group by %q", groupBy)
	}
}

// CalculatePeriodCost sums the pretax amount of items whose billing date falls
// within [start, end], optionally broken down by groupBy.
func (c *Calculator) CalculatePeriodCost(items []BillItem, start, end time.Time, groupBy string) (PeriodCost, error) {
	start, end = Day(start), Day(end)

	pc := PeriodCost{
		Start:     start,
		End:       end,
		Days:      DaysBetween(start, end) + 1,
		TotalCost: decimal.Zero,
		GroupBy:   groupBy,
	}
	if groupBy != GroupNone {
		pc.Groups = make(map[string]decimal.Decimal)
	}

	for _, item := range items {
		date := Day(item.BillingDate)
		if date.Before(start) || date.After(end) {
			continue
		}

		key, err := GroupKey(item, groupBy)
		if err != nil {
			return PeriodCost{}, err
		}

		pc.TotalCost = pc.TotalCost.Add(item.PretaxAmount)
		pc.ItemCount++
		if pc.Groups != nil {
			pc.Groups[key] = pc.Groups[key].Add(item.PretaxAmount)
		}
	}

	return pc, nil
}

// CalculateDiscountSummary totals gross, pretax and invoice discount over
// items.
func (c *Calculator) CalculateDiscountSummary(items []BillItem) DiscountSummary {
	summary := DiscountSummary{
		TotalGross:    decimal.Zero,
		TotalPretax:   decimal.Zero,
		TotalDiscount: decimal.Zero,
		ItemCount:     len(items),
	}

	for _, item := range items {
		summary.TotalGross = summary.TotalGross.Add(item.PretaxGrossAmount)
		summary.TotalPretax = summary.TotalPretax.Add(item.PretaxAmount)
		summary.TotalDiscount = summary.TotalDiscount.Add(item.InvoiceDiscount)
	}
	summary.AverageDiscountRate = percent(summary.TotalDiscount, summary.TotalGross)

	return summary
}
