// Package billing normalizes raw cloud billing line items and computes
// per-day cost, discount and period summaries with fixed-point decimals.
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionType is how a line item was charged.
type SubscriptionType string

const (
	SubscriptionPrepaid SubscriptionType = "Subscription"
	PayAsYouGo          SubscriptionType = "PayAsYouGo"
)

// Valid reports whether t is a known subscription type.
func (t SubscriptionType) Valid() bool {
	return t == SubscriptionPrepaid || t == PayAsYouGo
}

// ServicePeriodUnit is the unit of a subscription's service period.
type ServicePeriodUnit string

const (
	UnitDay   ServicePeriodUnit = "Day"
	UnitMonth ServicePeriodUnit = "Month"
	UnitYear  ServicePeriodUnit = "Year"
)

// CalculationMethod records which formula produced a daily cost.
type CalculationMethod string

const (
	MethodSubscriptionAmortized CalculationMethod = "subscription_amortized"
	MethodPayAsYouGoDirect      CalculationMethod = "payg_direct"
)

// DateLayout is the only accepted billing date format.
const DateLayout = "2006-01-02"

// BillItem is the canonical representation of one billing line item.
type BillItem struct {
	BillingDate  time.Time `json:"billing_date"`
	BillingCycle string    `json:"billing_cycle"`
	AccountID    string    `json:"account_id"`
	InstanceID   string    `json:"instance_id"`
	BillingItem  string    `json:"billing_item,omitempty"` // charge line within an instance, e.g. system disk
	ProductName  string    `json:"product_name"`
	ProductCode  string    `json:"product_code"`
	Region       string    `json:"region"`

	SubscriptionType  SubscriptionType  `json:"subscription_type"`
	ServicePeriod     string            `json:"service_period,omitempty"`
	ServicePeriodUnit ServicePeriodUnit `json:"service_period_unit,omitempty"`

	PretaxGrossAmount     decimal.Decimal `json:"pretax_gross_amount"`
	PretaxAmount          decimal.Decimal `json:"pretax_amount"`
	PaymentAmount         decimal.Decimal `json:"payment_amount"`
	OutstandingAmount     decimal.Decimal `json:"outstanding_amount"`
	InvoiceDiscount       decimal.Decimal `json:"invoice_discount"`
	DeductedByCoupons     decimal.Decimal `json:"deducted_by_coupons"`
	DeductedByCashCoupons decimal.Decimal `json:"deducted_by_cash_coupons"`
	DeductedByPrepaidCard decimal.Decimal `json:"deducted_by_prepaid_card"`

	Tags map[string]string `json:"tags,omitempty"`
}

// CostCalculationResult is the per-item output of the calculator. It is
// never persisted as-is.
type CostCalculationResult struct {
	DailyCost         decimal.Decimal   `json:"daily_cost"`
	TotalCost         decimal.Decimal   `json:"total_cost"`
	DiscountAmount    decimal.Decimal   `json:"discount_amount"`
	DiscountRate      decimal.Decimal   `json:"discount_rate"` // percent, may exceed 100
	CalculationMethod CalculationMethod `json:"calculation_method"`
	ServiceDays       *int              `json:"service_days"` // nil when defaulted or not applicable
}

// DailyCost pairs an item with its calculation, ready for the ledger.
type DailyCost struct {
	Item   BillItem
	Result CostCalculationResult
}

// PeriodCost aggregates pretax amounts over an inclusive date range.
type PeriodCost struct {
	Start     time.Time                  `json:"start"`
	End       time.Time                  `json:"end"`
	Days      int                        `json:"days"`
	TotalCost decimal.Decimal            `json:"total_cost"`
	ItemCount int                        `json:"item_count"`
	GroupBy   string                     `json:"group_by,omitempty"`
	Groups    map[string]decimal.Decimal `json:"groups,omitempty"`
}

// DiscountSummary aggregates gross, pretax and discount amounts.
type DiscountSummary struct {
	TotalGross          decimal.Decimal `json:"total_gross"`
	TotalPretax         decimal.Decimal `json:"total_pretax"`
	TotalDiscount       decimal.Decimal `json:"total_discount"`
	AverageDiscountRate decimal.Decimal `json:"average_discount_rate"`
	ItemCount           int             `json:"item_count"`
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of calendar days from start to end.
func DaysBetween(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours() / 24)
}
