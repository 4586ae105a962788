package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawItem is one billing line item as produced by the data source: the BSS
// API (PascalCase keys) or a JSON/database export (snake_case keys).
type RawItem map[string]any

// Canonical field names.
const (
	FieldBillingDate           = "billing_date"
	FieldBillingCycle          = "billing_cycle"
	FieldAccountID             = "account_id"
	FieldInstanceID            = "instance_id"
	FieldBillingItem           = "billing_item"
	FieldProductName           = "product_name"
	FieldProductCode           = "product_code"
	FieldRegion                = "region"
	FieldSubscriptionType      = "subscription_type"
	FieldServicePeriod         = "service_period"
	FieldServicePeriodUnit     = "service_period_unit"
	FieldPretaxGrossAmount     = "pretax_gross_amount"
	FieldPretaxAmount          = "pretax_amount"
	FieldPaymentAmount         = "payment_amount"
	FieldOutstandingAmount     = "outstanding_amount"
	FieldInvoiceDiscount       = "invoice_discount"
	FieldDeductedByCoupons     = "deducted_by_coupons"
	FieldDeductedByCashCoupons = "deducted_by_cash_coupons"
	FieldDeductedByPrepaidCard = "deducted_by_prepaid_card"
	FieldTags                  = "tags"
)

// AmountFields lists every monetary field of a line item.
var AmountFields = []string{
	FieldPretaxGrossAmount,
	FieldPretaxAmount,
	FieldPaymentAmount,
	FieldOutstandingAmount,
	FieldInvoiceDiscount,
	FieldDeductedByCoupons,
	FieldDeductedByCashCoupons,
	FieldDeductedByPrepaidCard,
}

// aliases maps canonical names to the BSS API spelling.
var aliases = map[string]string{
	FieldBillingDate:           "BillingDate",
	FieldBillingCycle:          "BillingCycle",
	FieldAccountID:             "OwnerID",
	FieldInstanceID:            "InstanceID",
	FieldBillingItem:           "BillingItem",
	FieldProductName:           "ProductName",
	FieldProductCode:           "ProductCode",
	FieldRegion:                "Region",
	FieldSubscriptionType:      "SubscriptionType",
	FieldServicePeriod:         "ServicePeriod",
	FieldServicePeriodUnit:     "ServicePeriodUnit",
	FieldPretaxGrossAmount:     "PretaxGrossAmount",
	FieldPretaxAmount:          "PretaxAmount",
	FieldPaymentAmount:         "PaymentAmount",
	FieldOutstandingAmount:     "OutstandingAmount",
	FieldInvoiceDiscount:       "InvoiceDiscount",
	FieldDeductedByCoupons:     "DeductedByCoupons",
	FieldDeductedByCashCoupons: "DeductedByCashCoupons",
	FieldDeductedByPrepaidCard: "DeductedByPrepaidCard",
	FieldTags:                  "Tags",
}

// Get returns the value of a canonical field, accepting either spelling.
// Nil values and blank strings count as absent.
func (r RawItem) Get(field string) (any, bool) {
	if v, ok := r[field]; ok && !isBlank(v) {
		return v, true
	}
	if alias, ok := aliases[field]; ok {
		if v, ok := r[alias]; ok && !isBlank(v) {
			return v, true
		}
	}
	return nil, false
}

// String returns a field as a trimmed string, or "" when absent.
func (r RawItem) String(field string) string {
	v, ok := r.Get(field)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Amount parses a monetary field. An absent field yields zero and ok=false.
func (r RawItem) Amount(field string) (amount decimal.Decimal, ok bool, err error) {
	v, present := r.Get(field)
	if !present {
		return decimal.Zero, false, nil
	}
	d, err := ParseAmount(v)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("%s: %w", field, err)
	}
	return d, true, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return true
	}
	return false
}

// ParseAmount converts a decoded JSON or database value into a decimal.
// Floats go through their shortest decimal representation so 100.333 stays
// 100.333.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q", n)
		}
		return d, nil
	case []byte:
		return ParseAmount(string(n))
	case json.Number:
		return ParseAmount(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
	}
}

// ParseBillingDate accepts YYYY-MM-DD and, leniently, RFC 3339 timestamps
// as emitted by usage exports. Anything else is an error.
func ParseBillingDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Day(t), nil
	}
	return time.Time{}, fmt.Errorf("invalid billing date %q", s)
}

// FromRaw builds a BillItem from a raw line item. Missing fields become zero
// values; structural problems are the validator's to report. Only values
// that cannot be parsed at all produce an error.
func FromRaw(r RawItem) (BillItem, error) {
	item := BillItem{
		BillingCycle:      r.String(FieldBillingCycle),
		AccountID:         r.String(FieldAccountID),
		InstanceID:        r.String(FieldInstanceID),
		BillingItem:       r.String(FieldBillingItem),
		ProductName:       r.String(FieldProductName),
		ProductCode:       r.String(FieldProductCode),
		Region:            r.String(FieldRegion),
		SubscriptionType:  SubscriptionType(r.String(FieldSubscriptionType)),
		ServicePeriod:     r.String(FieldServicePeriod),
		ServicePeriodUnit: ServicePeriodUnit(r.String(FieldServicePeriodUnit)),
	}

	if s := r.String(FieldBillingDate); s != "" {
		date, err := ParseBillingDate(s)
		if err != nil {
			return BillItem{}, err
		}
		item.BillingDate = date
		if item.BillingCycle == "" {
			item.BillingCycle = date.Format("2006-01")
		}
	}

	targets := map[string]*decimal.Decimal{
		FieldPretaxGrossAmount:     &item.PretaxGrossAmount,
		FieldPretaxAmount:          &item.PretaxAmount,
		FieldPaymentAmount:         &item.PaymentAmount,
		FieldOutstandingAmount:     &item.OutstandingAmount,
		FieldInvoiceDiscount:       &item.InvoiceDiscount,
		FieldDeductedByCoupons:     &item.DeductedByCoupons,
		FieldDeductedByCashCoupons: &item.DeductedByCashCoupons,
		FieldDeductedByPrepaidCard: &item.DeductedByPrepaidCard,
	}
	for _, field := range AmountFields {
		amount, _, err := r.Amount(field)
		if err != nil {
			return BillItem{}, err
		}
		*targets[field] = amount
	}

	if v, ok := r.Get(FieldTags); ok {
		item.Tags = parseTags(v)
	}

	return item, nil
}

// parseTags accepts a string map, a generic map, or the BSS
// "key:value;key:value" form.
func parseTags(v any) map[string]string {
	tags := make(map[string]string)
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			tags[k] = val
		}
	case map[string]any:
		for k, val := range t {
			tags[k] = fmt.Sprint(val)
		}
	case string:
		for _, pair := range strings.Split(t, ";") {
			k, val, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found || k == "" {
				continue
			}
			tags[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
