package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
)

// DefaultTolerance is the amount difference tolerated before two monetary
// figures are considered different.
var DefaultTolerance = decimal.RequireFromString("0.01")

// requiredFields must be present on every raw item.
var requiredFields = []string{
	billing.FieldBillingDate,
	billing.FieldAccountID,
	billing.FieldProductCode,
	billing.FieldSubscriptionType,
	billing.FieldPretaxGrossAmount,
	billing.FieldPretaxAmount,
}

// Validator checks billing data. It is safe for concurrent use.
type Validator struct {
	calc      *billing.Calculator
	tolerance decimal.Decimal
}

// Option configures a Validator.
type Option func(*Validator)

// WithTolerance overrides the amount tolerance. Negative values are ignored.
func WithTolerance(tolerance decimal.Decimal) Option {
	return func(v *Validator) {
		if !tolerance.IsNegative() {
			v.tolerance = tolerance
		}
	}
}

// New creates a validator that recomputes results with calc.
func New(calc *billing.Calculator, opts ...Option) *Validator {
	if calc == nil {
		calc = billing.NewCalculator(billing.DefaultServiceDays)
	}
	v := &Validator{calc: calc, tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Tolerance returns the configured amount tolerance.
func (v *Validator) Tolerance() decimal.Decimal {
	return v.tolerance
}

// ValidateBSSData runs every structural check on every item. Checks are
// independent; one failing check never hides another.
func (v *Validator) ValidateBSSData(items []billing.RawItem) *Result {
	result := NewResult()
	for i, item := range items {
		v.validateItem(result, i, item)
	}
	return result
}

func (v *Validator) validateItem(result *Result, index int, item billing.RawItem) {
	for _, field := range requiredFields {
		if _, ok := item.Get(field); !ok {
			result.Add(Issue{
				Level:      LevelError,
				Code:       CodeMissingRequiredField,
				Message:    fmt.Sprintf("required field %s is missing", field),
				Field:      field,
				Suggestion: "check the export mapping for this column",
				Index:      index,
			})
		}
	}

	amounts := make(map[string]decimal.Decimal, len(billing.AmountFields))
	for _, field := range billing.AmountFields {
		amount, present, err := item.Amount(field)
		if !present {
			continue
		}
		if err != nil {
			result.Add(Issue{
				Level:   LevelError,
				Code:    CodeInvalidNumericValue,
				Message: fmt.Sprintf("field %s is not a valid decimal", field),
				Field:   field,
				Value:   item.String(field),
				Index:   index,
			})
			continue
		}
		amounts[field] = amount
	}

	gross, hasGross := amounts[billing.FieldPretaxGrossAmount]
	pretax, hasPretax := amounts[billing.FieldPretaxAmount]

	for _, field := range []string{billing.FieldPretaxGrossAmount, billing.FieldPretaxAmount} {
		if amount, ok := amounts[field]; ok && amount.IsNegative() {
			result.Add(Issue{
				Level:   LevelError,
				Code:    CodeNegativeAmount,
				Message: fmt.Sprintf("field %s must not be negative", field),
				Field:   field,
				Value:   amount.String(),
				Index:   index,
			})
		}
	}

	if hasGross && hasPretax {
		if gross.IsPositive() && pretax.GreaterThan(gross) {
			result.Add(Issue{
				Level:      LevelWarning,
				Code:       CodeInconsistentAmount,
				Message:    fmt.Sprintf("pretax amount %s exceeds gross amount %s", pretax, gross),
				Field:      billing.FieldPretaxAmount,
				Value:      pretax.String(),
				Suggestion: "verify refunds or adjustments on this item",
				Index:      index,
			})
		}

		discount := amounts[billing.FieldInvoiceDiscount]
		delta := gross.Sub(pretax).Sub(discount).Abs()
		if delta.GreaterThan(v.tolerance) {
			result.Add(Issue{
				Level: LevelWarning,
				Code:  CodeDiscountMismatch,
				Message: fmt.Sprintf("gross %s minus pretax %s does not match invoice discount %s (delta %s)",
					gross, pretax, discount, delta),
				Field: billing.FieldInvoiceDiscount,
				Value: discount.String(),
				Index: index,
			})
		}
	}

	if raw := item.String(billing.FieldBillingDate); raw != "" {
		if _, err := time.Parse(billing.DateLayout, raw); err != nil {
			result.Add(Issue{
				Level:      LevelWarning,
				Code:       CodeInvalidDateFormat,
				Message:    "billing date is not in YYYY-MM-DD format",
				Field:      billing.FieldBillingDate,
				Value:      raw,
				Suggestion: "use YYYY-MM-DD",
				Index:      index,
			})
		}
	}

	if billing.SubscriptionType(item.String(billing.FieldSubscriptionType)) == billing.SubscriptionPrepaid {
		_, hasPeriod := item.Get(billing.FieldServicePeriod)
		_, hasUnit := item.Get(billing.FieldServicePeriodUnit)
		if !hasPeriod || !hasUnit {
			result.Add(Issue{
				Level:      LevelWarning,
				Code:       CodeMissingServicePeriod,
				Message:    fmt.Sprintf("subscription item has no service period; %d days will be assumed", v.calc.DefaultDays()),
				Field:      billing.FieldServicePeriod,
				Suggestion: "populate service_period and service_period_unit",
				Index:      index,
			})
		}
	}
}

// Normalize validates items and converts every item that carries no
// error-level issue into a BillItem. An item that still fails to convert is
// dropped with an error-level issue at its index.
func (v *Validator) Normalize(items []billing.RawItem) ([]billing.BillItem, *Result) {
	result := v.ValidateBSSData(items)

	rejected := make(map[int]bool)
	for _, issue := range result.Filter(LevelError) {
		rejected[issue.Index] = true
	}

	normalized := make([]billing.BillItem, 0, len(items))
	for i, raw := range items {
		if rejected[i] {
			continue
		}
		item, err := billing.FromRaw(raw)
		if err != nil {
			result.Add(Issue{
				Level:      LevelError,
				Code:       CodeUnconvertibleItem,
				Message:    fmt.Sprintf("item cannot be converted: %v", err),
				Suggestion: "billing_date must be YYYY-MM-DD or an RFC 3339 timestamp",
				Index:      i,
			})
			continue
		}
		normalized = append(normalized, item)
	}

	return normalized, result
}

// CompareDataSources reconciles BSS items (side A) against the MySQL copy
// (side B), grouped by groupBy. An empty groupBy groups by instance. Only an
// unsupported groupBy is an error.
func (v *Validator) CompareDataSources(bss, mysql []billing.RawItem, groupBy string) (*Result, error) {
	if groupBy == "" {
		groupBy = billing.GroupInstance
	}

	field, ok := groupFields[groupBy]
	if !ok {
		return nil, fmt.Errorf("unsupported group by %q", groupBy)
	}
	result := NewResult()

	sideA := sumByKey(bss, field)
	sideB := sumByKey(mysql, field)

	keys := make([]string, 0, len(sideA)+len(sideB))
	for key := range sideA {
		keys = append(keys, key)
	}
	for key := range sideB {
		if _, ok := sideA[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		a, inA := sideA[key]
		b, inB := sideB[key]

		switch {
		case inA && !inB:
			result.Add(Issue{
				Level:      LevelWarning,
				Code:       CodeMissingInMySQL,
				Message:    fmt.Sprintf("%s %q present in BSS but missing in MySQL", groupBy, key),
				Field:      field,
				Value:      key,
				Suggestion: "re-run the MySQL sync for this period",
				Index:      NoIndex,
			})
		case !inA && inB:
			result.Add(Issue{
				Level:   LevelInfo,
				Code:    CodeMissingInBSS,
				Message: fmt.Sprintf("%s %q present in MySQL but missing in BSS", groupBy, key),
				Field:   field,
				Value:   key,
				Index:   NoIndex,
			})
		default:
			delta := a.Sub(b)
			if delta.Abs().GreaterThan(v.tolerance) {
				result.Add(Issue{
					Level:   LevelWarning,
					Code:    CodeAmountMismatch,
					Message: fmt.Sprintf("%s %q pretax total differs: BSS %s, MySQL %s, delta %s", groupBy, key, a, b, delta),
					Field:   billing.FieldPretaxAmount,
					Value:   key,
					Index:   NoIndex,
				})
			}
		}
	}

	return result, nil
}

var groupFields = map[string]string{
	billing.GroupProduct:          billing.FieldProductCode,
	billing.GroupRegion:           billing.FieldRegion,
	billing.GroupAccount:          billing.FieldAccountID,
	billing.GroupInstance:         billing.FieldInstanceID,
	billing.GroupSubscriptionType: billing.FieldSubscriptionType,
	billing.GroupBillingDate:      billing.FieldBillingDate,
}

// sumByKey totals pretax amounts per key. Unparseable amounts count as zero;
// ValidateBSSData reports them.
func sumByKey(items []billing.RawItem, field string) map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, item := range items {
		key := item.String(field)
		if field == billing.FieldBillingDate {
			if date, err := billing.ParseBillingDate(key); err == nil {
				key = date.Format(billing.DateLayout)
			}
		}
		amount, _, err := item.Amount(billing.FieldPretaxAmount)
		if err != nil {
			amount = decimal.Zero
		}
		sums[key] = sums[key].Add(amount)
	}
	return sums
}

// ValidateCalculationResults recomputes daily costs and flags implausible
// results. A failing item is reported and the remaining items are still
// checked.
func (v *Validator) ValidateCalculationResults(items []billing.BillItem, expectedTotal *decimal.Decimal) *Result {
	result := NewResult()
	total := decimal.Zero

	for i, item := range items {
		calc, err := v.calc.CalculateDailyCost(item)
		if err != nil {
			result.Add(Issue{
				Level:   LevelError,
				Code:    CodeCalculationError,
				Message: fmt.Sprintf("daily cost calculation failed: %v", err),
				Field:   billing.FieldSubscriptionType,
				Value:   string(item.SubscriptionType),
				Index:   i,
			})
			continue
		}

		total = total.Add(calc.DailyCost)

		if calc.DailyCost.IsNegative() {
			result.Add(Issue{
				Level:   LevelError,
				Code:    CodeNegativeDailyCost,
				Message: fmt.Sprintf("daily cost %s is negative", calc.DailyCost),
				Value:   calc.DailyCost.String(),
				Index:   i,
			})
		}

		if calc.DiscountRate.GreaterThan(decimal.NewFromInt(100)) {
			result.Add(Issue{
				Level:      LevelWarning,
				Code:       CodeExcessiveDiscount,
				Message:    fmt.Sprintf("discount rate %s%% exceeds 100%%", calc.DiscountRate),
				Field:      billing.FieldInvoiceDiscount,
				Value:      calc.DiscountRate.String(),
				Suggestion: "check the invoice discount against the gross amount",
				Index:      i,
			})
		}
	}

	if expectedTotal != nil {
		delta := total.Sub(*expectedTotal)
		if delta.Abs().GreaterThan(v.tolerance) {
			result.Add(Issue{
				Level:   LevelWarning,
				Code:    CodeTotalMismatch,
				Message: fmt.Sprintf("calculated total %s differs from expected %s by %s", total, expectedTotal.String(), delta),
				Value:   total.String(),
				Index:   NoIndex,
			})
		}
	}

	return result
}
