package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
)

func validItem() billing.RawItem {
	return billing.RawItem{
		"BillingDate":       "2024-03-15",
		"OwnerID":           "acct1",
		"InstanceID":        "i-1",
		"ProductCode":       "ecs",
		"SubscriptionType":  "PayAsYouGo",
		"PretaxGrossAmount": "12.00",
		"PretaxAmount":      "10.00",
		"InvoiceDiscount":   "2.00",
	}
}

func issuesWithCode(r *Result, code Code) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Code == code {
			out = append(out, issue)
		}
	}
	return out
}

func TestResult_ValidityNeverResets(t *testing.T) {
	r := NewResult()
	assert.True(t, r.IsValid)

	r.Add(Issue{Level: LevelWarning, Code: CodeDiscountMismatch})
	r.Add(Issue{Level: LevelInfo, Code: CodeMissingInBSS})
	assert.True(t, r.IsValid, "warnings and info keep the result valid")

	r.Add(Issue{Level: LevelError, Code: CodeNegativeAmount})
	assert.False(t, r.IsValid)

	r.Add(Issue{Level: LevelWarning, Code: CodeDiscountMismatch})
	assert.False(t, r.IsValid)

	assert.Equal(t, 1, r.ErrorCount)
	assert.Equal(t, 2, r.WarningCount)
	assert.Equal(t, 1, r.InfoCount)
	assert.Equal(t, map[Code]int{
		CodeDiscountMismatch: 2,
		CodeMissingInBSS:     1,
		CodeNegativeAmount:   1,
	}, r.Summary())
}

func TestResult_Merge(t *testing.T) {
	a := NewResult()
	a.Add(Issue{Level: LevelWarning, Code: CodeInvalidDateFormat, Index: 0})

	b := NewResult()
	b.Add(Issue{Level: LevelError, Code: CodeCalculationError, Index: 3})

	a.Merge(b)
	a.Merge(nil)

	assert.False(t, a.IsValid)
	assert.Len(t, a.Issues, 2)
	assert.True(t, a.HasErrorAt(3))
	assert.False(t, a.HasErrorAt(0))
	assert.Equal(t, []Code{CodeCalculationError, CodeInvalidDateFormat}, a.Codes())
}

func TestValidateBSSData_ValidItem(t *testing.T) {
	v := New(nil)

	r := v.ValidateBSSData([]billing.RawItem{validItem()})
	assert.True(t, r.IsValid)
	assert.Empty(t, r.Issues)
}

func TestValidateBSSData_Checks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(billing.RawItem)
		code   Code
		level  Level
		field  string
	}{
		{
			name:   "missing account",
			mutate: func(r billing.RawItem) { delete(r, "OwnerID") },
			code:   CodeMissingRequiredField,
			level:  LevelError,
			field:  billing.FieldAccountID,
		},
		{
			name:   "blank product code",
			mutate: func(r billing.RawItem) { r["ProductCode"] = " " },
			code:   CodeMissingRequiredField,
			level:  LevelError,
			field:  billing.FieldProductCode,
		},
		{
			name:   "invalid numeric",
			mutate: func(r billing.RawItem) { r["PaymentAmount"] = "n/a" },
			code:   CodeInvalidNumericValue,
			level:  LevelError,
			field:  billing.FieldPaymentAmount,
		},
		{
			name: "negative pretax",
			mutate: func(r billing.RawItem) {
				r["PretaxAmount"] = "-1"
				r["InvoiceDiscount"] = "13"
			},
			code:  CodeNegativeAmount,
			level: LevelError,
			field: billing.FieldPretaxAmount,
		},
		{
			name: "pretax above gross",
			mutate: func(r billing.RawItem) {
				r["PretaxAmount"] = "15"
				r["InvoiceDiscount"] = "-3"
			},
			code:  CodeInconsistentAmount,
			level: LevelWarning,
			field: billing.FieldPretaxAmount,
		},
		{
			name:   "discount mismatch",
			mutate: func(r billing.RawItem) { r["InvoiceDiscount"] = "1.50" },
			code:   CodeDiscountMismatch,
			level:  LevelWarning,
			field:  billing.FieldInvoiceDiscount,
		},
		{
			name:   "timestamp date",
			mutate: func(r billing.RawItem) { r["BillingDate"] = "2024-03-15T00:00:00Z" },
			code:   CodeInvalidDateFormat,
			level:  LevelWarning,
			field:  billing.FieldBillingDate,
		},
		{
			name:   "single digit month",
			mutate: func(r billing.RawItem) { r["BillingDate"] = "2024-3-15" },
			code:   CodeInvalidDateFormat,
			level:  LevelWarning,
			field:  billing.FieldBillingDate,
		},
		{
			name: "subscription without period",
			mutate: func(r billing.RawItem) {
				r["SubscriptionType"] = "Subscription"
				r["ServicePeriod"] = "1"
			},
			code:  CodeMissingServicePeriod,
			level: LevelWarning,
			field: billing.FieldServicePeriod,
		},
	}

	v := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := validItem()
			tt.mutate(item)

			r := v.ValidateBSSData([]billing.RawItem{validItem(), item})

			found := issuesWithCode(r, tt.code)
			require.Len(t, found, 1, "issues: %v", r.Issues)
			assert.Equal(t, tt.level, found[0].Level)
			assert.Equal(t, tt.field, found[0].Field)
			assert.Equal(t, 1, found[0].Index)
			assert.Equal(t, tt.level != LevelError, r.IsValid)
		})
	}
}

func TestValidateBSSData_NoShortCircuit(t *testing.T) {
	v := New(nil)

	item := billing.RawItem{
		"BillingDate":       "15.03.2024",
		"SubscriptionType":  "Subscription",
		"PretaxGrossAmount": "-5",
		"PretaxAmount":      "abc",
	}

	r := v.ValidateBSSData([]billing.RawItem{item})
	summary := r.Summary()

	assert.Equal(t, 2, summary[CodeMissingRequiredField]) // account, product
	assert.Equal(t, 1, summary[CodeInvalidNumericValue])
	assert.Equal(t, 1, summary[CodeNegativeAmount])
	assert.Equal(t, 1, summary[CodeInvalidDateFormat])
	assert.Equal(t, 1, summary[CodeMissingServicePeriod])
	assert.Equal(t, 4, r.ErrorCount)
	assert.False(t, r.IsValid)
}

func TestValidateBSSData_Tolerance(t *testing.T) {
	item := validItem()
	item["InvoiceDiscount"] = "1.995"

	assert.Empty(t, New(nil).ValidateBSSData([]billing.RawItem{item}).Issues)

	strict := New(nil, WithTolerance(decimal.Zero))
	r := strict.ValidateBSSData([]billing.RawItem{item})
	assert.Len(t, issuesWithCode(r, CodeDiscountMismatch), 1)
}

func TestNormalize(t *testing.T) {
	v := New(nil)

	bad := validItem()
	bad["PretaxAmount"] = "-1"

	slashedDate := validItem()
	slashedDate["BillingDate"] = "2024/03/05"

	items, r := v.Normalize([]billing.RawItem{validItem(), bad, slashedDate})

	require.Len(t, items, 1)
	assert.Equal(t, "acct1", items[0].AccountID)
	assert.Equal(t, billing.Date(2024, time.March, 15), items[0].BillingDate)
	assert.True(t, r.HasErrorAt(1))

	assert.False(t, r.IsValid)
	assert.True(t, r.HasErrorAt(2))
	assert.Equal(t, 1, r.Summary()[CodeInvalidDateFormat])
	assert.Equal(t, 1, r.Summary()[CodeUnconvertibleItem])

	dropped := r.Filter(LevelError)
	require.Len(t, dropped, 2)
	assert.Equal(t, CodeUnconvertibleItem, dropped[1].Code)
	assert.Equal(t, 2, dropped[1].Index)
	assert.Contains(t, dropped[1].Message, `invalid billing date "2024/03/05"`)
}

func TestCompareDataSources(t *testing.T) {
	v := New(nil)

	bss := []billing.RawItem{
		{"InstanceID": "i-1", "PretaxAmount": "10.00"},
		{"InstanceID": "i-1", "PretaxAmount": "5.00"},
		{"InstanceID": "i-2", "PretaxAmount": "7.00"},
		{"InstanceID": "i-3", "PretaxAmount": "3.00"},
	}
	mysql := []billing.RawItem{
		{"instance_id": "i-1", "pretax_amount": "15.005"},
		{"instance_id": "i-2", "pretax_amount": "9.00"},
		{"instance_id": "i-4", "pretax_amount": "1.00"},
	}

	r, err := v.CompareDataSources(bss, mysql, "")
	require.NoError(t, err)

	require.Len(t, r.Issues, 3)
	assert.Equal(t, CodeAmountMismatch, r.Issues[0].Code)
	assert.Equal(t, "i-2", r.Issues[0].Value)
	assert.Contains(t, r.Issues[0].Message, "delta -2")
	assert.Equal(t, CodeMissingInMySQL, r.Issues[1].Code)
	assert.Equal(t, LevelWarning, r.Issues[1].Level)
	assert.Equal(t, "i-3", r.Issues[1].Value)
	assert.Equal(t, CodeMissingInBSS, r.Issues[2].Code)
	assert.Equal(t, LevelInfo, r.Issues[2].Level)
	assert.Equal(t, "i-4", r.Issues[2].Value)
	assert.True(t, r.IsValid)

	t.Run("group by product", func(t *testing.T) {
		r, err := v.CompareDataSources(
			[]billing.RawItem{{"ProductCode": "ecs", "PretaxAmount": 1}},
			[]billing.RawItem{{"product_code": "ecs", "pretax_amount": 1}},
			billing.GroupProduct,
		)
		require.NoError(t, err)
		assert.Empty(t, r.Issues)
	})

	t.Run("unsupported group by", func(t *testing.T) {
		_, err := v.CompareDataSources(bss, mysql, "color")
		assert.Error(t, err)
	})
}

func TestValidateCalculationResults(t *testing.T) {
	v := New(billing.NewCalculator(30))

	items := []billing.BillItem{
		{SubscriptionType: billing.PayAsYouGo, PretaxAmount: decimal.NewFromInt(10)},
		{SubscriptionType: "Spot"},
		{SubscriptionType: billing.PayAsYouGo, PretaxAmount: decimal.NewFromInt(-4)},
		{SubscriptionType: billing.SubscriptionPrepaid, PretaxGrossAmount: decimal.NewFromInt(30), InvoiceDiscount: decimal.NewFromInt(45)},
	}

	expected := decimal.NewFromInt(100)
	r := v.ValidateCalculationResults(items, &expected)

	calcErrs := issuesWithCode(r, CodeCalculationError)
	require.Len(t, calcErrs, 1)
	assert.Equal(t, 1, calcErrs[0].Index)

	negative := issuesWithCode(r, CodeNegativeDailyCost)
	require.Len(t, negative, 1)
	assert.Equal(t, 2, negative[0].Index)

	excessive := issuesWithCode(r, CodeExcessiveDiscount)
	require.Len(t, excessive, 1)
	assert.Equal(t, 3, excessive[0].Index)

	total := issuesWithCode(r, CodeTotalMismatch)
	require.Len(t, total, 1)
	assert.Equal(t, NoIndex, total[0].Index)
	assert.Equal(t, "7", total[0].Value)

	assert.False(t, r.IsValid)

	t.Run("matching total", func(t *testing.T) {
		expected := decimal.RequireFromString("10.005")
		r := v.ValidateCalculationResults(items[:1], &expected)
		assert.True(t, r.IsValid)
		assert.Empty(t, r.Issues)
	})
}
