package billing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestServiceDays(t *testing.T) {
	tests := []struct {
		name   string
		period string
		unit   ServicePeriodUnit
		want   int
	}{
		{"days", "7", UnitDay, 7},
		{"one month", "1", UnitMonth, 30},
		{"three months", "3", UnitMonth, 90},
		{"one year", "1", UnitYear, 365},
		{"padded", " 2 ", UnitMonth, 60},
		{"empty period", "", UnitMonth, 0},
		{"non numeric", "abc", UnitMonth, 0},
		{"fractional", "1.5", UnitMonth, 0},
		{"zero", "0", UnitDay, 0},
		{"negative", "-3", UnitDay, 0},
		{"unknown unit", "1", ServicePeriodUnit("Week"), 0},
		{"empty unit", "1", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ServiceDays(tt.period, tt.unit))
		})
	}
}

func TestCalculateDailyCost_Subscription(t *testing.T) {
	calc := NewCalculator(30)

	t.Run("one month rounds half up", func(t *testing.T) {
		item := BillItem{
			SubscriptionType:  SubscriptionPrepaid,
			PretaxGrossAmount: dec("100.333"),
			PretaxAmount:      dec("90"),
			InvoiceDiscount:   dec("10.333"),
			ServicePeriod:     "1",
			ServicePeriodUnit: UnitMonth,
		}

		result, err := calc.CalculateDailyCost(item)
		require.NoError(t, err)

		assertDecimal(t, "3.34", result.DailyCost)
		assertDecimal(t, "100.333", result.TotalCost)
		assertDecimal(t, "10.333", result.DiscountAmount)
		assertDecimal(t, "10.3", result.DiscountRate)
		assert.Equal(t, MethodSubscriptionAmortized, result.CalculationMethod)
		require.NotNil(t, result.ServiceDays)
		assert.Equal(t, 30, *result.ServiceDays)
	})

	t.Run("yearly", func(t *testing.T) {
		item := BillItem{
			SubscriptionType:  SubscriptionPrepaid,
			PretaxGrossAmount: dec("3650"),
			ServicePeriod:     "1",
			ServicePeriodUnit: UnitYear,
		}

		result, err := calc.CalculateDailyCost(item)
		require.NoError(t, err)
		assertDecimal(t, "10", result.DailyCost)
		require.NotNil(t, result.ServiceDays)
		assert.Equal(t, 365, *result.ServiceDays)
	})

	t.Run("missing period uses default", func(t *testing.T) {
		item := BillItem{
			SubscriptionType:  SubscriptionPrepaid,
			PretaxGrossAmount: dec("90"),
		}

		result, err := calc.CalculateDailyCost(item)
		require.NoError(t, err)
		assertDecimal(t, "3", result.DailyCost)
		assert.Nil(t, result.ServiceDays)
	})

	t.Run("configured default", func(t *testing.T) {
		item := BillItem{
			SubscriptionType:  SubscriptionPrepaid,
			PretaxGrossAmount: dec("100"),
			ServicePeriod:     "bogus",
			ServicePeriodUnit: UnitMonth,
		}

		result, err := NewCalculator(10).CalculateDailyCost(item)
		require.NoError(t, err)
		assertDecimal(t, "10", result.DailyCost)
		assert.Nil(t, result.ServiceDays)
	})

	t.Run("zero gross", func(t *testing.T) {
		item := BillItem{
			SubscriptionType: SubscriptionPrepaid,
			InvoiceDiscount:  dec("5"),
			ServicePeriod:    "1",
		}

		result, err := calc.CalculateDailyCost(item)
		require.NoError(t, err)
		assert.True(t, result.DailyCost.IsZero())
		assert.True(t, result.DiscountRate.IsZero())
	})

	t.Run("discount above gross exceeds 100 percent", func(t *testing.T) {
		item := BillItem{
			SubscriptionType:  SubscriptionPrepaid,
			PretaxGrossAmount: dec("10"),
			InvoiceDiscount:   dec("15"),
		}

		result, err := calc.CalculateDailyCost(item)
		require.NoError(t, err)
		assertDecimal(t, "150", result.DiscountRate)
	})
}

func TestCalculateDailyCost_PayAsYouGo(t *testing.T) {
	calc := &Calculator{}

	item := BillItem{
		SubscriptionType:  PayAsYouGo,
		PretaxGrossAmount: dec("12.50"),
		PretaxAmount:      dec("10.00"),
		InvoiceDiscount:   dec("2.50"),
		ServicePeriod:     "1",
		ServicePeriodUnit: UnitMonth,
	}

	result, err := calc.CalculateDailyCost(item)
	require.NoError(t, err)

	assertDecimal(t, "10", result.DailyCost)
	assertDecimal(t, "10", result.TotalCost)
	assert.True(t, result.DailyCost.Equal(item.PretaxAmount))
	assertDecimal(t, "2.5", result.DiscountAmount)
	assertDecimal(t, "20", result.DiscountRate)
	assert.Equal(t, MethodPayAsYouGoDirect, result.CalculationMethod)
	assert.Nil(t, result.ServiceDays)

	t.Run("zero denominator", func(t *testing.T) {
		result, err := calc.CalculateDailyCost(BillItem{SubscriptionType: PayAsYouGo})
		require.NoError(t, err)
		assert.True(t, result.DiscountRate.IsZero())
		assert.True(t, result.DailyCost.IsZero())
	})
}

func TestCalculateDailyCost_UnknownType(t *testing.T) {
	calc := NewCalculator(30)

	_, err := calc.CalculateDailyCost(BillItem{SubscriptionType: "Spot"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSubscriptionType))
	assert.Contains(t, err.Error(), "Spot")
}

func TestCalculateBatch(t *testing.T) {
	calc := NewCalculator(30)

	items := []BillItem{
		{AccountID: "acct1", InstanceID: "i-1", SubscriptionType: PayAsYouGo, PretaxAmount: dec("5")},
		{AccountID: "acct1", InstanceID: "i-2", SubscriptionType: "Unknown"},
		{AccountID: "acct1", InstanceID: "i-3", SubscriptionType: SubscriptionPrepaid, PretaxGrossAmount: dec("60")},
	}

	costs, err := calc.CalculateBatch(items)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSubscriptionType))
	assert.Contains(t, err.Error(), "item 1")

	require.Len(t, costs, 2)
	assert.Equal(t, "i-1", costs[0].Item.InstanceID)
	assertDecimal(t, "5", costs[0].Result.DailyCost)
	assert.Equal(t, "i-3", costs[1].Item.InstanceID)
	assertDecimal(t, "2", costs[1].Result.DailyCost)

	t.Run("all succeed", func(t *testing.T) {
		costs, err := calc.CalculateBatch(items[:1])
		require.NoError(t, err)
		assert.Len(t, costs, 1)
	})
}

func TestDailyCostCombine(t *testing.T) {
	calc := NewCalculator(DefaultServiceDays)
	compute := func(item BillItem) DailyCost {
		t.Helper()
		result, err := calc.CalculateDailyCost(item)
		require.NoError(t, err)
		return DailyCost{Item: item, Result: result}
	}

	t.Run("pay as you go lines add up", func(t *testing.T) {
		first := compute(BillItem{
			InstanceID: "i-1", SubscriptionType: PayAsYouGo,
			PretaxGrossAmount: dec("12"), PretaxAmount: dec("10"), InvoiceDiscount: dec("2"),
			Tags: map[string]string{"env": "prod"},
		})
		second := compute(BillItem{
			InstanceID: "i-1", SubscriptionType: PayAsYouGo,
			PretaxGrossAmount: dec("4.50"), PretaxAmount: dec("4.50"),
			Tags: map[string]string{"env": "dev", "team": "storage"},
		})

		got := first.Combine(second)
		assertDecimal(t, "14.5", got.Result.DailyCost)
		assertDecimal(t, "14.5", got.Item.PretaxAmount)
		assertDecimal(t, "16.5", got.Item.PretaxGrossAmount)
		assertDecimal(t, "2", got.Result.DiscountAmount)
		// 2 / (14.5 + 2)
		assertDecimal(t, "12.12", got.Result.DiscountRate)
		assert.Equal(t, map[string]string{"env": "prod", "team": "storage"}, got.Item.Tags)

		assertDecimal(t, "10", first.Result.DailyCost)
		assert.Equal(t, map[string]string{"env": "prod"}, first.Item.Tags)
	})

	t.Run("subscription keeps agreed service days", func(t *testing.T) {
		month := BillItem{
			SubscriptionType: SubscriptionPrepaid, ServicePeriod: "1", ServicePeriodUnit: UnitMonth,
			PretaxGrossAmount: dec("300"), PretaxAmount: dec("270"), InvoiceDiscount: dec("30"),
		}
		got := compute(month).Combine(compute(month))
		assertDecimal(t, "20", got.Result.DailyCost)
		assertDecimal(t, "10", got.Result.DiscountRate)
		require.NotNil(t, got.Result.ServiceDays)
		assert.Equal(t, 30, *got.Result.ServiceDays)

		week := month
		week.ServicePeriod, week.ServicePeriodUnit = "7", UnitDay
		got = compute(month).Combine(compute(week))
		assert.Nil(t, got.Result.ServiceDays)
	})
}
