// Package budget tracks spend against cost budgets: period boundaries,
// usage rate, linear spend prediction and threshold alerts.
package budget

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidBudget wraps input validation failures.
var ErrInvalidBudget = errors.New("invalid budget")

// Period is the budget reset cycle.
type Period string

const (
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
	PeriodYearly    Period = "yearly"
)

// Type selects which costs count against a budget.
type Type string

const (
	TypeTotal   Type = "total"
	TypeTag     Type = "tag"
	TypeService Type = "service"
)

// AlertThreshold fires when usage reaches Percentage of the budget.
type AlertThreshold struct {
	Percentage decimal.Decimal `json:"percentage" validate:"gt=0"`
	Enabled    bool            `json:"enabled"`
	Channels   []string        `json:"channels" validate:"dive,oneof=slack email webhook teams"`
}

// Filter narrows the costs of tag and service budgets.
type Filter struct {
	Service  string `json:"service,omitempty"`
	TagKey   string `json:"tag_key,omitempty"`
	TagValue string `json:"tag_value,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Budget is a spending cap for one account over one period.
type Budget struct {
	ID         uuid.UUID        `json:"id"`
	AccountID  string           `json:"account_id" validate:"required,max=128"`
	Name       string           `json:"name" validate:"required,min=1,max=255"`
	Amount     decimal.Decimal  `json:"amount" validate:"gt=0"`
	Period     Period           `json:"period" validate:"required,oneof=monthly quarterly yearly"`
	Type       Type             `json:"type" validate:"required,oneof=total tag service"`
	StartDate  time.Time        `json:"start_date" validate:"required"`
	EndDate    time.Time        `json:"end_date"`
	Filter     Filter           `json:"filter"`
	Thresholds []AlertThreshold `json:"thresholds" validate:"dive"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// AlertTrigger is one threshold crossed by the current usage rate.
type AlertTrigger struct {
	Threshold   decimal.Decimal `json:"threshold"`
	CurrentRate decimal.Decimal `json:"current_rate"`
	Channels    []string        `json:"channels"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// Status is a point-in-time view of a budget.
type Status struct {
	BudgetID           uuid.UUID       `json:"budget_id"`
	Spent              decimal.Decimal `json:"spent"`
	Remaining          decimal.Decimal `json:"remaining"`
	UsageRate          decimal.Decimal `json:"usage_rate"`
	DaysElapsed        int             `json:"days_elapsed"`
	DaysTotal          int             `json:"days_total"`
	PredictedSpend     decimal.Decimal `json:"predicted_spend"`
	PredictedOverspend decimal.Decimal `json:"predicted_overspend"`
	AlertsTriggered    []AlertTrigger  `json:"alerts_triggered"`
	CalculatedAt       time.Time       `json:"calculated_at"`
}

// AlertRecord marks a threshold as already notified for a budget period.
type AlertRecord struct {
	BudgetID    uuid.UUID       `json:"budget_id"`
	PeriodStart time.Time       `json:"period_start"`
	Threshold   decimal.Decimal `json:"threshold"`
	UsageRate   decimal.Decimal `json:"usage_rate"`
	Spent       decimal.Decimal `json:"spent"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// AlertEvent is the payload published when a budget threshold fires.
type AlertEvent struct {
	BudgetID   uuid.UUID       `json:"budget_id"`
	BudgetName string          `json:"budget_name"`
	AccountID  string          `json:"account_id"`
	Period     Period          `json:"period"`
	Amount     decimal.Decimal `json:"amount"`
	Spent      decimal.Decimal `json:"spent"`
	Threshold  decimal.Decimal `json:"threshold"`
	UsageRate  decimal.Decimal `json:"usage_rate"`
	Delivered  map[string]bool `json:"delivered"`
}
