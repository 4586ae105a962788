// Package ledger defines the canonical cost row exchanged with storage
// backends and the read contract the budget and anomaly calculators depend
// on. Backend adapters convert their native row shapes into Row before
// anything else sees them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// GroupBy selects the aggregation key of a cost query.
type GroupBy string

const (
	GroupNone    GroupBy = ""
	GroupDate    GroupBy = "date"
	GroupProduct GroupBy = "product"
	GroupRegion  GroupBy = "region"
)

// Valid reports whether g is a supported grouping.
func (g GroupBy) Valid() bool {
	switch g {
	case GroupNone, GroupDate, GroupProduct, GroupRegion:
		return true
	}
	return false
}

// Query selects daily cost totals for one account over an inclusive date
// range. Empty filter fields match everything.
type Query struct {
	AccountID string
	Start     time.Time
	End       time.Time
	Product   string
	Region    string
	TagKey    string
	TagValue  string
	GroupBy   GroupBy
}

// Validate checks the query is answerable.
func (q Query) Validate() error {
	if q.AccountID == "" {
		return errors.New("account id is required")
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return errors.New("start and end dates are required")
	}
	if billing.Day(q.End).Before(billing.Day(q.Start)) {
		return fmt.Errorf("end %s is before start %s", q.End.Format(billing.DateLayout), q.Start.Format(billing.DateLayout))
	}
	if !q.GroupBy.Valid() {
		return fmt.Errorf("unsupported group by %q", q.GroupBy)
	}
	if q.TagValue != "" && q.TagKey == "" {
		return errors.New("tag value requires a tag key")
	}
	return nil
}

// Row is one aggregated cost figure. Key holds the grouping value; Date is
// set when grouping by date.
type Row struct {
	Key    string          `json:"key"`
	Date   time.Time       `json:"date,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// CostReader answers cost queries.
type CostReader interface {
	QueryCosts(ctx context.Context, q Query) ([]Row, error)
}

// Total sums the amounts of rows.
func Total(rows []Row) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total
}
