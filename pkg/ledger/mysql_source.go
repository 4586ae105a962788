package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
)

// billItemColumns are the columns of the legacy bill_items table. They use the
// canonical snake_case field names, so a scanned record is already a RawItem.
var billItemColumns = []string{
	billing.FieldBillingDate,
	billing.FieldBillingCycle,
	billing.FieldAccountID,
	billing.FieldInstanceID,
	billing.FieldProductName,
	billing.FieldProductCode,
	billing.FieldRegion,
	billing.FieldSubscriptionType,
	billing.FieldServicePeriod,
	billing.FieldServicePeriodUnit,
	billing.FieldPretaxGrossAmount,
	billing.FieldPretaxAmount,
	billing.FieldPaymentAmount,
	billing.FieldOutstandingAmount,
	billing.FieldInvoiceDiscount,
	billing.FieldDeductedByCoupons,
	billing.FieldDeductedByCashCoupons,
	billing.FieldDeductedByPrepaidCard,
}

// MySQLBillSource reads bill items synced into the MySQL bill_items table.
type MySQLBillSource struct {
	db *sql.DB
}

// NewMySQLBillSource creates a bill source over an open MySQL pool.
func NewMySQLBillSource(db *sql.DB) *MySQLBillSource {
	return &MySQLBillSource{db: db}
}

// Items returns the raw bill items dated within [start, end]. An empty
// accountID returns every account.
func (s *MySQLBillSource) Items(ctx context.Context, accountID string, start, end time.Time) ([]billing.RawItem, error) {
	query := "SELECT " + strings.Join(billItemColumns, ", ") + `
		FROM bill_items
		WHERE billing_date >= ? AND billing_date <= ?`
	args := []any{start.Format(billing.DateLayout), end.Format(billing.DateLayout)}

	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY billing_date, instance_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bill items: %w", err)
	}
	defer rows.Close()

	records, err := scanMaps(rows)
	if err != nil {
		return nil, err
	}

	items := make([]billing.RawItem, 0, len(records))
	for _, rec := range records {
		if v, ok := rec[billing.FieldBillingDate].(time.Time); ok {
			rec[billing.FieldBillingDate] = v.Format(billing.DateLayout)
		}
		items = append(items, billing.RawItem(rec))
	}
	return items, nil
}

// scanMaps reads every row into a column-name keyed map. Byte slices are
// copied into strings because the driver reuses its buffers.
func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
				continue
			}
			rec[col] = values[i]
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
