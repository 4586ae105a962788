// Package postgres is the PostgreSQL cost ledger: daily costs, anomalies,
// budgets and budget alert history.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/anomaly"
	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/budget"
	"github.com/quantumlayerhq/ql-billing/pkg/database"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
	"github.com/quantumlayerhq/ql-billing/pkg/telemetry"
)

// Store implements ledger.CostReader, budget.Repository and anomaly.Store
// on PostgreSQL.
type Store struct {
	q  database.Querier
	tx txRunner
}

// txRunner opens transactions. *database.DB implements it.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var (
	_ ledger.CostReader = (*Store)(nil)
	_ budget.Repository = (*Store)(nil)
	_ anomaly.Store     = (*Store)(nil)
)

// NewStore creates a Store on db.
func NewStore(db *database.DB) *Store {
	return &Store{q: db, tx: db}
}

// WithTx runs fn with a store whose statements share one transaction. A
// store already bound to a transaction runs fn directly.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if s.tx == nil {
		return fn(s)
	}
	return s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&Store{q: tx})
	})
}

// Migrate creates the schema, upgrades a ledger created at an older version
// and records the current version.
func (s *Store) Migrate(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.Exec(ctx, Schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}

		var current int
		if err := tx.q.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}

		// A fresh ledger already has the current schema.
		if current > 0 {
			for v := current + 1; v <= SchemaVersion; v++ {
				if _, err := tx.q.Exec(ctx, migrations[v]); err != nil {
					return fmt.Errorf("migrate to version %d: %w", v, err)
				}
			}
		}

		if _, err := tx.q.Exec(ctx,
			`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
			SchemaVersion,
		); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// QueryCosts sums daily costs for q.
func (s *Store) QueryCosts(ctx context.Context, q ledger.Query) ([]ledger.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cost query: %w", err)
	}

	query, args := buildCostQuery(q)

	ctx, span := telemetry.DatabaseSpan(ctx, "postgresql", "select", "daily_costs")
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		span.Finish(err)
		return nil, fmt.Errorf("query costs: %w", err)
	}
	defer rows.Close()

	var out []ledger.Row
	for rows.Next() {
		var (
			key    string
			date   *time.Time
			amount decimal.Decimal
		)
		if err := rows.Scan(&key, &date, &amount); err != nil {
			span.Finish(err)
			return nil, fmt.Errorf("scan cost row: %w", err)
		}

		row := ledger.Row{Key: key, Amount: amount}
		if date != nil {
			row.Date = billing.Day(*date)
		}
		out = append(out, row)
	}

	err = rows.Err()
	span.Finish(err)
	if err != nil {
		return nil, fmt.Errorf("iterate cost rows: %w", err)
	}
	return out, nil
}

// buildCostQuery renders q against daily_costs. Arguments are positional in
// the order conditions are appended.
func buildCostQuery(q ledger.Query) (string, []any) {
	var keyExpr, dateExpr, order string
	switch q.GroupBy {
	case ledger.GroupDate:
		keyExpr, dateExpr, order = "to_char(billing_date, 'YYYY-MM-DD')", "billing_date", "billing_date"
	case ledger.GroupProduct:
		keyExpr, dateExpr, order = "COALESCE(NULLIF(product_code, ''), product_name)", "NULL::date", "3 DESC, 1"
	case ledger.GroupRegion:
		keyExpr, dateExpr, order = "region", "NULL::date", "3 DESC, 1"
	default:
		keyExpr, dateExpr, order = "account_id", "NULL::date", "1"
	}

	args := []any{q.AccountID, billing.Day(q.Start), billing.Day(q.End)}
	conds := []string{"account_id = $1", "billing_date BETWEEN $2 AND $3"}

	if q.Product != "" {
		args = append(args, q.Product)
		conds = append(conds, fmt.Sprintf("(product_code = $%d OR product_name = $%d)", len(args), len(args)))
	}
	if q.Region != "" {
		args = append(args, q.Region)
		conds = append(conds, fmt.Sprintf("region = $%d", len(args)))
	}
	if q.TagKey != "" {
		args = append(args, q.TagKey)
		if q.TagValue != "" {
			args = append(args, q.TagValue)
			conds = append(conds, fmt.Sprintf("tags->>$%d = $%d", len(args)-1, len(args)))
		} else {
			conds = append(conds, fmt.Sprintf("tags ? $%d", len(args)))
		}
	}

	groupBy := "1"
	if q.GroupBy == ledger.GroupDate {
		groupBy = "billing_date"
	}

	query := fmt.Sprintf(`
		SELECT %s AS key, %s AS date, COALESCE(SUM(daily_cost), 0) AS amount
		FROM daily_costs
		WHERE %s
		GROUP BY %s
		ORDER BY %s`,
		keyExpr, dateExpr, strings.Join(conds, " AND "), groupBy, order)

	return query, args
}

const upsertDailyCost = `
	INSERT INTO daily_costs (
		account_id, billing_date, instance_id, product_code, billing_item,
		product_name, region, subscription_type, calculation_method, pretax_gross,
		pretax, daily_cost, discount_amount, discount_rate, service_days, tags, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW()
	)
	ON CONFLICT (account_id, billing_date, instance_id, product_code, billing_item) DO UPDATE SET
		product_name = EXCLUDED.product_name,
		region = EXCLUDED.region,
		subscription_type = EXCLUDED.subscription_type,
		calculation_method = EXCLUDED.calculation_method,
		pretax_gross = EXCLUDED.pretax_gross,
		pretax = EXCLUDED.pretax,
		daily_cost = EXCLUDED.daily_cost,
		discount_amount = EXCLUDED.discount_amount,
		discount_rate = EXCLUDED.discount_rate,
		service_days = EXCLUDED.service_days,
		tags = EXCLUDED.tags,
		updated_at = NOW()
`

// UpsertDailyCosts writes costs in one transaction and returns the number of
// items written. Items of one batch that share a ledger line (account, date,
// instance, product and billing item) are summed into a single row first.
// Re-ingesting a line replaces the earlier row.
func (s *Store) UpsertDailyCosts(ctx context.Context, costs []billing.DailyCost) (int, error) {
	if len(costs) == 0 {
		return 0, nil
	}
	rows := mergeDailyCosts(costs)

	err := s.WithTx(ctx, func(tx *Store) error {
		for i, c := range rows {
			args, err := dailyCostArgs(c)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			if _, err := tx.q.Exec(ctx, upsertDailyCost, args...); err != nil {
				return fmt.Errorf("upsert row %d (%s/%s): %w", i, c.Item.AccountID, c.Item.InstanceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(costs), nil
}

// lineKey identifies a daily_costs row.
type lineKey struct {
	accountID   string
	date        time.Time
	instanceID  string
	productCode string
	billingItem string
}

// mergeDailyCosts combines costs that land on the same ledger line, keeping
// the order in which lines first appear.
func mergeDailyCosts(costs []billing.DailyCost) []billing.DailyCost {
	index := make(map[lineKey]int, len(costs))
	out := make([]billing.DailyCost, 0, len(costs))
	for _, c := range costs {
		key := lineKey{
			accountID:   c.Item.AccountID,
			date:        billing.Day(c.Item.BillingDate),
			instanceID:  c.Item.InstanceID,
			productCode: c.Item.ProductCode,
			billingItem: c.Item.BillingItem,
		}
		if i, ok := index[key]; ok {
			out[i] = out[i].Combine(c)
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

func dailyCostArgs(c billing.DailyCost) ([]any, error) {
	tags := c.Item.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	return []any{
		c.Item.AccountID,
		billing.Day(c.Item.BillingDate),
		c.Item.InstanceID,
		c.Item.ProductCode,
		c.Item.BillingItem,
		c.Item.ProductName,
		c.Item.Region,
		string(c.Item.SubscriptionType),
		string(c.Result.CalculationMethod),
		c.Item.PretaxGrossAmount,
		c.Item.PretaxAmount,
		c.Result.DailyCost,
		c.Result.DiscountAmount,
		c.Result.DiscountRate,
		c.Result.ServiceDays,
		tagsJSON,
	}, nil
}

// ListAccounts returns every account with recorded costs.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT DISTINCT account_id FROM daily_costs ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}
