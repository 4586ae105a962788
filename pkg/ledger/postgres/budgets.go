package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/budget"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
)

const budgetColumns = `
	id, account_id, name, amount, period, budget_type,
	start_date, end_date, filter, thresholds, created_at, updated_at`

// CreateBudget inserts b.
func (s *Store) CreateBudget(ctx context.Context, b *budget.Budget) error {
	filter, thresholds, err := marshalBudgetJSON(b)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO budgets (` + budgetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.q.Exec(ctx, query,
		b.ID,
		b.AccountID,
		b.Name,
		b.Amount,
		string(b.Period),
		string(b.Type),
		billing.Day(b.StartDate),
		billing.Day(b.EndDate),
		filter,
		thresholds,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert budget: %w", err)
	}
	return nil
}

// GetBudget returns the budget with id or ledger.ErrNotFound.
func (s *Store) GetBudget(ctx context.Context, id uuid.UUID) (*budget.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE id = $1`

	b, err := scanBudget(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// ListBudgets returns the budgets of accountID, or all budgets when empty.
func (s *Store) ListBudgets(ctx context.Context, accountID string) ([]budget.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", err)
	}
	defer rows.Close()

	var budgets []budget.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		budgets = append(budgets, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budgets: %w", err)
	}
	return budgets, nil
}

// UpdateBudget overwrites the stored budget with b.
func (s *Store) UpdateBudget(ctx context.Context, b *budget.Budget) error {
	filter, thresholds, err := marshalBudgetJSON(b)
	if err != nil {
		return err
	}

	query := `
		UPDATE budgets SET
			account_id = $2, name = $3, amount = $4, period = $5, budget_type = $6,
			start_date = $7, end_date = $8, filter = $9, thresholds = $10, updated_at = $11
		WHERE id = $1
	`
	tag, err := s.q.Exec(ctx, query,
		b.ID,
		b.AccountID,
		b.Name,
		b.Amount,
		string(b.Period),
		string(b.Type),
		billing.Day(b.StartDate),
		billing.Day(b.EndDate),
		filter,
		thresholds,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// DeleteBudget removes a budget and, by cascade, its alert history.
func (s *Store) DeleteBudget(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM budgets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// AlertRecorded reports whether threshold already fired for the budget
// period starting at periodStart.
func (s *Store) AlertRecorded(ctx context.Context, budgetID uuid.UUID, periodStart time.Time, threshold decimal.Decimal) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM budget_alert_history
			WHERE budget_id = $1 AND period_start = $2 AND threshold = $3
		)
	`
	var exists bool
	if err := s.q.QueryRow(ctx, query, budgetID, billing.Day(periodStart), threshold).Scan(&exists); err != nil {
		return false, fmt.Errorf("check alert history: %w", err)
	}
	return exists, nil
}

// RecordAlert upserts an alert history entry.
func (s *Store) RecordAlert(ctx context.Context, rec budget.AlertRecord) error {
	query := `
		INSERT INTO budget_alert_history (
			budget_id, period_start, threshold, usage_rate, spent, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (budget_id, period_start, threshold) DO UPDATE SET
			usage_rate = EXCLUDED.usage_rate,
			spent = EXCLUDED.spent,
			triggered_at = EXCLUDED.triggered_at
	`
	_, err := s.q.Exec(ctx, query,
		rec.BudgetID,
		billing.Day(rec.PeriodStart),
		rec.Threshold,
		rec.UsageRate,
		rec.Spent,
		rec.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

func marshalBudgetJSON(b *budget.Budget) ([]byte, []byte, error) {
	filter, err := json.Marshal(b.Filter)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal filter: %w", err)
	}
	thresholds := b.Thresholds
	if thresholds == nil {
		thresholds = []budget.AlertThreshold{}
	}
	thresholdsJSON, err := json.Marshal(thresholds)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal thresholds: %w", err)
	}
	return filter, thresholdsJSON, nil
}

func scanBudget(row pgx.Row) (*budget.Budget, error) {
	var (
		b                  budget.Budget
		period, budgetType string
		filter, thresholds []byte
	)
	if err := row.Scan(
		&b.ID,
		&b.AccountID,
		&b.Name,
		&b.Amount,
		&period,
		&budgetType,
		&b.StartDate,
		&b.EndDate,
		&filter,
		&thresholds,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}

	b.Period = budget.Period(period)
	b.Type = budget.Type(budgetType)

	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &b.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &b.Thresholds); err != nil {
			return nil, fmt.Errorf("unmarshal thresholds: %w", err)
		}
	}
	return &b, nil
}
