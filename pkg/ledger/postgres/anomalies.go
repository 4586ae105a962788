package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantumlayerhq/ql-billing/pkg/anomaly"
	"github.com/quantumlayerhq/ql-billing/pkg/billing"
)

// UpsertAnomaly stores a, replacing any anomaly for the same account-day.
func (s *Store) UpsertAnomaly(ctx context.Context, a *anomaly.Anomaly) error {
	query := `
		INSERT INTO cost_anomalies (
			account_id, date, current_cost, baseline_cost,
			deviation_pct, severity, root_cause, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, date) DO UPDATE SET
			current_cost = EXCLUDED.current_cost,
			baseline_cost = EXCLUDED.baseline_cost,
			deviation_pct = EXCLUDED.deviation_pct,
			severity = EXCLUDED.severity,
			root_cause = EXCLUDED.root_cause,
			created_at = EXCLUDED.created_at
	`

	_, err := s.q.Exec(ctx, query,
		a.AccountID,
		billing.Day(a.Date),
		a.CurrentCost,
		a.BaselineCost,
		a.DeviationPct,
		string(a.Severity),
		a.RootCause,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert anomaly: %w", err)
	}
	return nil
}

// ListAnomalies returns anomalies matching f, newest date first.
func (s *Store) ListAnomalies(ctx context.Context, f anomaly.Filter, limit, offset int) ([]anomaly.Anomaly, error) {
	query, args := buildAnomalyQuery(f, limit, offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []anomaly.Anomaly
	for rows.Next() {
		var (
			a        anomaly.Anomaly
			severity string
		)
		if err := rows.Scan(
			&a.AccountID,
			&a.Date,
			&a.CurrentCost,
			&a.BaselineCost,
			&a.DeviationPct,
			&severity,
			&a.RootCause,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.Date = billing.Day(a.Date)
		a.Severity = anomaly.Severity(severity)
		anomalies = append(anomalies, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomalies: %w", err)
	}
	return anomalies, nil
}

func buildAnomalyQuery(f anomaly.Filter, limit, offset int) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.AccountID != "" {
		args = append(args, f.AccountID)
		conds = append(conds, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if !f.StartDate.IsZero() {
		args = append(args, billing.Day(f.StartDate))
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !f.EndDate.IsZero() {
		args = append(args, billing.Day(f.EndDate))
		conds = append(conds, fmt.Sprintf("date <= $%d", len(args)))
	}
	if len(f.Severities) > 0 {
		severities := make([]string, len(f.Severities))
		for i, sev := range f.Severities {
			severities[i] = string(sev)
		}
		args = append(args, severities)
		conds = append(conds, fmt.Sprintf("severity = ANY($%d)", len(args)))
	}
	if f.MinDeviation.IsPositive() {
		args = append(args, f.MinDeviation)
		conds = append(conds, fmt.Sprintf("deviation_pct >= $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT account_id, date, current_cost, baseline_cost,
			deviation_pct, severity, root_cause, created_at
		FROM cost_anomalies
		%s
		ORDER BY date DESC, deviation_pct DESC
		LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	return query, args
}
