package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/quantumlayerhq/ql-billing/pkg/anomaly"
	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/budget"
)

func (a *app) newBudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect budgets",
	}
	cmd.AddCommand(a.newBudgetStatusCmd(), a.newBudgetListCmd())
	return cmd
}

func (a *app) newBudgetStatusCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "status <budget-id>",
		Short: "Show spend, usage and forecast for a budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid budget id %q: %w", args[0], err)
			}
			now := a.now()
			if at != "" {
				if now, err = parseDate("at", at); err != nil {
					return err
				}
			}

			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			svc := budget.NewService(store, budget.NewCalculator(store), a.log)
			b, err := svc.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			status, err := svc.Status(cmd.Context(), id, now)
			if err != nil {
				return err
			}

			return a.render(status, func(w io.Writer) error {
				return printBudgetStatus(w, b, status)
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this date (YYYY-MM-DD) instead of today")
	return cmd
}

func (a *app) newBudgetListCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budgets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			budgets, err := budget.NewService(store, budget.NewCalculator(store), a.log).List(cmd.Context(), account)
			if err != nil {
				return err
			}

			return a.render(budgets, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tACCOUNT\tNAME\tTYPE\tPERIOD\tAMOUNT\tSTART")
				for _, b := range budgets {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						b.ID, b.AccountID, b.Name, b.Type, b.Period,
						b.Amount.StringFixed(2), b.StartDate.Format(billing.DateLayout))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "only budgets of this account")
	return cmd
}

func printBudgetStatus(w io.Writer, b *budget.Budget, s *budget.Status) error {
	start, end := budget.Bounds(*b)
	fmt.Fprintf(w, "%s (%s %s budget, account %s)\n", b.Name, b.Period, b.Type, b.AccountID)
	fmt.Fprintf(w, "Period:     %s to %s, day %d of %d\n",
		start.Format(billing.DateLayout), end.Format(billing.DateLayout), s.DaysElapsed, s.DaysTotal)
	fmt.Fprintf(w, "Amount:     %s\n", b.Amount.StringFixed(2))
	fmt.Fprintf(w, "Spent:      %s (%s%%)\n", s.Spent.StringFixed(2), s.UsageRate.StringFixed(2))
	fmt.Fprintf(w, "Remaining:  %s\n", s.Remaining.StringFixed(2))
	fmt.Fprintf(w, "Forecast:   %s", s.PredictedSpend.StringFixed(2))
	if s.PredictedOverspend.IsPositive() {
		fmt.Fprintf(w, " (over by %s)", s.PredictedOverspend.StringFixed(2))
	}
	fmt.Fprintln(w)

	for _, alert := range s.AlertsTriggered {
		fmt.Fprintf(w, "Alert:      %s%% threshold crossed at %s%% (%s)\n",
			alert.Threshold.StringFixed(0), alert.CurrentRate.StringFixed(2), strings.Join(alert.Channels, ", "))
	}
	return nil
}

func (a *app) newAnomalyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Detect and list cost anomalies",
	}
	cmd.AddCommand(a.newAnomalyDetectCmd(), a.newAnomalyListCmd())
	return cmd
}

func (a *app) newAnomalyDetectCmd() *cobra.Command {
	var flags struct {
		account      string
		date         string
		baselineDays int
		thresholdStd float64
	}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run anomaly detection for one account-day",
		Long: `Compare the account's cost on --date against the mean and standard deviation
of the preceding baseline window. A detected anomaly is stored; re-running
for the same day replaces it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.detectOptions(cmd, flags.baselineDays, flags.thresholdStd)
			if err != nil {
				return err
			}
			date := billing.Day(a.now()).AddDate(0, 0, -1)
			if flags.date != "" {
				if date, err = parseDate("date", flags.date); err != nil {
					return err
				}
			}

			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			detector := anomaly.NewDetector(store, store, a.log,
				anomaly.WithMinBaselineDays(a.cfg.Anomaly.MinBaselineDays))

			found, err := detector.Detect(cmd.Context(), flags.account, date, opts)
			if err != nil {
				return err
			}

			if found == nil {
				baseline, err := detector.Baseline(cmd.Context(), flags.account, date, opts)
				if err != nil {
					return err
				}
				return a.render(map[string]any{"anomaly": nil, "baseline": baseline}, func(w io.Writer) error {
					fmt.Fprintf(w, "No anomaly for %s on %s\n", flags.account, date.Format(billing.DateLayout))
					if baseline.SampleDays > 0 {
						fmt.Fprintf(w, "Baseline: mean %s, stddev %s, threshold %s over %d days\n",
							baseline.Mean.StringFixed(2), baseline.StdDev.StringFixed(2),
							baseline.Threshold.StringFixed(2), baseline.SampleDays)
					}
					return nil
				})
			}

			return a.render(found, func(w io.Writer) error {
				return printAnomalies(w, []anomaly.Anomaly{*found})
			})
		},
	}

	cmd.Flags().StringVar(&flags.account, "account", "", "account id")
	cmd.Flags().StringVar(&flags.date, "date", "", "day to check (YYYY-MM-DD, default yesterday)")
	cmd.Flags().IntVar(&flags.baselineDays, "baseline-days", 0, "baseline window in days (default from config)")
	cmd.Flags().Float64Var(&flags.thresholdStd, "threshold-std", 0, "standard deviations above the mean, 0 flags any day above it (default from config)")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

// detectOptions fills the detection flags not given on the command line
// from the config. An explicit --threshold-std 0 is kept.
func (a *app) detectOptions(cmd *cobra.Command, baselineDays int, thresholdStd float64) (anomaly.Options, error) {
	if !cmd.Flags().Changed("baseline-days") {
		baselineDays = a.cfg.Anomaly.BaselineDays
	}
	if !cmd.Flags().Changed("threshold-std") {
		thresholdStd = a.cfg.Anomaly.ThresholdStd
	}
	if baselineDays <= 0 {
		return anomaly.Options{}, fmt.Errorf("--baseline-days must be positive, got %d", baselineDays)
	}
	if thresholdStd < 0 {
		return anomaly.Options{}, fmt.Errorf("--threshold-std must not be negative, got %g", thresholdStd)
	}
	return anomaly.Options{BaselineDays: baselineDays, ThresholdStd: thresholdStd}, nil
}

func (a *app) newAnomalyListCmd() *cobra.Command {
	var flags struct {
		account      string
		start        string
		end          string
		severities   []string
		minDeviation float64
		limit        int
		offset       int
	}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored anomalies, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := anomaly.Filter{AccountID: flags.account}
			var err error
			if flags.start != "" {
				if f.StartDate, err = parseDate("start", flags.start); err != nil {
					return err
				}
			}
			if flags.end != "" {
				if f.EndDate, err = parseDate("end", flags.end); err != nil {
					return err
				}
			}
			for _, s := range flags.severities {
				sev := anomaly.Severity(strings.ToLower(strings.TrimSpace(s)))
				if !sev.Valid() {
					return fmt.Errorf("unknown severity %q", s)
				}
				f.Severities = append(f.Severities, sev)
			}
			if flags.minDeviation > 0 {
				f.MinDeviation = decimal.NewFromFloat(flags.minDeviation)
			}

			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			detector := anomaly.NewDetector(store, store, a.log)
			found, err := detector.GetAnomalies(cmd.Context(), f, flags.limit, flags.offset)
			if err != nil {
				return err
			}

			return a.render(found, func(w io.Writer) error {
				if len(found) == 0 {
					fmt.Fprintln(w, "No anomalies found")
					return nil
				}
				return printAnomalies(w, found)
			})
		},
	}

	cmd.Flags().StringVar(&flags.account, "account", "", "only this account")
	cmd.Flags().StringVar(&flags.start, "start", "", "earliest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.end, "end", "", "latest date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&flags.severities, "severity", nil, "severities to include (low, medium, high, critical)")
	cmd.Flags().Float64Var(&flags.minDeviation, "min-deviation", 0, "minimum deviation percent")
	cmd.Flags().IntVar(&flags.limit, "limit", 100, "maximum rows")
	cmd.Flags().IntVar(&flags.offset, "offset", 0, "rows to skip")
	return cmd
}

func printAnomalies(w io.Writer, found []anomaly.Anomaly) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tACCOUNT\tSEVERITY\tCURRENT\tBASELINE\tDEVIATION %\tROOT CAUSE")
	for _, an := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			an.Date.Format(billing.DateLayout), an.AccountID, an.Severity,
			an.CurrentCost.StringFixed(2), an.BaselineCost.StringFixed(2),
			an.DeviationPct.StringFixed(2), an.RootCause)
	}
	return tw.Flush()
}

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the cost ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			started := time.Now()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("schema migrated", "duration", time.Since(started).String())
			fmt.Fprintln(a.stdout, "ledger schema is up to date")
			return nil
		},
	}
}
