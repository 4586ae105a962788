package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
	"github.com/quantumlayerhq/ql-billing/pkg/validation"
)

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate raw bill items",
		Long: `Check every item for required fields, date format, amount format and sign,
subscription type and discount consistency. Exits non-zero when any
error-level issue is found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.readItems(args[0])
			if err != nil {
				return err
			}

			result := a.validator(a.calculator()).ValidateBSSData(items)
			if err := a.render(result, func(w io.Writer) error {
				return printResult(w, result, len(items))
			}); err != nil {
				return err
			}
			if !result.IsValid {
				return errInvalidData
			}
			return nil
		},
	}
}

// calcLine is one calculated item in the calc report.
type calcLine struct {
	AccountID   string `json:"account_id"`
	InstanceID  string `json:"instance_id"`
	ProductCode string `json:"product_code"`
	BillingDate string `json:"billing_date"`
	billing.CostCalculationResult
}

type calcReport struct {
	Items      []calcLine              `json:"items"`
	Discount   billing.DiscountSummary `json:"discount"`
	Period     *billing.PeriodCost     `json:"period,omitempty"`
	Validation *validation.Result      `json:"validation"`
}

func (a *app) newCalcCmd() *cobra.Command {
	var flags struct {
		start   string
		end     string
		groupBy string
	}

	cmd := &cobra.Command{
		Use:   "calc <file>",
		Short: "Calculate daily costs for raw bill items",
		Long: `Calculate the daily cost of every valid item, a discount summary and,
with --start and --end, the total pretax cost over that period.

Items with error-level validation issues are skipped and reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end time.Time
			if flags.start != "" || flags.end != "" {
				var err error
				if start, err = parseDate("start", flags.start); err != nil {
					return err
				}
				if end, err = parseDate("end", flags.end); err != nil {
					return err
				}
			}

			raw, err := a.readItems(args[0])
			if err != nil {
				return err
			}

			calc := a.calculator()
			v := a.validator(calc)
			items, result := v.Normalize(raw)
			result.Merge(v.ValidateCalculationResults(items, nil))

			costs, calcErr := calc.CalculateBatch(items)
			if calcErr != nil {
				a.log.Warn("some items could not be calculated", "error", calcErr)
			}

			report := calcReport{
				Items:      make([]calcLine, 0, len(costs)),
				Discount:   calc.CalculateDiscountSummary(items),
				Validation: result,
			}
			for _, c := range costs {
				report.Items = append(report.Items, calcLine{
					AccountID:             c.Item.AccountID,
					InstanceID:            c.Item.InstanceID,
					ProductCode:           c.Item.ProductCode,
					BillingDate:           c.Item.BillingDate.Format(billing.DateLayout),
					CostCalculationResult: c.Result,
				})
			}

			if !start.IsZero() {
				period, err := calc.CalculatePeriodCost(items, start, end, flags.groupBy)
				if err != nil {
					return err
				}
				report.Period = &period
			}

			return a.render(report, func(w io.Writer) error {
				return printCalc(w, report)
			})
		},
	}

	cmd.Flags().StringVar(&flags.start, "start", "", "period start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.end, "end", "", "period end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.groupBy, "group-by", "", "period breakdown: product, region, account, instance, subscription_type, billing_date")
	cmd.MarkFlagsRequiredTogether("start", "end")
	return cmd
}

func (a *app) newReconcileCmd() *cobra.Command {
	var flags struct {
		groupBy string
		account string
	}

	cmd := &cobra.Command{
		Use:   "reconcile <bss-file>",
		Short: "Compare a BSS export with the MySQL bill store",
		Long: `Load the MySQL bill items covering the date range of the BSS export and
compare pretax totals per group. Amount differences beyond the configured
tolerance and groups present on only one side are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			bss, err := a.readItems(args[0])
			if err != nil {
				return err
			}

			calc := a.calculator()
			v := a.validator(calc)
			items, _ := v.Normalize(bss)
			if len(items) == 0 {
				return fmt.Errorf("%s: no valid items to reconcile", args[0])
			}
			start, end := dateRange(items)

			db, err := a.openMySQL(ctx, a.cfg.MySQL)
			if err != nil {
				return err
			}
			defer db.Close()

			mysqlItems, err := ledger.NewMySQLBillSource(db).Items(ctx, flags.account, start, end)
			if err != nil {
				return err
			}
			a.log.Debug("loaded mysql bill items",
				"count", len(mysqlItems),
				"start", start.Format(billing.DateLayout),
				"end", end.Format(billing.DateLayout),
			)

			result, err := v.CompareDataSources(bss, mysqlItems, flags.groupBy)
			if err != nil {
				return err
			}

			return a.render(result, func(w io.Writer) error {
				fmt.Fprintf(w, "Reconciled %d BSS items against %d MySQL items (%s to %s)\n",
					len(bss), len(mysqlItems), start.Format(billing.DateLayout), end.Format(billing.DateLayout))
				return printResult(w, result, -1)
			})
		},
	}

	cmd.Flags().StringVar(&flags.groupBy, "group-by", billing.GroupInstance, "comparison key: product, region, account, instance, subscription_type, billing_date")
	cmd.Flags().StringVar(&flags.account, "account", "", "restrict MySQL items to one account")
	return cmd
}

// dateRange returns the earliest and latest billing dates of items.
func dateRange(items []billing.BillItem) (time.Time, time.Time) {
	start, end := items[0].BillingDate, items[0].BillingDate
	for _, item := range items[1:] {
		if item.BillingDate.Before(start) {
			start = item.BillingDate
		}
		if item.BillingDate.After(end) {
			end = item.BillingDate
		}
	}
	return start, end
}

func printResult(w io.Writer, r *validation.Result, items int) error {
	status := "VALID"
	if !r.IsValid {
		status = "INVALID"
	}
	if items >= 0 {
		fmt.Fprintf(w, "%s: %d items, %d errors, %d warnings, %d info\n", status, items, r.ErrorCount, r.WarningCount, r.InfoCount)
	} else {
		fmt.Fprintf(w, "%s: %d errors, %d warnings, %d info\n", status, r.ErrorCount, r.WarningCount, r.InfoCount)
	}
	if len(r.Issues) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tCODE\tITEM\tMESSAGE")
	for _, issue := range r.Issues {
		item := "-"
		if issue.Index != validation.NoIndex {
			item = fmt.Sprint(issue.Index)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", issue.Level, issue.Code, item, issue.Message)
	}
	return tw.Flush()
}

func printCalc(w io.Writer, r calcReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tACCOUNT\tINSTANCE\tPRODUCT\tMETHOD\tDAILY\tDISCOUNT %")
	for _, line := range r.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			line.BillingDate, line.AccountID, line.InstanceID, line.ProductCode,
			line.CalculationMethod, line.DailyCost.StringFixed(2), line.DiscountRate.StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	d := r.Discount
	fmt.Fprintf(w, "\nGross %s, pretax %s, discount %s (%s%%) over %d items\n",
		d.TotalGross.StringFixed(2), d.TotalPretax.StringFixed(2),
		d.TotalDiscount.StringFixed(2), d.AverageDiscountRate.StringFixed(2), d.ItemCount)

	if p := r.Period; p != nil {
		fmt.Fprintf(w, "Period %s to %s (%d days): %s over %d items\n",
			p.Start.Format(billing.DateLayout), p.End.Format(billing.DateLayout),
			p.Days, p.TotalCost.StringFixed(2), p.ItemCount)

		keys := make([]string, 0, len(p.Groups))
		for k := range p.Groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-24s %s\n", k, p.Groups[k].StringFixed(2))
		}
	}

	if skipped := r.Validation.ErrorCount; skipped > 0 {
		fmt.Fprintf(w, "%d error-level issues; affected items were skipped\n", skipped)
	}
	return nil
}
