package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/config"
	"github.com/quantumlayerhq/ql-billing/pkg/database"
	"github.com/quantumlayerhq/ql-billing/pkg/ingest"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger/postgres"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/validation"
)

// Output formats.
const (
	outputText = "text"
	outputJSON = "json"
)

// app carries state shared by every command.
type app struct {
	cfgFile string
	output  string
	verbose bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time

	cfg       *config.Config
	log       *logger.Logger
	tolerance decimal.Decimal

	openMySQL func(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error)
}

func newApp() *app {
	return &app{
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		now:       time.Now,
		openMySQL: database.OpenMySQL,
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billingctl",
		Short: "Validate, calculate and inspect cloud billing data",
		Long: `billingctl works with raw cloud bill exports and the ql-billing cost ledger.

File commands (validate, calc, reconcile) read a JSON array of bill items, or
an object with an "items" array. Pass "-" to read from stdin.

Configuration comes from QLB_* environment variables, optionally layered over
a config file given with --config.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
	}

	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputText, "output format (text, json)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		a.newValidateCmd(),
		a.newCalcCmd(),
		a.newReconcileCmd(),
		a.newBudgetCmd(),
		a.newAnomalyCmd(),
		a.newMigrateCmd(),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	if a.output != outputText && a.output != outputJSON {
		return fmt.Errorf("unsupported output format %q", a.output)
	}

	cfg, err := config.LoadFile(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.tolerance, err = cfg.Billing.Tolerance(); err != nil {
		return err
	}

	level := cfg.LogLevel
	if a.verbose {
		level = "debug"
	}
	a.log = logger.NewWithWriter(a.stderr, level, "text").WithService("billingctl")
	return nil
}

func (a *app) calculator() *billing.Calculator {
	return billing.NewCalculator(a.cfg.Billing.DefaultServiceDays)
}

func (a *app) validator(calc *billing.Calculator) *validation.Validator {
	return validation.New(calc, validation.WithTolerance(a.tolerance))
}

// readItems loads raw bill items from path, or stdin for "-".
func (a *app) readItems(path string) ([]billing.RawItem, error) {
	if path == "-" {
		return ingest.DecodeItems(a.stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bill file: %w", err)
	}
	defer f.Close()

	items, err := ingest.DecodeItems(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

// openStore connects to the cost ledger. The caller closes it.
func (a *app) openStore(ctx context.Context) (*postgres.Store, func(), error) {
	db, err := database.New(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return postgres.NewStore(db), db.Close, nil
}

// render writes v as indented JSON, or calls text for the text format.
func (a *app) render(v any, text func(w io.Writer) error) error {
	if a.output == outputJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(a.stdout)
}

func parseDate(flag, value string) (time.Time, error) {
	t, err := time.Parse(billing.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD, got %q", flag, value)
	}
	return t, nil
}

// errInvalidData makes the process exit non-zero after a report with
// error-level issues has been printed.
var errInvalidData = errors.New("bill data has validation errors")
