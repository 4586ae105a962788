package budget

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/kafka"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
	"github.com/quantumlayerhq/ql-billing/pkg/notify"
)

// Repository persists budgets and their alert history.
type Repository interface {
	CreateBudget(ctx context.Context, b *Budget) error
	GetBudget(ctx context.Context, id uuid.UUID) (*Budget, error)
	// ListBudgets returns every budget when accountID is empty.
	ListBudgets(ctx context.Context, accountID string) ([]Budget, error)
	UpdateBudget(ctx context.Context, b *Budget) error
	DeleteBudget(ctx context.Context, id uuid.UUID) error

	AlertRecorded(ctx context.Context, budgetID uuid.UUID, periodStart time.Time, threshold decimal.Decimal) (bool, error)
	RecordAlert(ctx context.Context, rec AlertRecord) error
}

// InputError lists the fields that failed validation, keyed by JSON name.
type InputError struct {
	Fields map[string]string
}

func (e *InputError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid budget: " + strings.Join(parts, ", ")
}

func (e *InputError) Unwrap() error { return ErrInvalidBudget }

// Service manages budgets and dispatches threshold alerts.
type Service struct {
	repo      Repository
	calc      *Calculator
	log       *logger.Logger
	validate  *validator.Validate
	sender    notify.Sender
	publisher kafka.Publisher
	topic     string
	metrics   *metrics.Collector
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sends threshold alerts through sender.
func WithNotifier(sender notify.Sender) Option {
	return func(s *Service) { s.sender = sender }
}

// WithPublisher publishes a budget.alert event to topic for every alert.
func WithPublisher(p kafka.Publisher, topic string) Option {
	return func(s *Service) {
		s.publisher = p
		s.topic = topic
	}
}

// WithMetrics counts dispatched alerts.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// NewService creates a budget service.
func NewService(repo Repository, calc *Calculator, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		calc:     calc,
		log:      log.WithComponent("budget"),
		validate: newValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a budget definition.
func (s *Service) Validate(b Budget) error {
	fields := map[string]string{}

	if err := s.validate.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidBudget, err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}

	switch b.Type {
	case TypeService:
		if b.Filter.Service == "" {
			fields["service"] = "required"
		}
	case TypeTag:
		if b.Filter.TagKey == "" {
			fields["tag_key"] = "required"
		}
	}

	if !b.EndDate.IsZero() && !billing.Day(b.EndDate).After(billing.Day(b.StartDate)) {
		fields["end_date"] = "gtfield"
	}

	if len(fields) > 0 {
		return &InputError{Fields: fields}
	}
	return nil
}

// Create validates and stores a new budget. A missing end date is derived
// from the period.
func (s *Service) Create(ctx context.Context, b Budget) (*Budget, error) {
	if err := s.Validate(b); err != nil {
		return nil, err
	}

	b.StartDate, b.EndDate = Bounds(b)
	b.ID = uuid.New()
	now := s.now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	if err := s.repo.CreateBudget(ctx, &b); err != nil {
		return nil, fmt.Errorf("create budget: %w", err)
	}

	s.log.Info("budget created", "budget_id", b.ID, "account_id", b.AccountID, "period", b.Period, "amount", b.Amount.String())
	return &b, nil
}

// Get returns one budget.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Budget, error) {
	b, err := s.repo.GetBudget(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get budget %s: %w", id, err)
	}
	return b, nil
}

// List returns the budgets of an account, or all budgets when accountID is
// empty.
func (s *Service) List(ctx context.Context, accountID string) ([]Budget, error) {
	budgets, err := s.repo.ListBudgets(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	return budgets, nil
}

// Update replaces the editable fields of an existing budget.
func (s *Service) Update(ctx context.Context, b Budget) (*Budget, error) {
	existing, err := s.Get(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(b); err != nil {
		return nil, err
	}

	b.StartDate, b.EndDate = Bounds(b)
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateBudget(ctx, &b); err != nil {
		return nil, fmt.Errorf("update budget %s: %w", b.ID, err)
	}
	return &b, nil
}

// Delete removes a budget.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteBudget(ctx, id); err != nil {
		return fmt.Errorf("delete budget %s: %w", id, err)
	}
	return nil
}

// Status loads a budget and computes its status as of now.
func (s *Service) Status(ctx context.Context, id uuid.UUID, now time.Time) (*Status, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.calc.Status(ctx, *b, now)
}

// EvaluateAlerts computes the status of every budget and dispatches the
// thresholds not yet notified in the current period. A threshold is recorded
// as notified once any channel delivers it, or at once when it has no
// channels. It returns the number of alerts dispatched. A failing budget is
// logged and the rest continue; all failures are returned joined.
func (s *Service) EvaluateAlerts(ctx context.Context, now time.Time) (int, error) {
	budgets, err := s.repo.ListBudgets(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list budgets: %w", err)
	}

	var (
		sent int
		errs []error
	)
	for _, b := range budgets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		n, err := s.evaluate(ctx, b, now)
		sent += n
		if err != nil {
			s.log.WithError(err).Error("budget alert evaluation failed", "budget_id", b.ID, "account_id", b.AccountID)
			errs = append(errs, fmt.Errorf("budget %s: %w", b.ID, err))
		}
	}

	return sent, errors.Join(errs...)
}

func (s *Service) evaluate(ctx context.Context, b Budget, now time.Time) (int, error) {
	status, err := s.calc.Status(ctx, b, now)
	if err != nil {
		return 0, err
	}

	periodStart, _ := Bounds(b)
	sent := 0

	for _, trigger := range status.AlertsTriggered {
		recorded, err := s.repo.AlertRecorded(ctx, b.ID, periodStart, trigger.Threshold)
		if err != nil {
			return sent, fmt.Errorf("check alert history: %w", err)
		}
		if recorded {
			continue
		}

		delivered := s.dispatch(ctx, b, *status, trigger)
		if len(delivered) > 0 && !anyDelivered(delivered) {
			// Left unrecorded so the next evaluation retries it.
			s.log.Warn("budget alert not delivered on any channel",
				"budget_id", b.ID,
				"account_id", b.AccountID,
				"threshold", trigger.Threshold.String(),
			)
			continue
		}

		rec := AlertRecord{
			BudgetID:    b.ID,
			PeriodStart: periodStart,
			Threshold:   trigger.Threshold,
			UsageRate:   trigger.CurrentRate,
			Spent:       status.Spent,
			TriggeredAt: trigger.TriggeredAt,
		}
		if err := s.repo.RecordAlert(ctx, rec); err != nil {
			return sent, fmt.Errorf("record alert: %w", err)
		}

		s.metrics.BudgetAlert(string(b.Period))
		s.publish(ctx, b, *status, trigger, delivered)
		sent++
	}

	return sent, nil
}

func anyDelivered(results map[string]bool) bool {
	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, b Budget, status Status, trigger AlertTrigger) map[string]bool {
	if s.sender == nil || len(trigger.Channels) == 0 {
		return map[string]bool{}
	}

	title := fmt.Sprintf("Budget alert: %s", b.Name)
	message := fmt.Sprintf(
		"Budget %q (account %s) has used %s%% of %s, crossing the %s%% threshold. Spent %s, predicted %s over %d days.",
		b.Name, b.AccountID,
		trigger.CurrentRate.StringFixed(2), b.Amount.StringFixed(2),
		trigger.Threshold.String(),
		status.Spent.StringFixed(2), status.PredictedSpend.StringFixed(2), status.DaysTotal,
	)
	return s.sender.Send(ctx, title, message, trigger.Channels)
}

func (s *Service) publish(ctx context.Context, b Budget, status Status, trigger AlertTrigger, delivered map[string]bool) {
	if s.publisher == nil {
		return
	}

	event := kafka.NewEvent(kafka.EventBudgetAlert, "ql-billing.budget", b.AccountID, AlertEvent{
		BudgetID:   b.ID,
		BudgetName: b.Name,
		AccountID:  b.AccountID,
		Period:     b.Period,
		Amount:     b.Amount,
		Spent:      status.Spent,
		Threshold:  trigger.Threshold,
		UsageRate:  trigger.CurrentRate,
		Delivered:  delivered,
	})
	if err := s.publisher.PublishEvent(ctx, s.topic, event); err != nil {
		s.log.WithError(err).Warn("failed to publish budget alert event", "budget_id", b.ID)
	}
}
