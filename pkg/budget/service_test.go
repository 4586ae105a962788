package budget

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/kafka"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
)

func validBudget() Budget {
	return Budget{
		AccountID: "acct-1",
		Name:      "Production",
		Amount:    dec("1000"),
		Period:    PeriodMonthly,
		Type:      TypeTotal,
		StartDate: billing.Date(2024, time.April, 1),
		Thresholds: []AlertThreshold{
			{Percentage: dec("50"), Enabled: true, Channels: []string{"slack"}},
			{Percentage: dec("80"), Enabled: true, Channels: []string{"slack", "email"}},
		},
	}
}

func newTestService(costs ledger.CostReader, opts ...Option) (*Service, *mockRepository) {
	repo := newMockRepository()
	svc := NewService(repo, NewCalculator(costs), logger.Nop(), opts...)
	svc.now = func() time.Time { return time.Date(2024, time.April, 1, 12, 0, 0, 0, time.UTC) }
	return svc, repo
}

func TestService_Validate(t *testing.T) {
	svc, _ := newTestService(fixedSpend("0"))

	tests := []struct {
		name       string
		mutate     func(b *Budget)
		wantFields []string
	}{
		{"valid", func(b *Budget) {}, nil},
		{"missing name and account", func(b *Budget) { b.Name = ""; b.AccountID = "" }, []string{"name", "account_id"}},
		{"zero amount", func(b *Budget) { b.Amount = dec("0") }, []string{"amount"}},
		{"negative amount", func(b *Budget) { b.Amount = dec("-5") }, []string{"amount"}},
		{"bad period", func(b *Budget) { b.Period = "weekly" }, []string{"period"}},
		{"bad type", func(b *Budget) { b.Type = "project" }, []string{"type"}},
		{"missing start", func(b *Budget) { b.StartDate = time.Time{} }, []string{"start_date"}},
		{"service without service filter", func(b *Budget) { b.Type = TypeService }, []string{"service"}},
		{"tag without key", func(b *Budget) { b.Type = TypeTag }, []string{"tag_key"}},
		{"end before start", func(b *Budget) { b.EndDate = billing.Date(2024, time.March, 1) }, []string{"end_date"}},
		{"unknown channel", func(b *Budget) { b.Thresholds[0].Channels = []string{"pager"} }, []string{"channels[0]"}},
		{"zero threshold", func(b *Budget) { b.Thresholds[1].Percentage = dec("0") }, []string{"percentage"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBudget()
			tt.mutate(&b)

			err := svc.Validate(b)
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidBudget)
			var inputErr *InputError
			require.True(t, errors.As(err, &inputErr))
			for _, f := range tt.wantFields {
				assert.Contains(t, inputErr.Fields, f)
			}
		})
	}
}

func TestService_CreateGetUpdateDelete(t *testing.T) {
	svc, repo := newTestService(fixedSpend("0"))
	ctx := context.Background()

	created, err := svc.Create(ctx, validBudget())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, billing.Date(2024, time.May, 1), created.EndDate)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Len(t, repo.budgets, 1)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Production", got.Name)

	got.Amount = dec("1500")
	got.Period = PeriodQuarterly
	got.EndDate = time.Time{}
	svc.now = func() time.Time { return time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC) }
	updated, err := svc.Update(ctx, *got)
	require.NoError(t, err)
	assertDecimal(t, "1500", updated.Amount)
	assert.Equal(t, billing.Date(2024, time.July, 1), updated.EndDate)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	list, err := svc.List(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	svc, repo := newTestService(fixedSpend("0"))

	b := validBudget()
	b.Amount = dec("0")
	_, err := svc.Create(context.Background(), b)
	assert.ErrorIs(t, err, ErrInvalidBudget)
	assert.Empty(t, repo.budgets)
}

func TestService_UpdateMissing(t *testing.T) {
	svc, _ := newTestService(fixedSpend("0"))

	b := validBudget()
	b.ID = uuid.New()
	_, err := svc.Update(context.Background(), b)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestService_Status(t *testing.T) {
	svc, _ := newTestService(fixedSpend("600"))
	ctx := context.Background()

	created, err := svc.Create(ctx, validBudget())
	require.NoError(t, err)

	status, err := svc.Status(ctx, created.ID, billing.Date(2024, time.April, 16))
	require.NoError(t, err)
	assertDecimal(t, "60", status.UsageRate)
	require.Len(t, status.AlertsTriggered, 1)
}

func TestService_EvaluateAlerts(t *testing.T) {
	sender := &mockSender{}
	publisher := &mockPublisher{}
	collector := metrics.New(prometheus.NewRegistry())

	svc, repo := newTestService(fixedSpend("850"),
		WithNotifier(sender),
		WithPublisher(publisher, "billing.budget.alert"),
		WithMetrics(collector),
	)
	ctx := context.Background()

	created, err := svc.Create(ctx, validBudget())
	require.NoError(t, err)

	now := time.Date(2024, time.April, 20, 6, 0, 0, 0, time.UTC)
	sent, err := svc.EvaluateAlerts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Budget alert: Production", sender.sent[0].title)
	assert.Contains(t, sender.sent[0].message, "85.00%")
	assert.Equal(t, []string{"slack", "email"}, sender.sent[1].channels)

	assert.Len(t, repo.alerts, 2)
	require.Len(t, publisher.events, 2)
	assert.Equal(t, "billing.budget.alert", publisher.topics[0])
	assert.Equal(t, kafka.EventBudgetAlert, publisher.events[0].Type)
	assert.Equal(t, "acct-1", publisher.events[0].Key)
	payload := publisher.events[1].Data.(AlertEvent)
	assert.Equal(t, created.ID, payload.BudgetID)
	assertDecimal(t, "80", payload.Threshold)
	assert.Equal(t, map[string]bool{"slack": true, "email": true}, payload.Delivered)

	expected := `
# HELP qlbilling_budget_alerts_total Budget threshold alerts dispatched, by budget period.
# TYPE qlbilling_budget_alerts_total counter
qlbilling_budget_alerts_total{period="monthly"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "qlbilling_budget_alerts_total"))
}

func TestService_EvaluateAlerts_DeduplicatesWithinPeriod(t *testing.T) {
	sender := &mockSender{}
	svc, _ := newTestService(fixedSpend("850"), WithNotifier(sender))
	ctx := context.Background()

	_, err := svc.Create(ctx, validBudget())
	require.NoError(t, err)

	now := time.Date(2024, time.April, 20, 6, 0, 0, 0, time.UTC)
	first, err := svc.EvaluateAlerts(ctx, now)
	require.NoError(t, err)
	second, err := svc.EvaluateAlerts(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Len(t, sender.sent, 2)
}

func TestService_EvaluateAlerts_UndeliveredAlertIsRetried(t *testing.T) {
	sender := &mockSender{down: true}
	publisher := &mockPublisher{}
	svc, repo := newTestService(fixedSpend("850"), WithNotifier(sender), WithPublisher(publisher, "billing.budget.alert"))
	ctx := context.Background()

	_, err := svc.Create(ctx, validBudget())
	require.NoError(t, err)

	now := time.Date(2024, time.April, 20, 6, 0, 0, 0, time.UTC)
	sent, err := svc.EvaluateAlerts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, sender.sent, 2)
	assert.Empty(t, repo.alerts)
	assert.Empty(t, publisher.events)

	sender.down = false
	sent, err = svc.EvaluateAlerts(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, sender.sent, 4)
	assert.Len(t, repo.alerts, 2)
}

func TestService_EvaluateAlerts_ContinuesAfterFailure(t *testing.T) {
	failing := uuid.New()
	costs := &mockCostReader{
		QueryCostsFunc: func(ctx context.Context, q ledger.Query) ([]ledger.Row, error) {
			if q.AccountID == "broken" {
				return nil, errors.New("timeout")
			}
			return []ledger.Row{{Amount: dec("900")}}, nil
		},
	}
	sender := &mockSender{}
	svc, repo := newTestService(costs, WithNotifier(sender))

	ok := validBudget()
	ok.ID = uuid.New()
	broken := validBudget()
	broken.ID = failing
	broken.AccountID = "broken"
	repo.ListBudgetsFunc = func(context.Context, string) ([]Budget, error) {
		return []Budget{broken, ok}, nil
	}

	sent, err := svc.EvaluateAlerts(context.Background(), billing.Date(2024, time.April, 20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), failing.String())
	assert.Equal(t, 2, sent)
	assert.Len(t, sender.sent, 2)
}

func TestService_EvaluateAlerts_PublishFailureIsNotFatal(t *testing.T) {
	publisher := &mockPublisher{
		PublishEventFunc: func(context.Context, string, kafka.Event) error { return errors.New("broker down") },
	}
	svc, repo := newTestService(fixedSpend("600"), WithPublisher(publisher, "billing.budget.alert"))

	_, err := svc.Create(context.Background(), validBudget())
	require.NoError(t, err)

	sent, err := svc.EvaluateAlerts(context.Background(), billing.Date(2024, time.April, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, repo.alerts, 1)
}
