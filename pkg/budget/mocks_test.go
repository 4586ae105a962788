package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantumlayerhq/ql-billing/pkg/kafka"
	"github.com/quantumlayerhq/ql-billing/pkg/ledger"
)

type mockCostReader struct {
	QueryCostsFunc func(ctx context.Context, q ledger.Query) ([]ledger.Row, error)
	queries        []ledger.Query
}

func (m *mockCostReader) QueryCosts(ctx context.Context, q ledger.Query) ([]ledger.Row, error) {
	m.queries = append(m.queries, q)
	if m.QueryCostsFunc != nil {
		return m.QueryCostsFunc(ctx, q)
	}
	return nil, nil
}

func fixedSpend(amount string) *mockCostReader {
	return &mockCostReader{
		QueryCostsFunc: func(ctx context.Context, q ledger.Query) ([]ledger.Row, error) {
			return []ledger.Row{{Key: q.AccountID, Amount: decimal.RequireFromString(amount)}}, nil
		},
	}
}

type alertKey struct {
	budgetID    uuid.UUID
	periodStart time.Time
	threshold   string
}

type mockRepository struct {
	mu      sync.Mutex
	budgets map[uuid.UUID]Budget
	alerts  map[alertKey]AlertRecord

	ListBudgetsFunc   func(ctx context.Context, accountID string) ([]Budget, error)
	AlertRecordedFunc func(ctx context.Context, budgetID uuid.UUID, periodStart time.Time, threshold decimal.Decimal) (bool, error)
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		budgets: make(map[uuid.UUID]Budget),
		alerts:  make(map[alertKey]AlertRecord),
	}
}

func (m *mockRepository) CreateBudget(ctx context.Context, b *Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[b.ID] = *b
	return nil
}

func (m *mockRepository) GetBudget(ctx context.Context, id uuid.UUID) (*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &b, nil
}

func (m *mockRepository) ListBudgets(ctx context.Context, accountID string) ([]Budget, error) {
	if m.ListBudgetsFunc != nil {
		return m.ListBudgetsFunc(ctx, accountID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Budget
	for _, b := range m.budgets {
		if accountID == "" || b.AccountID == accountID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockRepository) UpdateBudget(ctx context.Context, b *Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[b.ID]; !ok {
		return ledger.ErrNotFound
	}
	m.budgets[b.ID] = *b
	return nil
}

func (m *mockRepository) DeleteBudget(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[id]; !ok {
		return ledger.ErrNotFound
	}
	delete(m.budgets, id)
	return nil
}

func (m *mockRepository) AlertRecorded(ctx context.Context, budgetID uuid.UUID, periodStart time.Time, threshold decimal.Decimal) (bool, error) {
	if m.AlertRecordedFunc != nil {
		return m.AlertRecordedFunc(ctx, budgetID, periodStart, threshold)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alerts[alertKey{budgetID, periodStart, threshold.String()}]
	return ok, nil
}

func (m *mockRepository) RecordAlert(ctx context.Context, rec AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alertKey{rec.BudgetID, rec.PeriodStart, rec.Threshold.String()}] = rec
	return nil
}

type sentMessage struct {
	title    string
	message  string
	channels []string
}

type mockSender struct {
	sent []sentMessage
	down bool
}

func (m *mockSender) Send(ctx context.Context, title, message string, channels []string) map[string]bool {
	m.sent = append(m.sent, sentMessage{title, message, channels})
	out := make(map[string]bool, len(channels))
	for _, c := range channels {
		out[c] = !m.down
	}
	return out
}

type mockPublisher struct {
	PublishEventFunc func(ctx context.Context, topic string, event kafka.Event) error
	topics           []string
	events           []kafka.Event
}

func (m *mockPublisher) PublishEvent(ctx context.Context, topic string, event kafka.Event) error {
	m.topics = append(m.topics, topic)
	m.events = append(m.events, event)
	if m.PublishEventFunc != nil {
		return m.PublishEventFunc(ctx, topic, event)
	}
	return nil
}
