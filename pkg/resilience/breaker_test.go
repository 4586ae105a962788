package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDelivery = errors.New("delivery failed")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{Name: "slack", MaxFailures: maxFailures, Cooldown: time.Minute, HalfOpenMaxCalls: 1})
	b.now = clock.Now
	return b, clock
}

func fail(context.Context) error    { return errDelivery }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	assert.ErrorIs(t, b.Do(ctx, fail), errDelivery)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Do(ctx, fail), errDelivery)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.False(t, called)

	stats := b.Stats()
	assert.Equal(t, "slack", stats.Name)
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(3), stats.Calls)
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, succeed))
	_ = b.Do(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.True(t, IsOpen(b.Do(ctx, succeed)))

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(time.Minute)

	assert.ErrorIs(t, b.Do(ctx, fail), errDelivery)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Do(ctx, fail), context.Canceled)

	err := b.Do(context.Background(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	changes := make(chan State, 4)
	b := NewBreaker(BreakerConfig{
		Name:        "email",
		MaxFailures: 1,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "email", name)
			changes <- to
		},
	})

	_ = b.Do(context.Background(), fail)

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestBreakerOpenError(t *testing.T) {
	err := &BreakerOpenError{Name: "webhook", RetryAt: time.Now().Add(time.Hour), Failures: 3}
	assert.Contains(t, err.Error(), `"webhook"`)
	assert.Greater(t, err.RetryAfter(), 59*time.Minute)

	past := &BreakerOpenError{RetryAt: time.Now().Add(-time.Hour)}
	assert.Zero(t, past.RetryAfter())

	assert.False(t, IsOpen(errDelivery))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(BreakerConfig{MaxFailures: 1})

	slack := r.Get("slack")
	assert.Same(t, slack, r.Get("slack"))

	_ = slack.Do(context.Background(), fail)
	assert.Equal(t, StateOpen, slack.State())
	assert.Equal(t, StateClosed, r.Get("email").State())

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "email", stats[0].Name)
	assert.Equal(t, "slack", stats[1].Name)
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig(""))

	var wg sync.WaitGroup
	got := make([]*Breaker, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("teams")
		}(i)
	}
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}
