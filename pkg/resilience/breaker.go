// Package resilience guards outbound delivery calls (notification channels,
// webhooks) with circuit breakers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a limited number of trial calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name string

	// MaxFailures consecutive failures trip the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// HalfOpenMaxCalls trial calls must succeed to close again.
	HalfOpenMaxCalls int

	// OnStateChange is invoked asynchronously on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the configuration used for notification
// channels.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxFailures:      3,
		Cooldown:         time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig(c.Name)
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time

	stats BreakerStats
}

// BreakerStats are cumulative counters for one breaker.
type BreakerStats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Calls     int64  `json:"calls"`
	Failures  int64  `json:"failures"`
	Successes int64  `json:"successes"`
	Rejected  int64  `json:"rejected"`
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// Do runs fn unless the breaker is open. Context cancellation is returned as
// is and does not count as a failure of the guarded dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		b.release()
		return err
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Calls++

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.stats.Rejected++
			return &BreakerOpenError{Name: b.cfg.Name, RetryAt: b.openedAt.Add(b.cfg.Cooldown), Failures: b.failures}
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 1
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.stats.Rejected++
			return &BreakerOpenError{Name: b.cfg.Name, RetryAt: b.now().Add(time.Second), Failures: b.failures}
		}
		b.halfOpenCalls++
	}
	return nil
}

// release returns a half-open trial slot without judging the dependency.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.stats.Successes++
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenMaxCalls {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.stats.Failures++
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.halfOpenCalls = 0
	}

	if b.cfg.OnStateChange != nil && from != to {
		go b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Name = b.cfg.Name
	s.State = b.state.String()
	return s
}

// BreakerOpenError is returned when a call is rejected.
type BreakerOpenError struct {
	Name     string
	RetryAt  time.Time
	Failures int
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (failures=%d, retry at %s)",
		e.Name, e.Failures, e.RetryAt.Format(time.RFC3339))
}

// RetryAfter returns the time left until the next trial call.
func (e *BreakerOpenError) RetryAfter() time.Duration {
	if d := time.Until(e.RetryAt); d > 0 {
		return d
	}
	return 0
}

// IsOpen reports whether err is a rejection by an open breaker.
func IsOpen(err error) bool {
	var open *BreakerOpenError
	return errors.As(err, &open)
}

// Registry holds one breaker per key, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	template BreakerConfig
}

// NewRegistry creates a registry whose breakers share template's settings.
func NewRegistry(template BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.template
	cfg.Name = key
	b := NewBreaker(cfg)
	r.breakers[key] = b
	return b
}

// Stats returns the counters of every breaker, sorted by name.
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
