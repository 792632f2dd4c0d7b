package cdc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// RetryConfig holds retry configuration for remote calls.
type RetryConfig struct {
	// Attempts is the maximum number of attempts per operation.
	Attempts int

	// Delay is the initial backoff duration.
	Delay time.Duration

	// MaxDelay caps the backoff duration.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for API requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		Delay:    time.Second,
		MaxDelay: 30 * time.Second,
	}
}

// RetryBudget bounds the retries spent across every operation of a cycle.
// A limit <= 0 disables the budget.
type RetryBudget struct {
	limit int64
	spent atomic.Int64
}

// NewRetryBudget creates a budget allowing limit retries.
func NewRetryBudget(limit int) *RetryBudget {
	return &RetryBudget{limit: int64(limit)}
}

// TrySpend takes one retry from the budget. It returns false once the
// budget is exhausted.
func (b *RetryBudget) TrySpend() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	return b.spent.Add(1) <= b.limit
}

// Spent returns the number of retries taken since the last reset.
func (b *RetryBudget) Spent() int64 {
	if b == nil {
		return 0
	}
	return b.spent.Load()
}

// Reset gives the budget back after a committed cycle.
func (b *RetryBudget) Reset() {
	if b != nil {
		b.spent.Store(0)
	}
}

// Retrier runs an operation with bounded exponential backoff and jitter.
// Only Retryable failures are retried; once the attempts run out the last
// failure is returned as Fatal.
type Retrier struct {
	config  RetryConfig
	budget  *RetryBudget
	clock   clock.Clock
	logger  hclog.Logger
	onRetry func(op string)
}

// RetrierOption customizes a Retrier
type RetrierOption func(*Retrier)

// WithBudget shares a retry budget with other retriers
func WithBudget(b *RetryBudget) RetrierOption {
	return func(r *Retrier) {
		r.budget = b
	}
}

// WithClock replaces the wall clock used for backoff sleeps
func WithClock(c clock.Clock) RetrierOption {
	return func(r *Retrier) {
		r.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = l
	}
}

// WithRetryHook registers a callback invoked before every retry
func WithRetryHook(fn func(op string)) RetrierOption {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// NewRetrier creates a Retrier. Zero config fields fall back to defaults.
func NewRetrier(cfg RetryConfig, opts ...RetrierOption) *Retrier {
	def := DefaultRetryConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.MaxDelay < cfg.Delay {
		cfg.MaxDelay = cfg.Delay
	}

	r := &Retrier{
		config: cfg,
		clock:  clock.WallClock,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Budget returns the shared budget, if any.
func (r *Retrier) Budget() *RetryBudget {
	return r.budget
}

// Do calls fn until it succeeds, fails fatally, or the attempts run out.
// Backoff sleeps are cut short when ctx is done.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			lastErr = fn()
			if lastErr == nil || !IsRetryable(lastErr) {
				return lastErr
			}
			if attempts < r.config.Attempts && !r.budget.TrySpend() {
				lastErr = NewFatalError(fmt.Errorf("%s: %w: %w", op, ErrRetryBudgetExhausted, lastErr))
			}
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Warn("Transient failure", "op", op, "attempt", attempt, "maxAttempts", r.config.Attempts, "error", err)
			// The last attempt is followed by escalation, not a retry.
			if r.onRetry != nil && attempt < r.config.Attempts {
				r.onRetry(op)
			}
		},
		Attempts:    r.config.Attempts,
		Delay:       r.config.Delay,
		MaxDelay:    r.config.MaxDelay,
		BackoffFunc: retry.ExpBackoff(r.config.Delay, r.config.MaxDelay, 2.0, true),
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}

	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return NewFatalError(fmt.Errorf("%s: giving up after %d attempts: %w", op, r.config.Attempts, lastErr))
	}
	// retry.Call traces fatal errors; hand back the original.
	return lastErr
}
