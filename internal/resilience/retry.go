package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff grows the wait between attempts geometrically up to Max. Jitter
// spreads each delay by up to ±Jitter of its value so that concurrent runs
// blocked on the same SQLite file do not wake together.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait after failed attempt n (from 1). u in [0,1) selects
// the jitter offset; 0.5 gives the unjittered delay.
func (b Backoff) Delay(n int, u float64) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	d = math.Min(d, float64(b.Max))
	d += (2*u - 1) * b.Jitter * d
	return time.Duration(math.Max(d, 0))
}

// Permanent is implemented by errors that must not be retried even when
// their text looks transient. Ledger not-found and transition errors are
// permanent.
type Permanent interface {
	Permanent() bool
}

// Attempt describes a failed try that is about to be retried.
type Attempt struct {
	Op    string
	N     int
	Delay time.Duration
	Err   error
}

// ExhaustedError reports an operation that was still failing transiently
// when it ran out of attempts.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resilience: %s gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RetryConfig controls how a ledger operation is retried.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int
	Backoff     Backoff

	// ShouldRetry replaces Retryable when set.
	ShouldRetry func(err error) bool
	OnRetry     func(Attempt)

	uniform func() float64
}

// DefaultRetryConfig returns the retry settings for ledger calls. A locked
// SQLite file usually clears within a few hundred milliseconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		Backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = d.Backoff.Initial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = c.Backoff.Initial
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	c.Backoff.Jitter = math.Min(math.Max(c.Backoff.Jitter, 0), 1)
	if c.ShouldRetry == nil {
		c.ShouldRetry = Retryable
	}
	if c.uniform == nil {
		c.uniform = rand.Float64
	}
	return c
}

// Retryable reports whether err may clear on another attempt. Permanent
// errors and constraint violations never do.
func Retryable(err error) bool {
	var p Permanent
	if errors.As(err, &p) && p.Permanent() {
		return false
	}
	if IsConstraintViolation(err) {
		return false
	}
	return IsTransient(err)
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx ends. fn receives the attempt number, from 1, so a
// retry can check whether an earlier attempt already committed.
func Do(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoVal(ctx, cfg, op, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoVal is Do for operations that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	cfg = cfg.normalized()
	var zero T
	for n := 1; ; n++ {
		v, err := fn(ctx, n)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}
		if n >= cfg.MaxAttempts {
			return zero, &ExhaustedError{Op: op, Attempts: n, Err: err}
		}
		delay := cfg.Backoff.Delay(n, cfg.uniform())
		if cfg.OnRetry != nil {
			cfg.OnRetry(Attempt{Op: op, N: n, Delay: delay, Err: err})
		}
		if !wait(ctx, delay) {
			return zero, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryLogger returns an OnRetry callback that logs each retried ledger call.
func RetryLogger(driver string) func(Attempt) {
	log := zap.L().With(zap.String("component", "ledger"), zap.String("driver", driver))
	return func(a Attempt) {
		log.Warn("retrying ledger operation",
			zap.String("operation", a.Op),
			zap.Int("attempt", a.N),
			zap.Duration("delay", a.Delay),
			zap.Error(a.Err),
		)
	}
}
