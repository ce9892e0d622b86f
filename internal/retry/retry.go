// Package retry runs operations under a bounded attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy bounds a retried operation.
type Policy struct {
	Attempts  int           // total attempts, at least 1
	BaseDelay time.Duration // delay after the first failure, doubled per attempt
	MaxDelay  time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is used for registration and other bootstrap calls.
var DefaultPolicy = Policy{Attempts: 10, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Result is the outcome of Do. Errors holds one entry per failed attempt.
type Result[T any] struct {
	Value    T
	Attempts int
	Errors   []error
}

// ExhaustedError is returned by Result.Err when no attempt succeeded.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Err returns nil on success, otherwise the last error wrapped with the
// attempt count.
func (r Result[T]) Err() error {
	if len(r.Errors) == 0 || len(r.Errors) < r.Attempts {
		return nil
	}
	return &ExhaustedError{Attempts: r.Attempts, Last: r.Errors[len(r.Errors)-1]}
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx ends or
// the budget is spent.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	attempts := max(p.Attempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var res Result[T]
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		v, err := fn(ctx, attempt)
		if err == nil {
			res.Value = v
			return res
		}
		res.Errors = append(res.Errors, err)
		if attempt == attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return res
		}
		if err := sleep(ctx, p.delay(attempt)); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
	}
	return res
}

// delay is the exponential backoff after the given failed attempt with
// ±25% jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if half := int64(d / 2); half > 0 {
		d = d - d/4 + time.Duration(rand.Int64N(half))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Permanent reports whether err should stop retries: context errors are
// never retried.
func Permanent(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
