package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry. Wait doubles after every failed attempt and
// is capped at MaxWait.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool

	// Retryable reports whether a failure is worth another attempt.
	// Nil retries everything except context cancellation.
	Retryable func(error) bool
	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// StartupRetry suits waiting for a dependency that is still coming up.
var StartupRetry = RetryOpts{
	MaxAttempts: 5,
	InitialWait: time.Second,
	MaxWait:     15 * time.Second,
	Jitter:      true,
}

// Retry calls f until it succeeds, the failure is not retryable, attempts
// run out or ctx is done. The last failure is returned.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait

	var r Result[T]
	for attempt := 1; ; attempt++ {
		r = f(ctx)
		if r.IsOk() || attempt == attempts {
			return r
		}
		_, err := r.Unwrap()
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return r
		}

		sleep := wait
		if opts.Jitter {
			sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 {
			sleep = min(sleep, opts.MaxWait)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, sleep)
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
		wait *= 2
		if opts.MaxWait > 0 {
			wait = min(wait, opts.MaxWait)
		}
	}
}

// Lift adapts a (value, error) call for Retry.
func Lift[T any](f func(context.Context) (T, error)) func(context.Context) Result[T] {
	return func(ctx context.Context) Result[T] {
		return FromPair(f(ctx))
	}
}

// Attempt adapts a plain error-returning call for Retry.
func Attempt(f func(context.Context) error) func(context.Context) Result[struct{}] {
	return func(ctx context.Context) Result[struct{}] {
		return FromPair(struct{}{}, f(ctx))
	}
}
