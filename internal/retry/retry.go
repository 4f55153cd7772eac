package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	// Timeout bounds each attempt; zero leaves attempts bounded only by ctx.
	Timeout time.Duration
}

// NewPolicy builds a policy from the configured attempt count and delays in milliseconds.
func NewPolicy(attempts, initialDelayMs, maxDelayMs int) Policy {
	return Policy{
		Attempts: attempts,
		Min:      time.Duration(initialDelayMs) * time.Millisecond,
		Max:      time.Duration(maxDelayMs) * time.Millisecond,
		Factor:   2,
	}
}

// Result is the outcome of a retried call. Callers branch on it instead of on
// whichever error happened to surface last.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	// Exhausted is set when every attempt failed with a retryable error.
	Exhausted bool
}

// OK reports whether the call eventually succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// attempts run out. The context bounds the whole sequence including sleeps.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) Result[T] {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor}

	var res Result[T]
	for res.Attempts < attempts {
		res.Attempts++
		res.Value, res.Err = attempt(ctx, p.Timeout, fn)
		if res.Err == nil || !retryable(res.Err) {
			return res
		}
		if res.Attempts == attempts {
			break
		}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(b.Duration()):
		}
	}
	res.Exhausted = true
	return res
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
