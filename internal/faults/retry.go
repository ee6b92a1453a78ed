package faults

import (
	"context"
	"time"
)

// DefaultInjectionAttempts bounds retries of a single input injection.
const DefaultInjectionAttempts = 10

// Retry runs fn until it succeeds, returns a non-Transient error, ctx ends, or
// attempts are exhausted. Exhaustion is reported as Fatal wrapping the last error.
func Retry(ctx context.Context, op string, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if Classify(last) != Transient {
			return last
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &Error{Kind: Fatal, Op: op, Err: last}
}
