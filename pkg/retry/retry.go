package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxJitter      time.Duration
}

// DefaultPolicy matches the pricing reconciler contract: three attempts
// total, exponential backoff doubling from 200ms, up to 100ms of jitter.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxJitter:      100 * time.Millisecond,
}

// Backoff returns the delay before the given attempt is retried:
// initial * 2^(attempt-1) for attempt >= 1. It is a pure function so retry
// schedules can be asserted without real delays; jitter is added by the
// caller.
func Backoff(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return initial << (attempt - 1)
}

// IsTransientFunc reports whether an error is transient and worth retrying.
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy. Permanent errors
// (isTransient returns false) fail immediately. The final transient error is
// returned after MaxAttempts.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		sleep := Backoff(policy.InitialBackoff, attempt)
		if policy.MaxJitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(policy.MaxJitter)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}
