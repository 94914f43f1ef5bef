// Package retry provides the jittered-exponential-backoff policy the
// upstream client uses for its request retries.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures a bounded exponential backoff with jitter.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultPolicy returns the baseline policy; the upstream client replaces
// its MaxAttempts with the client's MaxRetries.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     5,
	}
}

func (p Policy) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// Do runs fn, retrying on error according to p until MaxAttempts is reached
// or ctx is cancelled. A nil error from fn stops retrying immediately.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(p.backoffPolicy()), backoff.WithMaxTries(uint(p.MaxAttempts)))
	return err
}
