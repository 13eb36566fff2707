// Package retry runs storage operations again after transient failures,
// with capped exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy configures Do.
type Policy struct {
	MaxRetries     int // -1 retries until ctx is done
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64 // fraction of the backoff added at random
}

// DefaultPolicy is used for flush, merge and commit IO.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     8,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.2,
	}
}

// Do calls fn until it succeeds, returns an error rejected by retryable,
// exhausts the policy or ctx is done. onRetry, if set, observes each failed
// attempt that will be retried.
func Do(ctx context.Context, p Policy, retryable func(error) bool, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if p.MaxRetries >= 0 && attempt >= p.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		wait := backoff
		if p.Jitter > 0 {
			wait += time.Duration(rand.Float64() * p.Jitter * float64(backoff))
		}
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * factor)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
