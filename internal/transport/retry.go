package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds transport retries for transient failures.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first.
	Attempts int

	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 500ms base delay, 4s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  4 * time.Second,
	}
}

// cappedBackOff clamps each jittered wait to max. ExponentialBackOff caps
// the interval before jitter, so a wait could otherwise exceed MaxDelay.
type cappedBackOff struct {
	*backoff.ExponentialBackOff
	max time.Duration
}

// NextBackOff implements backoff.BackOff.
func (c *cappedBackOff) NextBackOff() time.Duration {
	d := c.ExponentialBackOff.NextBackOff()
	if d != backoff.Stop && c.max > 0 && d > c.max {
		return c.max
	}
	return d
}

// exponential builds the delay schedule without an attempt bound.
func (p RetryPolicy) exponential() *cappedBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &cappedBackOff{ExponentialBackOff: eb, max: p.MaxDelay}
}

// backOff returns a schedule bounded by Attempts and ctx.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = p.exponential()
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	b = backoff.WithMaxRetries(b, uint64(retries))
	return backoff.WithContext(b, ctx)
}

// reconnect returns an unbounded schedule for realtime reconnects.
func (p RetryPolicy) reconnect() *cappedBackOff {
	return p.exponential()
}
