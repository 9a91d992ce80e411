// Package retry runs provider operations under bounded exponential backoff
// and escalates persistent rate limiting to an optional bucket-failover
// handler. Streaming calls are re-attempted end to end: the envelope wraps
// both the initial send and the body iteration, so a restarted stream may
// re-yield a prefix the consumer has already seen.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
)

// DefaultRetries is the default number of re-attempts after the first try.
const DefaultRetries = 3

// BucketFailover rotates auth buckets when rate limiting persists.
// Synchronization of the underlying credential store is the handler's
// problem; from here it is just an async call that may change the auth
// context the next attempt resolves.
type BucketFailover interface {
	IsEnabled() bool
	TryFailover(ctx context.Context) bool
	CurrentBucket() string
}

// Options configures a retry envelope.
type Options struct {
	// Retries caps re-attempts per failover epoch. 0 means DefaultRetries.
	Retries int
	// ShouldRetry decides retryability. Nil means llmerr.IsRetryable.
	ShouldRetry func(error) bool
	// Failover, when non-nil and enabled, is consulted after the inner
	// retry budget is exhausted on a rate limit.
	Failover BucketFailover
	// OnFailover runs after a successful bucket rotation, before the next
	// attempt, so the caller can re-resolve the auth context the rotation
	// changed.
	OnFailover func()
	// InitialInterval and MaxInterval tune the backoff. Zero values pick
	// the defaults (250ms initial, 16s cap).
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o Options) retries() int {
	if o.Retries > 0 {
		return o.Retries
	}
	return DefaultRetries
}

func (o Options) shouldRetry(err error) bool {
	if o.ShouldRetry != nil {
		return o.ShouldRetry(err)
	}
	return llmerr.IsRetryable(err)
}

func (o Options) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 16 * time.Second
	b.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock
	if o.InitialInterval > 0 {
		b.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		b.MaxInterval = o.MaxInterval
	}
	b.Reset()
	return b
}

// Do runs fn under the retry envelope and returns its result.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for {
		// Inner loop: bounded retry with backoff.
		b := opts.newBackoff()
		attempts := opts.retries() + 1
		for attempt := 1; attempt <= attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return zero, llmerr.Wrap(llmerr.KindCancelled, "", "", err)
			}

			v, err := fn(ctx)
			if err == nil {
				return v, nil
			}
			lastErr = err

			if !opts.shouldRetry(err) {
				return zero, err
			}
			if attempt == attempts {
				break
			}
			if err := sleep(ctx, waitFor(b, err)); err != nil {
				return zero, llmerr.Wrap(llmerr.KindCancelled, "", "", err)
			}
			L_debug("retry: re-attempting", "attempt", attempt+1, "of", attempts, "cause", err)
		}

		// Outer layer: persistent 429s may rotate the auth bucket. On a
		// successful rotation the same call re-enters with a fresh budget.
		if llmerr.KindOf(lastErr) == llmerr.KindRateLimited &&
			opts.Failover != nil && opts.Failover.IsEnabled() {
			if opts.Failover.TryFailover(ctx) {
				L_info("retry: rotated auth bucket after persistent rate limit",
					"bucket", opts.Failover.CurrentBucket())
				if opts.OnFailover != nil {
					opts.OnFailover()
				}
				continue
			}
			L_warn("retry: bucket failover exhausted, surfacing rate limit")
		}
		return zero, lastErr
	}
}

// Stream runs a streaming attempt function under the same envelope.
// The attempt receives its 1-based attempt number so adapters can expose it
// to consumers; a re-attempt restarts the request from scratch and may
// duplicate previously yielded output. Exactly-once is not attempted.
func Stream(ctx context.Context, opts Options, attempt func(ctx context.Context, attemptNum int) error) error {
	attemptNum := 0
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		attemptNum++
		return struct{}{}, attempt(ctx, attemptNum)
	})
	return err
}

// waitFor picks the next backoff interval, preferring an explicit
// retry-after hint from the error when present.
func waitFor(b *backoff.ExponentialBackOff, err error) time.Duration {
	if ra := llmerr.RetryAfterOf(err); ra > 0 {
		return ra
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
