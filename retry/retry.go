// Package retry runs an operation under a bounded, linearly increasing backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetries = 3
	DefaultDelay   = 5 * time.Second
)

// Policy bounds a retry loop by attempt count. Retries is the number of
// additional attempts after the first one; the wait before retry n is Delay*n.
type Policy struct {
	Retries int
	Delay   time.Duration
}

// DefaultPolicy waits 5s, 10s and 15s between four attempts.
func DefaultPolicy() Policy {
	return Policy{Retries: DefaultRetries, Delay: DefaultDelay}
}

// Notify is called before every wait with the error that triggered it.
type Notify func(err error, attempt int, delay time.Duration)

// Do runs op until it succeeds, returns an error rejected by retryable, or the
// policy is exhausted. The last error is returned. A nil retryable retries everything.
// Waiting aborts with ctx.Err() when ctx is done.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error, notify Notify) error {
	if p.Retries < 0 {
		p.Retries = 0
	}

	lb := &linear{step: p.Delay}
	b := backoff.WithContext(backoff.WithMaxRetries(lb, uint64(p.Retries)), ctx)

	attempt := 0
	wrapped := func() error {
		attempt++

		err := op()
		if err == nil {
			return nil
		}

		var stop *backoff.PermanentError
		if errors.As(err, &stop) {
			return err
		}

		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, d time.Duration) { notify(err, attempt, d) }
	}

	return backoff.RetryNotify(wrapped, b, onRetry)
}

// Stop marks err as final for Do: it is returned unwrapped without consulting
// retryable. Use it for failures that already spent their own retry budget.
func Stop(err error) error { return backoff.Permanent(err) }

// linear implements backoff.BackOff with step*n delays.
type linear struct {
	step time.Duration
	n    int
}

func (l *linear) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linear) Reset() { l.n = 0 }
