package reliability

import (
	"context"
	"errors"
	"time"
)

// Retryable is implemented by errors that know whether another attempt can help.
type Retryable interface {
	Retryable() bool
}

// Policy bounds a retry loop.
type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	Base    time.Duration
	Cap     time.Duration
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. attempt starts at 0. Only errors implementing Retryable and
// reporting true are retried.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if werr := Sleep(ctx, ExponentialBackoff(attempt-1, p.Base, p.Cap)); werr != nil {
				return err
			}
		}
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var r Retryable
		if !errors.As(err, &r) || !r.Retryable() {
			return err
		}
	}
	return err
}

// ExponentialBackoff doubles base per attempt, capped at limit. attempt 0
// waits base.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
