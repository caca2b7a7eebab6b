package resilience

import (
	"context"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy is a capped exponential backoff scoped to one call.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxRetries   int
	Retryable    func(error) bool
	Sleep        SleepFunc
	OnRetry      func(attempt int, delay time.Duration, err error)
}

// QuotaPolicy retries quota errors after 2s, 4s and 8s.
func QuotaPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxRetries:   3,
		Retryable:    retryable,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.InitialDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
		delay = time.Duration(float64(delay) * mult)
	}
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
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
