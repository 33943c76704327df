package resilience

import (
	"context"
	"time"
)

// RetryConfig configures bounded exponential backoff. Delays double from
// BaseDelay and are capped at MaxDelay; there is no jitter, so the schedule
// is deterministic: base, 2*base, 4*base, ... up to the cap.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // backoff cap
	RetryOn    func(error) bool
}

// DefaultRetryConfig returns the relay's defaults for external dependencies.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryCallback observes each retry decision before the backoff sleep.
type RetryCallback func(attempt int, err error, nextDelay time.Duration)

// Retry runs op until it succeeds, the retry budget is exhausted, or the
// error is classified non-retryable. The RetryOn predicate short-circuits all
// further attempts when it reports false; it defaults to Retryable.
func Retry(ctx context.Context, cfg RetryConfig, op Op) error {
	return RetryNotify(ctx, cfg, op, nil)
}

// RetryNotify is Retry with a callback invoked before each backoff sleep, used
// for heartbeats and logging.
func RetryNotify(ctx context.Context, cfg RetryConfig, op Op, notify RetryCallback) error {
	retryOn := cfg.RetryOn
	if retryOn == nil {
		retryOn = Retryable
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryOn(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns base doubled attempt times, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
