package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(calls *int) Op {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "ticket-api", FailureThreshold: 3, ResetTimeout: 30 * time.Second})

	var calls int
	for i := 0; i < 3; i++ {
		err := b.Do(context.Background(), failingOp(&calls), nil)
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, calls)

	// The next call short-circuits to the fallback without invoking the op.
	var fallbackRan bool
	err := b.Do(context.Background(), failingOp(&calls), func(context.Context) error {
		fallbackRan = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, fallbackRan)
	assert.Equal(t, 3, calls, "open breaker must not invoke the wrapped call")
}

func TestBreakerOpenWithoutFallback(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "notify", FailureThreshold: 1, ResetTimeout: time.Minute})

	var calls int
	require.Error(t, b.Do(context.Background(), failingOp(&calls), nil))

	err := b.Do(context.Background(), failingOp(&calls), nil)
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 1, calls)
}

func TestBreakerHalfOpenTransitions(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "executor", FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	var calls int
	require.Error(t, b.Do(context.Background(), failingOp(&calls), nil))
	assert.Equal(t, StateOpen, b.State())

	// Before the reset timeout the breaker stays open.
	clock = clock.Add(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	// After the reset timeout one trial is admitted; failure re-opens immediately.
	clock = clock.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.Error(t, b.Do(context.Background(), failingOp(&calls), nil))
	assert.Equal(t, StateOpen, b.State())

	// Next trial succeeds: breaker closes and the failure count zeroes.
	clock = clock.Add(31 * time.Second)
	err := b.Do(context.Background(), func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "slow", FailureThreshold: 1, ResetTimeout: time.Minute, CallTimeout: 20 * time.Millisecond})

	err := b.Do(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)

	require.Error(t, err)
	assert.True(t, Retryable(err), "call timeout should classify as transient")
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "dep", FailureThreshold: 1, ResetTimeout: time.Minute})

	transitions := make(chan string, 4)
	b.OnStateChange(func(name string, from, to State) {
		transitions <- fmt.Sprintf("%s:%s->%s", name, from, to)
	})

	_ = b.Do(context.Background(), func(context.Context) error { return errBoom }, nil)

	select {
	case tr := <-transitions:
		assert.Equal(t, "dep:closed->open", tr)
	case <-time.After(time.Second):
		t.Fatal("expected a state-change notification")
	}
}

func TestRegistryReusesBreakers(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Get("chat-delivery")
	b := r.Get("chat-delivery")
	assert.Same(t, a, b)

	states := r.States()
	assert.Equal(t, StateClosed, states["chat-delivery"])
}

func TestRetryEventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls <= 2 {
			return syscall.ECONNRESET
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, failingOp(&calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls, "one initial attempt plus two retries")
}

func TestRetryPredicateShortCircuits(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		RetryOn:    func(error) bool { return false },
	}

	calls := 0
	err := Retry(context.Background(), cfg, failingOp(&calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestRetryDelaysDoubleUpToCap(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	var delays []time.Duration
	calls := 0
	err := RetryNotify(context.Background(), cfg, failingOp(&calls), func(_ int, _ error, next time.Duration) {
		delays = append(delays, next)
	})

	require.ErrorIs(t, err, errBoom)
	want := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}
	assert.Equal(t, want, delays)
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, DefaultRetryConfig(), failingOp(&calls))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"timed out", syscall.ETIMEDOUT, true},
		{"permission denied", syscall.EACCES, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"permanent wrapper", Permanent(errBoom), false},
		{"rate limit", NewErrorWithStatus(TypeRateLimit, 429, "slow down"), true},
		{"server error", NewErrorWithStatus(TypeUnknown, 503, "unavailable"), true},
		{"bad request", NewErrorWithStatus(TypeBadRequest, 400, "malformed"), false},
		{"auth", NewError(TypeAuth, "bad key"), false},
		{"unclassified defaults retryable", errBoom, true},
		{"wrapped transient", fmt.Errorf("call failed: %w", NewError(TypeTransient, "blip")), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeRateLimit, TypeOf(NewErrorWithStatus(TypeRateLimit, 429, "x")))
	assert.Equal(t, TypeTransient, TypeOf(context.DeadlineExceeded))
	assert.Equal(t, TypeTransient, TypeOf(syscall.ECONNREFUSED))
	assert.Equal(t, TypeUnknown, TypeOf(errBoom))
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 4 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(base, max, 0))
	assert.Equal(t, time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 3))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 10))
}
