package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Models: map[string]config.ModelOverride{
			"test-model": {MaxConnections: 2, MaxTPM: 1000},
		},
	}
}

func TestAcquireBoundsConnections(t *testing.T) {
	l := New(testConfig())
	ctx := context.Background()

	rel1, err := l.Acquire(ctx, "test-model", 0)
	require.NoError(t, err)
	rel2, err := l.Acquire(ctx, "test-model", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight("test-model"))

	// Third slot only opens up after a release.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(short, "test-model", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rel1()
	rel1() // double release is harmless
	rel3, err := l.Acquire(ctx, "test-model", 0)
	require.NoError(t, err)

	rel2()
	rel3()
	assert.Equal(t, 0, l.InFlight("test-model"))
}

func TestAcquireWaitsForTokens(t *testing.T) {
	l := New(testConfig())
	ctx := context.Background()

	// The bucket starts full, so the first reservation is immediate.
	rel, err := l.Acquire(ctx, "test-model", 1000)
	require.NoError(t, err)
	rel()

	// The second full-bucket reservation needs a minute of refill; give it
	// far less and expect a rate-limit error.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = l.Acquire(short, "test-model", 1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimit), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The failed reservation must not leak its connection slot.
	assert.Equal(t, 0, l.InFlight("test-model"))
}

func TestUnknownModelGetsDefaultCapacity(t *testing.T) {
	l := New(&config.Config{})
	ctx := context.Background()

	// No TPM bucket and a permissive connection cap.
	for i := 0; i < 4; i++ {
		rel, err := l.Acquire(ctx, "mystery-9000", 1_000_000)
		require.NoError(t, err)
		defer rel()
	}
	assert.Equal(t, 4, l.InFlight("mystery-9000"))
}

func TestRefillIsContinuousAndCapped(t *testing.T) {
	ml := &modelLimiter{ratePerMin: 600, tokens: 0, lastRefill: time.Unix(0, 0)}

	ml.refill(time.Unix(30, 0)) // half a minute
	assert.InDelta(t, 300, ml.tokens, 1e-6)

	ml.refill(time.Unix(600, 0)) // long idle stretch caps at one minute's worth
	assert.InDelta(t, 600, ml.tokens, 1e-6)

	before := ml.tokens
	ml.refill(time.Unix(599, 0)) // clock going backwards is ignored
	assert.Equal(t, before, ml.tokens)
}
