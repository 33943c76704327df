// Package limiter bounds concurrent calls and token throughput per model.
//
// The queue serializes work per channel, but fan-out steps and multiple
// channels can still hit the same provider at once. The limiter keeps that
// pressure inside each model's connection and tokens-per-minute allowance.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay/pkg/config"
)

// ErrRateLimit is returned when a token reservation cannot be satisfied
// before the caller's context expires.
var ErrRateLimit = fmt.Errorf("rate limit exceeded")

// Limiter hands out per-model connection slots and token allowances. Models
// are registered lazily from config capacity, so bindings to models the cost
// table does not know still get the permissive default.
type Limiter struct {
	cfg *config.Config
	now func() time.Time

	mu     sync.Mutex
	models map[string]*modelLimiter
}

type modelLimiter struct {
	slots chan struct{} // connection semaphore

	mu         sync.Mutex
	ratePerMin int     // tokens refilled per minute; 0 disables the bucket
	tokens     float64 // current bucket level
	lastRefill time.Time
}

// New builds a limiter over the config's model capacities.
func New(cfg *config.Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		now:    time.Now,
		models: make(map[string]*modelLimiter),
	}
}

// Acquire blocks until a connection slot for model is free and estTokens fit
// its per-minute allowance, or ctx is done. The returned release must be
// called when the call finishes; calling it more than once is harmless.
func (l *Limiter) Acquire(ctx context.Context, model string, estTokens int) (func(), error) {
	ml := l.model(model)

	select {
	case ml.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := ml.waitTokens(ctx, estTokens, l.now); err != nil {
		<-ml.slots
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { <-ml.slots }) }, nil
}

// InFlight reports how many calls currently hold a slot for model.
func (l *Limiter) InFlight(model string) int {
	return len(l.model(model).slots)
}

func (l *Limiter) model(name string) *modelLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ml, ok := l.models[name]; ok {
		return ml
	}
	conns, tpm := l.cfg.ModelCapacity(name)
	if conns <= 0 {
		conns = 1
	}
	ml := &modelLimiter{
		slots:      make(chan struct{}, conns),
		ratePerMin: tpm,
		tokens:     float64(tpm), // start with a full bucket
		lastRefill: l.now(),
	}
	l.models[name] = ml
	return ml
}

// waitTokens reserves est tokens from the bucket, sleeping until enough have
// refilled. Buckets refill continuously at ratePerMin and never hold more
// than one minute's allowance.
func (ml *modelLimiter) waitTokens(ctx context.Context, est int, now func() time.Time) error {
	if ml.ratePerMin <= 0 || est <= 0 {
		return nil
	}
	// An oversized request may take the whole allowance, never more.
	if est > ml.ratePerMin {
		est = ml.ratePerMin
	}
	for {
		ml.mu.Lock()
		ml.refill(now())
		if ml.tokens >= float64(est) {
			ml.tokens -= float64(est)
			ml.mu.Unlock()
			return nil
		}
		deficit := float64(est) - ml.tokens
		ml.mu.Unlock()

		wait := time.Duration(deficit / float64(ml.ratePerMin) * float64(time.Minute))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrRateLimit, ctx.Err())
		}
	}
}

func (ml *modelLimiter) refill(now time.Time) {
	elapsed := now.Sub(ml.lastRefill)
	if elapsed <= 0 {
		return
	}
	ml.tokens += elapsed.Minutes() * float64(ml.ratePerMin)
	if full := float64(ml.ratePerMin); ml.tokens > full {
		ml.tokens = full
	}
	ml.lastRefill = now
}
