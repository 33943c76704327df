package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrBreakerOpen is returned when the breaker is open and no fallback was supplied.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures one breaker instance.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before a half-open trial
	CallTimeout      time.Duration // per-call budget; exceeding it counts as a failure
}

// DefaultBreakerConfig returns the relay's defaults for external dependencies.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      2 * time.Minute,
	}
}

// Op is a call guarded by a breaker. The fallback passed to Do has the same shape.
type Op func(ctx context.Context) error

// Breaker is a three-state circuit breaker. Closed passes calls through; open
// short-circuits to the fallback without invoking the call; half-open admits a
// single trial after the reset timeout.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// OnStateChange registers a callback invoked on every state transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// State returns the current breaker state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Do runs op through the breaker. While open, op is never invoked: the fallback
// runs instead, or ErrBreakerOpen is returned when no fallback was supplied.
func (b *Breaker) Do(ctx context.Context, op, fallback Op) error {
	if !b.allow() {
		if fallback != nil {
			return fallback(ctx)
		}
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrBreakerOpen)
	}

	err := b.call(ctx, op)
	b.record(err == nil)
	return err
}

// call applies the per-call timeout. The op's result is discarded once the
// budget is exceeded, so a call that would eventually succeed still counts as
// a failure, exactly as configured.
func (b *Breaker) call(ctx context.Context, op Op) error {
	if b.cfg.CallTimeout <= 0 {
		return op(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return NewErrorWithCause(TypeTransient, cctx.Err(), fmt.Sprintf("%s call exceeded %s", b.cfg.Name, b.cfg.CallTimeout))
	}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.setState(StateHalfOpen)
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		// One trial call at a time while half-open.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if success {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// A failed trial re-opens immediately.
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// setState transitions the breaker; callers hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.cfg.Name, from, to)
	}
}

// Reset closes the breaker and zeroes its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedAt = time.Time{}
	b.probing = false
	b.setState(StateClosed)
}

// Registry hands out one breaker per named dependency.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults func(name string) BreakerConfig
	onChange func(name string, from, to State)
}

// NewRegistry creates a registry. The defaults func supplies per-name configs;
// nil means DefaultBreakerConfig.
func NewRegistry(defaults func(name string) BreakerConfig) *Registry {
	if defaults == nil {
		defaults = DefaultBreakerConfig
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// OnStateChange registers a callback applied to every breaker the registry creates.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.OnStateChange(fn)
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(r.defaults(name))
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[name] = b
	return b
}

// States snapshots every breaker's state, for the status surface.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
