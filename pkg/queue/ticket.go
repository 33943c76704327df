package queue

import (
	"context"
	"sync"
)

// Ticket is the caller's handle on one enqueued task. It resolves exactly
// once: with the task's result, with its error, with ErrGuardTimeout when
// the guard fires first, or with ErrQueueClosed on shutdown.
type Ticket struct {
	// Key and Preview echo the Enqueue arguments.
	Key     string
	Preview string
	// Position is the item's place in line at enqueue time (1 = next).
	Position int
	// Generation is the item's fencing counter, unique per queue.
	Generation uint64

	resolve sync.Once
	done    chan struct{}
	value   any
	err     error
}

// Wait blocks until the ticket resolves or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the ticket has resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

func (t *Ticket) resolveWith(value any, err error) {
	t.resolve.Do(func() {
		t.value = value
		t.err = err
		close(t.done)
	})
}
