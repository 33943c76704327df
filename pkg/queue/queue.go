// Package queue serializes task execution per channel key.
//
// Each Queue is a single lane: at most one task executes at a time and order
// is strict FIFO. Deployments run one Queue per channel so a long voice
// transcription cannot delay a Telegram reply. The one deliberate wrinkle is
// the guard timeout: a task that overruns it does not block the lane — the
// queue resolves its ticket with ErrGuardTimeout and advances while the task
// finishes in the background. Fencing (a per-item generation plus an
// abandoned flag) keeps such late finishers from mutating queue state, and
// Abandoned lets the task itself suppress late side effects.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relay/pkg/config"
	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/notify"
)

// Task is one unit of queued work. The context is cancelled on relay
// shutdown, not on guard timeout; long tasks should consult Abandoned before
// late side effects.
type Task func(ctx context.Context) (any, error)

var (
	// ErrQueueFull is returned by Enqueue when the pending list is at its cap.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned by Enqueue after Stop.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrGuardTimeout resolves the ticket of a task that overran the guard.
	ErrGuardTimeout = errors.New("task exceeded queue guard timeout")
)

// Queue is a single-lane FIFO executor.
type Queue struct {
	name       string
	guard      time.Duration
	maxPending int
	notifier   notify.Notifier
	rec        metrics.Recorder
	logger     *logx.Logger
	now        func() time.Time

	mu      sync.Mutex
	closed  bool
	started bool
	items   []*item
	current *item
	nextGen uint64

	wake     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type item struct {
	key        string
	preview    string
	task       Task
	generation uint64
	enqueuedAt time.Time
	startedAt  time.Time
	ticket     *Ticket
	abandoned  atomic.Bool
}

type taskResult struct {
	out any
	err error
}

// New builds a queue named name (the channel key family). A nil notifier
// logs events; a nil recorder discards metrics.
func New(name string, cfg config.QueueConfig, notifier notify.Notifier, rec metrics.Recorder) *Queue {
	if notifier == nil {
		notifier = notify.NewLogNotifier()
	}
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Queue{
		name:       name,
		guard:      cfg.GetGuardTimeout(),
		maxPending: cfg.GetMaxPending(),
		notifier:   notifier,
		rec:        rec,
		logger:     logx.NewLogger("queue:" + name),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. Items enqueued before Start are
// served once it runs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return fmt.Errorf("queue %s already started", q.name)
	}
	q.started = true
	q.wg.Add(1)
	go q.worker(ctx)
	return nil
}

// Stop rejects new work, waits for the worker to drain, and resolves any
// still-pending tickets with ErrQueueClosed. The ctx bounds the wait.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	close(q.shutdown)
	if !started {
		q.drainPending()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.logger.Warn("stop timed out waiting for worker")
		return ctx.Err()
	}
}

// Enqueue appends a task to the lane and returns its ticket immediately.
// key identifies the work item for status display; preview is a short
// human-readable summary.
func (q *Queue) Enqueue(ctx context.Context, key, preview string, task Task) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if len(q.items) >= q.maxPending {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pending", ErrQueueFull, q.maxPending)
	}
	q.nextGen++
	it := &item{
		key:        key,
		preview:    preview,
		task:       task,
		generation: q.nextGen,
		enqueuedAt: q.now(),
	}
	it.ticket = &Ticket{
		Key:        key,
		Preview:    preview,
		Generation: it.generation,
		done:       make(chan struct{}),
	}
	q.items = append(q.items, it)
	it.ticket.Position = len(q.items)
	depth := len(q.items)
	q.mu.Unlock()

	q.rec.SetQueueDepth(q.name, depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.broadcast(ctx, notify.EventQueued, it, fmt.Sprintf("queued #%d: %s", it.ticket.Position, preview))
	return it.ticket, nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		it, ok := q.next(ctx)
		if !ok {
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			q.drainPending()
			return
		}
		q.execute(ctx, it)
	}
}

// next blocks until an item is available or the queue shuts down.
func (q *Queue) next(ctx context.Context) (*item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			it.startedAt = q.now()
			q.current = it
			depth := len(q.items)
			q.mu.Unlock()
			q.rec.SetQueueDepth(q.name, depth)
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.shutdown:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) execute(ctx context.Context, it *item) {
	q.rec.ObserveQueueWait(q.name, it.startedAt.Sub(it.enqueuedAt))
	q.broadcast(ctx, notify.EventStarted, it, "working on: "+it.preview)

	resCh := make(chan taskResult, 1)
	taskCtx := context.WithValue(ctx, itemCtxKey{}, it)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- taskResult{err: fmt.Errorf("task panic: %v", r)}
			}
		}()
		out, err := it.task(taskCtx)
		resCh <- taskResult{out: out, err: err}
	}()

	guard := time.NewTimer(q.guard)
	defer guard.Stop()

	select {
	case res := <-resCh:
		q.settle(ctx, it, res)
	case <-guard.C:
		q.abandon(ctx, it)
		go q.reapLate(it, resCh)
	}
}

func (q *Queue) settle(ctx context.Context, it *item, res taskResult) {
	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()

	elapsed := q.now().Sub(it.startedAt).Round(time.Millisecond)
	if res.err != nil {
		// Task errors never crash the lane; they resolve the ticket and
		// get broadcast so the user hears something.
		q.logger.Warn("task %s gen=%d failed after %s: %v", it.key, it.generation, elapsed, res.err)
		it.ticket.resolveWith(nil, res.err)
		q.broadcast(ctx, notify.EventFailed, it, fmt.Sprintf("failed: %s", it.preview))
		return
	}
	q.logger.Info("task %s gen=%d done in %s", it.key, it.generation, elapsed)
	it.ticket.resolveWith(res.out, nil)
	q.broadcast(ctx, notify.EventFinished, it, "done: "+it.preview)
}

// abandon marks the current item as fenced off and advances the lane. The
// underlying task keeps running; reapLate will swallow its result.
func (q *Queue) abandon(ctx context.Context, it *item) {
	q.mu.Lock()
	it.abandoned.Store(true)
	q.current = nil
	q.mu.Unlock()

	q.logger.Warn("task %s gen=%d exceeded guard %s; advancing, task continues in background",
		it.key, it.generation, q.guard)
	q.rec.IncQueueTimeout(q.name)
	it.ticket.resolveWith(nil, ErrGuardTimeout)
	q.broadcast(ctx, notify.EventTimeout, it, "still working on: "+it.preview)
}

// reapLate consumes the eventual result of an abandoned task so the
// completion goroutine can exit, and discards it.
func (q *Queue) reapLate(it *item, resCh <-chan taskResult) {
	res := <-resCh
	if res.err != nil {
		q.logger.Info("discarding late failure from abandoned task %s gen=%d: %v", it.key, it.generation, res.err)
		return
	}
	q.logger.Info("discarding late result from abandoned task %s gen=%d", it.key, it.generation)
}

func (q *Queue) drainPending() {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	q.logger.Info("resolving %d pending items on shutdown", len(pending))
	for _, it := range pending {
		it.ticket.resolveWith(nil, ErrQueueClosed)
	}
	q.rec.SetQueueDepth(q.name, 0)
}

func (q *Queue) broadcast(ctx context.Context, event string, it *item, text string) {
	q.notifier.Notify(ctx, notify.Event{
		Time:       q.now(),
		Event:      event,
		Queue:      q.name,
		WorkItemID: it.key,
		Messages:   map[string]string{"default": text},
	})
}

type itemCtxKey struct{}

// Abandoned reports whether the task that owns ctx was fenced off by its
// queue's guard timeout. Tasks should check it before late side effects
// (ledger writes, notifications) that would race the queue's bookkeeping.
func Abandoned(ctx context.Context) bool {
	it, _ := ctx.Value(itemCtxKey{}).(*item)
	return it != nil && it.abandoned.Load()
}
