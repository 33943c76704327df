package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/proc"
	"relay/pkg/runs"
)

// memLedger records appended events in memory so tests can assert on them
// without a database.
type memLedger struct {
	mu     sync.Mutex
	events []runs.Event
	unterm []runs.UntermRun
}

func (m *memLedger) Append(_ context.Context, ev runs.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memLedger) Unterminated(_ context.Context) ([]runs.UntermRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runs.UntermRun(nil), m.unterm...), nil
}

func (m *memLedger) ofType(t runs.EventType) []runs.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runs.Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *memLedger, *proc.Fake, *testClock) {
	t.Helper()
	ml := &memLedger{}
	procs := proc.NewFake()
	clock := &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	tr := New(ml, procs, nil, DefaultConfig())
	tr.now = clock.Now
	return tr, ml, procs, clock
}

func TestStartRunRegistersAndDispatches(t *testing.T) {
	tr, ml, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", "story-7"))

	state, ok := tr.GetRunState("run-1")
	require.True(t, ok)
	assert.Equal(t, runs.StatusRunning, state.Status)
	assert.Equal(t, "coder", state.AgentType)
	assert.Equal(t, "story-7", state.WorkItemID)

	dispatched := ml.ofType(runs.EventDispatched)
	require.Len(t, dispatched, 1)
	assert.Equal(t, "run-1", dispatched[0].RunID)

	// Double registration is a bug in the caller.
	assert.Error(t, tr.StartRun(ctx, "run-1", "coder", "story-7"))
}

func TestEndRunRemovesAndIsIdempotent(t *testing.T) {
	tr, ml, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	require.NoError(t, tr.EndRun(ctx, "run-1", runs.StatusCompleted, ""))

	_, ok := tr.GetRunState("run-1")
	assert.False(t, ok, "run should be removed after EndRun")

	// Second end and a late heartbeat are both no-ops.
	require.NoError(t, tr.EndRun(ctx, "run-1", runs.StatusCompleted, ""))
	tr.Heartbeat(ctx, "run-1")
	_, ok = tr.GetRunState("run-1")
	assert.False(t, ok, "heartbeat must not resurrect an ended run")

	assert.Len(t, ml.ofType(runs.EventCompleted), 1)
}

func TestEndRunRejectsNonTerminalStatus(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	assert.Error(t, tr.EndRun(ctx, "run-1", runs.StatusStale, ""))
	assert.Error(t, tr.EndRun(ctx, "run-1", runs.StatusRunning, ""))
}

func TestWatchdogFlagsSilentRun(t *testing.T) {
	tr, ml, _, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "r1", "dev", "ELLIE-1"))
	tr.SetRunPID("r1", 1234)

	clock.Advance(91 * time.Second)
	flagged := tr.WatchdogPass(ctx)
	assert.Equal(t, 1, flagged)

	state, ok := tr.GetRunState("r1")
	require.True(t, ok)
	assert.Equal(t, runs.StatusStale, state.Status)

	timeouts := ml.ofType(runs.EventTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "r1", timeouts[0].RunID)
	assert.Equal(t, string(runs.ReasonWatchdogStale), timeouts[0].Payload["reason"])

	// A second pass must not re-flag the same run.
	assert.Equal(t, 0, tr.WatchdogPass(ctx))
	assert.Len(t, ml.ofType(runs.EventTimeout), 1)
}

func TestWatchdogLeavesFreshRunsAlone(t *testing.T) {
	tr, ml, _, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-fresh", "coder", ""))
	clock.Advance(89 * time.Second)
	assert.Equal(t, 0, tr.WatchdogPass(ctx))

	state, _ := tr.GetRunState("run-fresh")
	assert.Equal(t, runs.StatusRunning, state.Status)
	assert.Empty(t, ml.ofType(runs.EventTimeout))
}

func TestHeartbeatRestoresStaleRun(t *testing.T) {
	tr, ml, _, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, tr.WatchdogPass(ctx))

	tr.Heartbeat(ctx, "run-1")
	state, ok := tr.GetRunState("run-1")
	require.True(t, ok)
	assert.Equal(t, runs.StatusRunning, state.Status)
	assert.Equal(t, clock.Now(), state.LastHeartbeat)

	restores := ml.ofType(runs.EventHeartbeat)
	require.Len(t, restores, 1)
	assert.Equal(t, true, restores[0].Payload["restored"])

	// Plain heartbeats on a running run stay out of the ledger.
	tr.Heartbeat(ctx, "run-1")
	assert.Len(t, ml.ofType(runs.EventHeartbeat), 1)
}

func TestKillRunWithoutPID(t *testing.T) {
	tr, ml, procs, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	res, err := tr.KillRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, runs.ReasonNoPID, res.Reason)
	assert.False(t, res.Signaled)

	_, ok := tr.GetRunState("run-1")
	assert.False(t, ok)

	failed := ml.ofType(runs.EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(runs.ReasonNoPID), failed[0].Payload["reason"])
	assert.Empty(t, procs.Terminated())
	assert.Empty(t, procs.Killed())
}

func TestKillRunAlreadyDeadProcess(t *testing.T) {
	tr, ml, procs, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	tr.SetRunPID("run-1", 4242)
	// PID never registered with the fake, so the probe reports it dead.

	res, err := tr.KillRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, runs.ReasonAlreadyDead, res.Reason)

	failed := ml.ofType(runs.EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(runs.ReasonAlreadyDead), failed[0].Payload["reason"])
	assert.Empty(t, procs.Terminated(), "no signal should be sent to a dead process")
}

func TestKillRunEscalatesAfterGrace(t *testing.T) {
	tr, ml, procs, _ := newTestTracker(t)
	ctx := context.Background()

	var scheduled []func()
	var graceUsed time.Duration
	tr.afterFunc = func(d time.Duration, fn func()) {
		graceUsed = d
		scheduled = append(scheduled, fn)
	}

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	tr.SetRunPID("run-1", 4242)
	procs.SetAlive(4242, true)

	res, err := tr.KillRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, runs.ReasonUserCancel, res.Reason)
	assert.True(t, res.Signaled)
	assert.Equal(t, tr.cfg.KillGrace, graceUsed)
	assert.Equal(t, []int{4242}, procs.Terminated())

	// KillRun returns before the grace period: the run is still registered
	// and nothing has been force-killed yet.
	_, ok := tr.GetRunState("run-1")
	assert.True(t, ok)
	assert.Empty(t, procs.Killed())

	// Grace elapses with the process still alive.
	require.Len(t, scheduled, 1)
	scheduled[0]()

	assert.Equal(t, []int{4242}, procs.Killed())
	_, ok = tr.GetRunState("run-1")
	assert.False(t, ok)

	failed := ml.ofType(runs.EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(runs.ReasonUserCancel), failed[0].Payload["reason"])
}

func TestKillRunSkipsEscalationWhenProcessExits(t *testing.T) {
	tr, _, procs, _ := newTestTracker(t)
	ctx := context.Background()

	var scheduled []func()
	tr.afterFunc = func(_ time.Duration, fn func()) {
		scheduled = append(scheduled, fn)
	}

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	tr.SetRunPID("run-1", 4242)
	procs.SetAlive(4242, true)

	_, err := tr.KillRun(ctx, "run-1")
	require.NoError(t, err)

	// Process honors the terminate before the grace period ends.
	procs.SetAlive(4242, false)
	require.Len(t, scheduled, 1)
	scheduled[0]()

	assert.Empty(t, procs.Killed(), "no escalation when the process exited on its own")
	_, ok := tr.GetRunState("run-1")
	assert.False(t, ok)
}

func TestKillRunUnknownRun(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	_, err := tr.KillRun(context.Background(), "run-nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecoverFromRestart(t *testing.T) {
	tr, ml, _, _ := newTestTracker(t)
	ctx := context.Background()

	ml.unterm = []runs.UntermRun{
		{RunID: "run-old-1", AgentType: "coder", WorkItemID: "story-1", DispatchedAt: time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC)},
		{RunID: "run-old-2", AgentType: "reviewer", DispatchedAt: time.Date(2025, 5, 31, 23, 30, 0, 0, time.UTC)},
	}

	recovered, err := tr.RecoverFromRestart(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	failed := ml.ofType(runs.EventFailed)
	require.Len(t, failed, 2)
	for _, ev := range failed {
		assert.Equal(t, string(runs.ReasonRelayRestart), ev.Payload["reason"])
	}
	assert.Equal(t, "run-old-1", failed[0].RunID)
	assert.Equal(t, "run-old-2", failed[1].RunID)
}

func TestGetActiveRunStatesOrdering(t *testing.T) {
	tr, _, _, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-a", "coder", ""))
	clock.Advance(time.Second)
	require.NoError(t, tr.StartRun(ctx, "run-b", "coder", ""))
	clock.Advance(time.Second)
	require.NoError(t, tr.StartRun(ctx, "run-c", "reviewer", ""))

	states := tr.GetActiveRunStates()
	require.Len(t, states, 3)
	assert.Equal(t, "run-a", states[0].RunID)
	assert.Equal(t, "run-b", states[1].RunID)
	assert.Equal(t, "run-c", states[2].RunID)
	assert.Equal(t, 3, tr.ActiveCount())

	// Returned states are copies; mutating them must not touch the registry.
	states[0].Status = runs.StatusFailed
	fresh, _ := tr.GetRunState("run-a")
	assert.Equal(t, runs.StatusRunning, fresh.Status)
}

func TestSetRunChannel(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartRun(ctx, "run-1", "coder", ""))
	tr.SetRunChannel("run-1", "telegram", "msg-99")

	state, ok := tr.GetRunState("run-1")
	require.True(t, ok)
	assert.Equal(t, "telegram", state.Channel)
	assert.Equal(t, "msg-99", state.MessageID)
}
