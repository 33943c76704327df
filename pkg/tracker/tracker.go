// Package tracker maintains the in-memory registry of active agent runs.
// It is the fast-path answer to "what is running right now": every dispatch
// registers here, heartbeats keep entries fresh, a watchdog flags runs that
// stop reporting, and terminal transitions are mirrored to the ledger.
//
// The registry is deliberately not durable. After a restart the tracker is
// empty and RecoverFromRestart closes out whatever the ledger still thinks
// is in flight.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/proc"
	"relay/pkg/runs"
)

// Ledger is the slice of the event store the tracker needs.
type Ledger interface {
	Append(ctx context.Context, ev runs.Event) error
	Unterminated(ctx context.Context) ([]runs.UntermRun, error)
}

// ErrRunNotFound is returned by KillRun when the run is not in the registry.
var ErrRunNotFound = errors.New("run not found")

// Config holds the tracker's timing knobs.
type Config struct {
	// WatchdogTick is how often the watchdog scans for stale runs.
	WatchdogTick time.Duration
	// StaleThreshold is how long a run may go without a heartbeat before
	// the watchdog flags it stale.
	StaleThreshold time.Duration
	// KillGrace is how long KillRun waits after a graceful terminate before
	// escalating to a forceful kill.
	KillGrace time.Duration
}

// DefaultConfig returns the production timing defaults.
func DefaultConfig() Config {
	return Config{
		WatchdogTick:   60 * time.Second,
		StaleThreshold: 90 * time.Second,
		KillGrace:      5 * time.Second,
	}
}

// KillResult reports what a KillRun call did.
type KillResult struct {
	// Reason is the termination reason recorded on the run.
	Reason runs.Reason
	// Signaled is true when a graceful terminate was sent and the
	// escalation recheck has been scheduled.
	Signaled bool
}

type trackedRun struct {
	state runs.RunState
	// ending guards against concurrent EndRun calls double-emitting the
	// terminal event.
	ending bool
}

// Tracker is the in-memory run registry. Construct with New; the zero value
// is not usable.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*trackedRun

	ledger Ledger
	procs  proc.Manager
	rec    metrics.Recorder
	logger *logx.Logger
	cfg    Config

	// Test seams. Production uses the real clock and timer.
	now       func() time.Time
	afterFunc func(d time.Duration, fn func())
}

// New creates a tracker writing transitions to ledger and probing processes
// through procs.
func New(ledger Ledger, procs proc.Manager, rec metrics.Recorder, cfg Config) *Tracker {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Tracker{
		active: make(map[string]*trackedRun),
		ledger: ledger,
		procs:  procs,
		rec:    rec,
		logger: logx.NewLogger("tracker"),
		cfg:    cfg,
		now:    time.Now,
		afterFunc: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// StartRun registers a new run and appends its dispatched event. The ledger
// write happens first so a run can never be visible in memory without a
// durable dispatch record.
func (t *Tracker) StartRun(ctx context.Context, runID, agentType, workItemID string) error {
	t.mu.Lock()
	if _, exists := t.active[runID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("run %s is already active", runID)
	}
	t.mu.Unlock()

	ev := runs.Event{
		RunID:      runID,
		Type:       runs.EventDispatched,
		AgentType:  agentType,
		WorkItemID: workItemID,
	}
	if err := t.ledger.Append(ctx, ev); err != nil {
		return fmt.Errorf("record dispatch for %s: %w", runID, err)
	}

	now := t.now()
	t.mu.Lock()
	t.active[runID] = &trackedRun{state: runs.RunState{
		RunID:         runID,
		AgentType:     agentType,
		WorkItemID:    workItemID,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        runs.StatusRunning,
	}}
	count := len(t.active)
	t.mu.Unlock()

	t.rec.SetActiveRuns(count)
	t.logger.Info("run %s started (agent=%s work_item=%s)", runID, agentType, workItemID)
	return nil
}

// Heartbeat refreshes a run's liveness timestamp. A heartbeat on an unknown
// run is a no-op: the run may have ended moments earlier and must not be
// resurrected. If the watchdog had flagged the run stale, the heartbeat
// restores it to running and the restore is recorded in the ledger.
func (t *Tracker) Heartbeat(ctx context.Context, runID string) {
	t.mu.Lock()
	entry, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry.state.LastHeartbeat = t.now()
	restored := entry.state.Status == runs.StatusStale
	if restored {
		entry.state.Status = runs.StatusRunning
	}
	agentType := entry.state.AgentType
	t.mu.Unlock()

	if restored {
		t.logger.Info("run %s heartbeat after stale flag, restoring to running", runID)
		ev := runs.Event{
			RunID:     runID,
			Type:      runs.EventHeartbeat,
			AgentType: agentType,
			Payload:   map[string]any{"restored": true},
		}
		if err := t.ledger.Append(ctx, ev); err != nil {
			t.logger.Warn("failed to record heartbeat restore for %s: %v", runID, err)
		}
	}
}

// Progress records meaningful forward motion on a run. It refreshes the
// heartbeat and appends a progress event with the given payload.
func (t *Tracker) Progress(ctx context.Context, runID string, payload map[string]any) error {
	t.mu.Lock()
	entry, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	entry.state.LastHeartbeat = t.now()
	if entry.state.Status == runs.StatusStale {
		entry.state.Status = runs.StatusRunning
	}
	agentType := entry.state.AgentType
	workItemID := entry.state.WorkItemID
	t.mu.Unlock()

	return t.ledger.Append(ctx, runs.Event{
		RunID:      runID,
		Type:       runs.EventProgress,
		AgentType:  agentType,
		WorkItemID: workItemID,
		Payload:    payload,
	})
}

// EndRun removes a run from the registry and appends its terminal event.
// Only completed and failed are valid statuses here; cancelled events come
// from channel adapters, not the tracker. EndRun on an unknown run is a
// no-op so racing finish paths stay harmless.
func (t *Tracker) EndRun(ctx context.Context, runID string, status runs.Status, reason runs.Reason) error {
	var evType runs.EventType
	switch status {
	case runs.StatusCompleted:
		evType = runs.EventCompleted
	case runs.StatusFailed:
		evType = runs.EventFailed
	default:
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	t.mu.Lock()
	entry, ok := t.active[runID]
	if !ok || entry.ending {
		t.mu.Unlock()
		return nil
	}
	entry.ending = true
	agentType := entry.state.AgentType
	workItemID := entry.state.WorkItemID
	t.mu.Unlock()

	ev := runs.Event{
		RunID:      runID,
		Type:       evType,
		AgentType:  agentType,
		WorkItemID: workItemID,
	}
	if reason != "" {
		ev.Payload = map[string]any{"reason": string(reason)}
	}
	if err := t.ledger.Append(ctx, ev); err != nil {
		// Leave the run registered (but no longer ending) so a retry can
		// still produce the terminal event.
		t.mu.Lock()
		if e, still := t.active[runID]; still {
			e.ending = false
		}
		t.mu.Unlock()
		return fmt.Errorf("record %s for %s: %w", evType, runID, err)
	}

	t.mu.Lock()
	delete(t.active, runID)
	count := len(t.active)
	t.mu.Unlock()

	t.rec.SetActiveRuns(count)
	t.logger.Info("run %s ended (%s, reason=%s)", runID, status, reason)
	return nil
}

// SetRunPID records the OS process id backing a run, when there is one.
func (t *Tracker) SetRunPID(runID string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.active[runID]; ok {
		entry.state.PID = pid
	}
}

// SetRunChannel records where results for this run should be delivered.
func (t *Tracker) SetRunChannel(runID, channel, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.active[runID]; ok {
		entry.state.Channel = channel
		entry.state.MessageID = messageID
	}
}

// GetRunState returns a copy of one run's state.
func (t *Tracker) GetRunState(runID string) (runs.RunState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.active[runID]
	if !ok {
		return runs.RunState{}, false
	}
	return entry.state, true
}

// GetActiveRunStates returns copies of all active runs, oldest first.
func (t *Tracker) GetActiveRunStates() []runs.RunState {
	t.mu.Lock()
	out := make([]runs.RunState, 0, len(t.active))
	for _, entry := range t.active {
		out = append(out, entry.state)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ActiveCount returns the number of runs in the registry.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// KillRun explicitly terminates a run. Runs without a recorded PID fail
// immediately with reason no_pid; runs whose process already exited fail
// with already_dead and no signal is sent. Otherwise the process gets a
// graceful terminate, and a recheck after the grace period escalates to a
// forceful kill if it is still alive. The recheck is scheduled, not waited
// on, so KillRun never blocks the caller.
func (t *Tracker) KillRun(ctx context.Context, runID string) (KillResult, error) {
	t.mu.Lock()
	entry, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return KillResult{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	pid := entry.state.PID
	t.mu.Unlock()

	if pid == 0 {
		t.logger.Warn("kill requested for %s but no PID is recorded", runID)
		return t.finishKill(ctx, runID, runs.ReasonNoPID, false)
	}

	if !t.procs.Alive(pid) {
		t.logger.Info("kill requested for %s but pid %d already exited", runID, pid)
		return t.finishKill(ctx, runID, runs.ReasonAlreadyDead, false)
	}

	if err := t.procs.Terminate(pid); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return t.finishKill(ctx, runID, runs.ReasonAlreadyDead, false)
		}
		return KillResult{}, fmt.Errorf("terminate pid %d for %s: %w", pid, runID, err)
	}
	t.logger.Info("sent terminate to pid %d for %s, escalation check in %s", pid, runID, t.cfg.KillGrace)

	// Escalate off the caller's goroutine. The run may finish on its own
	// during the grace period, in which case EndRun below is a no-op.
	t.afterFunc(t.cfg.KillGrace, func() {
		if t.procs.Alive(pid) {
			t.logger.Warn("pid %d for %s survived terminate, killing", pid, runID)
			if err := t.procs.Kill(pid); err != nil && !errors.Is(err, syscall.ESRCH) {
				t.logger.Error("failed to kill pid %d for %s: %v", pid, runID, err)
			}
		}
		if err := t.EndRun(context.Background(), runID, runs.StatusFailed, runs.ReasonUserCancel); err != nil {
			t.logger.Error("failed to end killed run %s: %v", runID, err)
		}
	})

	t.rec.IncRunKilled(string(runs.ReasonUserCancel))
	return KillResult{Reason: runs.ReasonUserCancel, Signaled: true}, nil
}

func (t *Tracker) finishKill(ctx context.Context, runID string, reason runs.Reason, signaled bool) (KillResult, error) {
	if err := t.EndRun(ctx, runID, runs.StatusFailed, reason); err != nil {
		return KillResult{}, err
	}
	t.rec.IncRunKilled(string(reason))
	return KillResult{Reason: reason, Signaled: signaled}, nil
}

// WatchdogPass scans for runs whose heartbeat is older than the stale
// threshold and flags them. Staleness is advisory: nothing is killed, the
// run keeps its registry entry and a later heartbeat can restore it. Each
// newly flagged run gets a timeout ledger event. Returns the number of runs
// flagged by this pass.
func (t *Tracker) WatchdogPass(ctx context.Context) int {
	now := t.now()

	type flagged struct {
		runID      string
		agentType  string
		workItemID string
		silence    time.Duration
	}
	var hits []flagged

	t.mu.Lock()
	for runID, entry := range t.active {
		if entry.state.Status != runs.StatusRunning {
			continue
		}
		silence := now.Sub(entry.state.LastHeartbeat)
		if silence > t.cfg.StaleThreshold {
			entry.state.Status = runs.StatusStale
			hits = append(hits, flagged{
				runID:      runID,
				agentType:  entry.state.AgentType,
				workItemID: entry.state.WorkItemID,
				silence:    silence,
			})
		}
	}
	t.mu.Unlock()

	for _, h := range hits {
		t.logger.Warn("run %s stale: no heartbeat for %s", h.runID, h.silence.Round(time.Second))
		t.rec.IncRunStale(h.agentType)
		ev := runs.Event{
			RunID:      h.runID,
			Type:       runs.EventTimeout,
			AgentType:  h.agentType,
			WorkItemID: h.workItemID,
			Payload: map[string]any{
				"reason":          string(runs.ReasonWatchdogStale),
				"silence_seconds": int(h.silence.Seconds()),
			},
		}
		if err := t.ledger.Append(ctx, ev); err != nil {
			t.logger.Error("failed to record timeout for %s: %v", h.runID, err)
		}
	}
	return len(hits)
}

// RecoverFromRestart closes out every run the ledger still considers in
// flight. The registry is empty at process start, so none of those runs can
// be alive; each gets a failed event with reason relay_restart. Returns how
// many runs were closed out.
func (t *Tracker) RecoverFromRestart(ctx context.Context) (int, error) {
	open, err := t.ledger.Unterminated(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unterminated runs: %w", err)
	}

	var errs []error
	recovered := 0
	for _, r := range open {
		ev := runs.Event{
			RunID:      r.RunID,
			Type:       runs.EventFailed,
			AgentType:  r.AgentType,
			WorkItemID: r.WorkItemID,
			Payload:    map[string]any{"reason": string(runs.ReasonRelayRestart)},
		}
		if err := t.ledger.Append(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("close out %s: %w", r.RunID, err))
			continue
		}
		t.logger.Info("closed out run %s from before restart (dispatched %s)", r.RunID, r.DispatchedAt.Format(time.RFC3339))
		recovered++
	}
	if recovered > 0 {
		t.logger.Info("startup recovery closed %d run(s)", recovered)
	}
	return recovered, errors.Join(errs...)
}

// Start runs the watchdog loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cfg.WatchdogTick)
		defer ticker.Stop()
		t.logger.Info("watchdog started (tick=%s threshold=%s)", t.cfg.WatchdogTick, t.cfg.StaleThreshold)
		for {
			select {
			case <-ctx.Done():
				t.logger.Info("watchdog stopped")
				return
			case <-ticker.C:
				t.WatchdogPass(ctx)
			}
		}
	}()
}
