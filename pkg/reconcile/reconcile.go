// Package reconcile cross-checks the three views of "what is running": the
// in-memory tracker, the durable ledger, and the external agent session
// store. It runs once at process start (after the tracker's own recovery
// pass) and then on a fixed interval, repairing what is safe to repair and
// logging the rest.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay/pkg/config"
	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/proc"
	"relay/pkg/runs"
	"relay/pkg/session"
	"relay/pkg/tracker"
)

// Ledger is the slice of the event store the reconciler needs.
type Ledger interface {
	Append(ctx context.Context, ev runs.Event) error
	Unterminated(ctx context.Context) ([]runs.UntermRun, error)
}

// Stats are process-lifetime reconciliation counters, reset on restart.
type Stats struct {
	LastRunAt          time.Time `json:"last_run_at"`
	TotalRuns          int       `json:"total_runs"`
	DiscrepanciesFound int       `json:"discrepancies_found"`
	OrphansReaped      int       `json:"orphans_reaped"`
}

// Report summarizes a single pass.
type Report struct {
	Discrepancies int
	OrphansReaped int
	DeadProcesses int
	Details       []string
}

// Reconciler performs the consistency sweep. Construct with New.
type Reconciler struct {
	tracker  *tracker.Tracker
	ledger   Ledger
	sessions session.Store
	procs    proc.Manager
	rec      metrics.Recorder
	logger   *logx.Logger

	interval      time.Duration
	leakThreshold int

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

// New wires a reconciler. sessions may be session.Nop() when no session
// directory is configured.
func New(trk *tracker.Tracker, led Ledger, sessions session.Store, procs proc.Manager, rec metrics.Recorder, cfg config.ReconcilerConfig) *Reconciler {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Reconciler{
		tracker:       trk,
		ledger:        led,
		sessions:      sessions,
		procs:         procs,
		rec:           rec,
		logger:        logx.NewLogger("reconciler"),
		interval:      cfg.GetInterval(),
		leakThreshold: cfg.GetSessionLeakThreshold(),
		now:           time.Now,
	}
}

// ReconcileOnce performs one full pass. startup selects the startup-only
// repair behavior for ledger orphans; periodic passes log them instead, so a
// run that is mid-dispatch in another code path is never raced.
func (r *Reconciler) ReconcileOnce(ctx context.Context, startup bool) Report {
	var rep Report

	active := r.tracker.GetActiveRunStates()
	open, err := r.ledger.Unterminated(ctx)
	if err != nil {
		// The dead-process and session checks can still run; the two
		// ledger-vs-memory checks are skipped this pass.
		r.logger.Error("list unterminated runs: %v", err)
		open = nil
	}

	openByID := make(map[string]runs.UntermRun, len(open))
	for _, u := range open {
		openByID[u.RunID] = u
	}
	activeByID := make(map[string]runs.RunState, len(active))
	for _, st := range active {
		activeByID[st.RunID] = st
	}

	if err == nil {
		rep.merge(r.checkMemoryOnly(active, openByID))
		rep.merge(r.checkLedgerOrphans(ctx, open, activeByID, startup))
	}
	rep.merge(r.checkDeadProcesses(ctx, active))
	r.checkSessionLeak(ctx, &rep)

	r.mu.Lock()
	r.stats.LastRunAt = r.now()
	r.stats.TotalRuns++
	r.stats.DiscrepanciesFound += rep.Discrepancies
	r.stats.OrphansReaped += rep.OrphansReaped
	r.mu.Unlock()

	r.rec.ObserveReconcilePass(rep.Discrepancies, rep.OrphansReaped)

	if rep.Discrepancies > 0 {
		r.logger.Warn("pass found %d discrepancy(ies): %d orphan(s) reaped, %d dead process(es)",
			rep.Discrepancies, rep.OrphansReaped, rep.DeadProcesses)
	} else {
		r.logger.Debug("pass clean (%d active, %d unterminated)", len(active), len(open))
	}
	return rep
}

// checkMemoryOnly flags tracker runs the ledger does not consider in flight.
// This points at a bug (a run visible in memory should always have a durable
// dispatch record), so it is logged and counted but never auto-repaired.
func (r *Reconciler) checkMemoryOnly(active []runs.RunState, openByID map[string]runs.UntermRun) Report {
	var rep Report
	for _, st := range active {
		if _, ok := openByID[st.RunID]; ok {
			continue
		}
		rep.Discrepancies++
		detail := fmt.Sprintf("run %s is active in memory with no unterminated ledger record", st.RunID)
		rep.Details = append(rep.Details, detail)
		r.logger.Warn("%s", detail)
	}
	return rep
}

// checkLedgerOrphans flags unterminated ledger runs absent from the tracker.
// At startup these are provably dead (no memory survives a restart) and each
// gets a synthetic failed event; on periodic passes they are logged only.
func (r *Reconciler) checkLedgerOrphans(ctx context.Context, open []runs.UntermRun, activeByID map[string]runs.RunState, startup bool) Report {
	var rep Report
	for _, u := range open {
		if _, ok := activeByID[u.RunID]; ok {
			continue
		}
		rep.Discrepancies++
		if !startup {
			detail := fmt.Sprintf("run %s unterminated in ledger, absent from tracker (not repairing on periodic pass)", u.RunID)
			rep.Details = append(rep.Details, detail)
			r.logger.Warn("%s", detail)
			continue
		}

		ev := runs.Event{
			RunID:      u.RunID,
			Type:       runs.EventFailed,
			AgentType:  u.AgentType,
			WorkItemID: u.WorkItemID,
			Payload:    map[string]any{"reason": string(runs.ReasonReconcilerOrphan)},
		}
		if err := r.ledger.Append(ctx, ev); err != nil {
			r.logger.Error("failed to reap orphan %s: %v", u.RunID, err)
			continue
		}
		rep.OrphansReaped++
		detail := fmt.Sprintf("reaped orphan %s (dispatched %s)", u.RunID, u.DispatchedAt.Format(time.RFC3339))
		rep.Details = append(rep.Details, detail)
		r.logger.Info("%s", detail)
	}
	return rep
}

// checkDeadProcesses closes out running runs whose recorded process has
// exited. Unlike ledger orphans this is repaired on every pass: a dead pid is
// unambiguous.
func (r *Reconciler) checkDeadProcesses(ctx context.Context, active []runs.RunState) Report {
	var rep Report
	for _, st := range active {
		if st.PID == 0 || st.Status != runs.StatusRunning {
			continue
		}
		if r.procs.Alive(st.PID) {
			continue
		}
		rep.Discrepancies++
		rep.DeadProcesses++
		detail := fmt.Sprintf("run %s pid %d no longer exists, closing out", st.RunID, st.PID)
		rep.Details = append(rep.Details, detail)
		r.logger.Warn("%s", detail)
		if err := r.tracker.EndRun(ctx, st.RunID, runs.StatusFailed, runs.ReasonReconcilerDeadProcess); err != nil {
			r.logger.Error("failed to close out %s: %v", st.RunID, err)
		}
	}
	return rep
}

// checkSessionLeak logs when the session store reports suspiciously many
// active sessions. Informational only: active sessions legitimately include
// interactive work this engine never dispatched, so it neither repairs nor
// counts a discrepancy.
func (r *Reconciler) checkSessionLeak(ctx context.Context, rep *Report) {
	if r.sessions == nil {
		return
	}
	sessions, err := r.sessions.ListActiveSessions(ctx, r.leakThreshold+1)
	if err != nil {
		r.logger.Warn("list active sessions: %v", err)
		return
	}
	if len(sessions) > r.leakThreshold {
		detail := fmt.Sprintf("session store reports more than %d active sessions, possible leak", r.leakThreshold)
		rep.Details = append(rep.Details, detail)
		r.logger.Info("%s", detail)
	}
}

// Stats returns the process-lifetime counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Start performs the startup pass and then reconciles on the configured
// interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		r.logger.Info("reconciler started (interval=%s)", r.interval)
		r.ReconcileOnce(ctx, true)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("reconciler stopped")
				return
			case <-ticker.C:
				r.ReconcileOnce(ctx, false)
			}
		}
	}()
}

func (rep *Report) merge(other Report) {
	rep.Discrepancies += other.Discrepancies
	rep.OrphansReaped += other.OrphansReaped
	rep.DeadProcesses += other.DeadProcesses
	rep.Details = append(rep.Details, other.Details...)
}
