// Package daemon assembles the relay's services and owns their lifecycle.
// It is the one place that knows construction order: ledger before tracker,
// tracker before reconciler, everything before the status server. Individual
// packages stay wirable in isolation for tests; the daemon is how production
// wires them.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"relay/pkg/config"
	"relay/pkg/executor"
	"relay/pkg/ledger"
	"relay/pkg/limiter"
	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/notify"
	"relay/pkg/orchestrator"
	"relay/pkg/proc"
	"relay/pkg/queue"
	"relay/pkg/reconcile"
	"relay/pkg/resilience"
	"relay/pkg/runs"
	"relay/pkg/session"
	"relay/pkg/statusapi"
	"relay/pkg/tracker"
)

// stopTimeout bounds how long Stop waits for each queue lane to drain.
const stopTimeout = 10 * time.Second

// Daemon holds every running service. Fields are exported so adapters and
// tests can reach individual services directly; construction still goes
// through New so the wiring order cannot be gotten wrong.
type Daemon struct {
	ctx    context.Context //nolint:containedctx // required for daemon lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Ledger       *ledger.Ledger
	Tracker      *tracker.Tracker
	Reconciler   *reconcile.Reconciler
	Sessions     session.Store
	Notifier     notify.Notifier
	Executors    *executor.Registry
	Limiter      *limiter.Limiter
	Breakers     *resilience.Registry
	Orchestrator *orchestrator.Orchestrator
	StatusServer *statusapi.Server
	Recorder     metrics.Recorder

	queues  map[string]*queue.Queue
	outbox  *notify.Outbox
	running bool
}

// New builds a daemon from validated configuration. Secrets are consumed
// during construction (executor credentials) and not retained. On error the
// partially built daemon is torn down; the caller owns nothing.
func New(parent context.Context, cfg *config.Config, secrets *config.Secrets) (*Daemon, error) {
	ctx, cancel := context.WithCancel(parent)

	d := &Daemon{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("daemon"),
	}

	if err := d.initializeServices(secrets); err != nil {
		cancel()
		if d.Ledger != nil {
			_ = d.Ledger.Close()
		}
		if d.outbox != nil {
			_ = d.outbox.Close()
		}
		return nil, fmt.Errorf("initialize daemon services: %w", err)
	}
	return d, nil
}

// initializeServices constructs every service in dependency order.
func (d *Daemon) initializeServices(secrets *config.Secrets) error {
	// Recorder first so every service records from its first event. The
	// Prometheus recorder registers on the default registry, so it is only
	// constructed when the status server will actually expose it.
	d.Recorder = metrics.Nop()
	if d.Config.Status.Addr != "" {
		d.Recorder = metrics.NewPrometheusRecorder()
	}

	if err := d.openLedger(); err != nil {
		return err
	}

	procs := proc.OS()
	d.Tracker = tracker.New(d.Ledger, procs, d.Recorder, tracker.Config{
		WatchdogTick:   d.Config.Tracker.GetWatchdogTick(),
		StaleThreshold: d.Config.Tracker.GetStaleThreshold(),
		KillGrace:      d.Config.Tracker.GetKillGrace(),
	})

	d.Sessions = session.Nop()
	if dir := d.Config.Store.SessionDir; dir != "" {
		d.Sessions = session.NewFileStore(d.statePath(dir))
	}

	d.Reconciler = reconcile.New(d.Tracker, d.Ledger, d.Sessions, procs, d.Recorder, d.Config.Reconciler)

	if err := d.initNotifier(); err != nil {
		return err
	}

	d.queues = make(map[string]*queue.Queue)
	for _, ch := range d.Config.EffectiveChannels() {
		d.queues[ch] = queue.New(ch, d.Config.Queue, d.Notifier, d.Recorder)
	}

	execs, err := executor.NewRegistry(d.Config, secrets)
	if err != nil {
		return fmt.Errorf("build executor registry: %w", err)
	}
	d.Executors = execs

	d.Limiter = limiter.New(d.Config)

	breakerCfg := d.Config.Resilience.Breaker
	d.Breakers = resilience.NewRegistry(func(name string) resilience.BreakerConfig {
		return resilience.BreakerConfig{
			Name:             name,
			FailureThreshold: breakerCfg.GetFailureThreshold(),
			ResetTimeout:     breakerCfg.GetResetTimeout(),
			CallTimeout:      breakerCfg.GetCallTimeout(),
		}
	})
	d.Breakers.OnStateChange(func(name string, _, to resilience.State) {
		d.Recorder.SetBreakerState(name, string(to))
	})

	d.Orchestrator = orchestrator.New(d.Config, d.Executors, d.Tracker, d.Limiter, d.Breakers, d.Recorder)
	d.StatusServer = statusapi.NewServer(d, d.Tracker, d.Reconciler, d.Breakers)

	d.Logger.Info("Services initialized (%d channels, %d agents)", len(d.queues), len(d.Executors.Agents()))
	return nil
}

// openLedger creates the state directory and opens the SQLite ledger in it.
func (d *Daemon) openLedger() error {
	dir := d.Config.Store.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := d.Config.Store.LedgerPath
	if path == "" {
		path = "ledger.db"
	}
	path = d.statePath(path)

	led, err := ledger.Open(path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	d.Ledger = led
	d.Logger.Info("Ledger open: %s", path)
	return nil
}

// initNotifier wires the notification fan-out: always the log notifier, plus
// the JSONL outbox when an outbox directory is configured.
func (d *Daemon) initNotifier() error {
	d.Notifier = notify.NewLogNotifier()
	dir := d.Config.Store.OutboxDir
	if dir == "" {
		return nil
	}
	ob, err := notify.NewOutbox(d.statePath(dir))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	d.outbox = ob
	d.Notifier = notify.Multi(notify.NewLogNotifier(), ob)
	return nil
}

// statePath resolves p against the state directory unless p is absolute.
func (d *Daemon) statePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.Config.Store.Dir, p)
}

// Start brings the daemon up: ledger recovery first, then the queue lanes,
// the watchdog, the reconciler, and finally the status server. Recovery must
// complete before anything can write new state so the restart repair sees
// the ledger exactly as the previous process left it.
func (d *Daemon) Start() error {
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	recovered, err := d.Tracker.RecoverFromRestart(d.ctx)
	if err != nil {
		return fmt.Errorf("restart recovery: %w", err)
	}
	if recovered > 0 {
		d.Logger.Info("Recovered %d interrupted run(s) from the ledger", recovered)
	}

	for name, q := range d.queues {
		if err := q.Start(d.ctx); err != nil {
			return fmt.Errorf("start queue %s: %w", name, err)
		}
	}

	d.Tracker.Start(d.ctx)
	d.Reconciler.Start(d.ctx)

	if addr := d.Config.Status.Addr; addr != "" {
		if err := d.StatusServer.StartServer(d.ctx, addr); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
	}

	d.running = true
	d.Logger.Info("Daemon started (%d queue lanes)", len(d.queues))
	return nil
}

// Stop shuts the daemon down. The context is cancelled first so the
// watchdog, reconciler, and status server begin winding down before the
// queue drain starts; the ledger closes last because everything above it may
// still flush terminal events.
func (d *Daemon) Stop() error {
	if !d.running {
		return nil
	}
	d.Logger.Info("Stopping daemon services...")

	d.cancel()

	for name, q := range d.queues {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := q.Stop(stopCtx); err != nil {
			d.Logger.Error("Error stopping queue %s: %v", name, err)
		}
		stopCancel()
	}

	if d.outbox != nil {
		if err := d.outbox.Close(); err != nil {
			d.Logger.Error("Error closing outbox: %v", err)
		}
	}

	if d.Ledger != nil {
		if err := d.Ledger.Close(); err != nil {
			d.Logger.Error("Error closing ledger: %v", err)
		}
	}

	d.running = false
	d.Logger.Info("Daemon stopped")
	return nil
}

// SubmitRequest describes one piece of work arriving from a channel.
type SubmitRequest struct {
	// Channel picks the queue lane; it must be a configured channel.
	Channel string
	// WorkItemID keys FIFO ordering within the lane (chat ID, email
	// thread). Empty falls back to the generated run ID.
	WorkItemID string
	// MessageID identifies the triggering message for reply routing.
	MessageID string

	AgentType string
	Mode      orchestrator.Mode
	System    string
	Input     string
	Steps     []orchestrator.Step
}

// Submit enqueues a run on its channel lane. It returns the run ID the
// engine tracks the work under and the ticket that resolves with the
// orchestrator.Result (or the run's error; partial output travels inside a
// *orchestrator.StepError).
func (d *Daemon) Submit(ctx context.Context, req SubmitRequest) (string, *queue.Ticket, error) {
	q, ok := d.queues[req.Channel]
	if !ok {
		return "", nil, fmt.Errorf("unknown channel %q", req.Channel)
	}

	runID := runs.NewRunID()
	key := req.WorkItemID
	if key == "" {
		key = runID
	}

	orReq := orchestrator.Request{
		RunID:      runID,
		Mode:       req.Mode,
		AgentType:  req.AgentType,
		WorkItemID: key,
		Channel:    req.Channel,
		MessageID:  req.MessageID,
		System:     req.System,
		Input:      req.Input,
		Steps:      req.Steps,
	}

	ticket, err := q.Enqueue(ctx, key, preview(req.Input), func(taskCtx context.Context) (any, error) {
		res, err := d.Orchestrator.Run(taskCtx, orReq)
		if queue.Abandoned(taskCtx) {
			// The lane already advanced; tracker and ledger still saw the
			// full lifecycle, only delivery through the ticket is fenced.
			d.Logger.Info("Run %s finished after its lane advanced past the guard timeout", runID)
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return "", nil, err
	}

	d.Logger.Debug("Submitted run %s on %s (position %d)", runID, req.Channel, ticket.Position)
	return runID, ticket, nil
}

// Queue returns the lane for a channel, or nil for unknown channels.
func (d *Daemon) Queue(channel string) *queue.Queue {
	return d.queues[channel]
}

// Statuses snapshots every queue lane, sorted by name for stable output.
// This makes Daemon the status server's QueueSource.
func (d *Daemon) Statuses() []queue.Status {
	names := make([]string, 0, len(d.queues))
	for name := range d.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]queue.Status, 0, len(names))
	for _, name := range names {
		out = append(out, d.queues[name].Status())
	}
	return out
}

// preview renders the first line of input, truncated, for queue status
// display and notification text.
func preview(input string) string {
	s := strings.TrimSpace(input)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	const max = 80
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
