package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	runsTotal             *prometheus.CounterVec
	runDuration           *prometheus.HistogramVec
	runCostTotal          *prometheus.CounterVec
	stepsTotal            *prometheus.CounterVec
	stepDuration          *prometheus.HistogramVec
	tokensTotal           *prometheus.CounterVec
	activeRuns            prometheus.Gauge
	staleTotal            *prometheus.CounterVec
	killedTotal           *prometheus.CounterVec
	queueDepth            *prometheus.GaugeVec
	queueTimeouts         *prometheus.CounterVec
	queueWait             *prometheus.HistogramVec
	reconcilePasses       prometheus.Counter
	reconcileDiscrepTotal prometheus.Counter
	orphansReapedTotal    prometheus.Counter
	breakerState          *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
// Metrics register against the default registry, so construct at most one
// per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_runs_total",
				Help: "Total number of finished agent runs by agent type, execution mode, and terminal status",
			},
			[]string{"agent_type", "mode", "status"},
		),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_run_duration_seconds",
				Help:    "Wall-clock duration of agent runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"agent_type", "mode"},
		),
		runCostTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_run_cost_usd_total",
				Help: "Estimated cost in USD of finished agent runs",
			},
			[]string{"agent_type"},
		),
		stepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_steps_total",
				Help: "Total number of step executor calls by agent name and status",
			},
			[]string{"agent", "status"},
		),
		stepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_step_duration_seconds",
				Help:    "Duration of individual step executor calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_executor_tokens_total",
				Help: "Estimated tokens exchanged with step executors by model and direction",
			},
			[]string{"model", "direction"},
		),
		activeRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_runs",
				Help: "Current number of runs in the in-memory tracker",
			},
		),
		staleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_runs_stale_total",
				Help: "Total number of runs flagged stale by the watchdog",
			},
			[]string{"agent_type"},
		),
		killedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_runs_killed_total",
				Help: "Total number of kill requests by termination reason",
			},
			[]string{"reason"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Current number of pending items per queue",
			},
			[]string{"queue"},
		),
		queueTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_queue_timeouts_total",
				Help: "Total number of tasks abandoned by the queue guard timeout",
			},
			[]string{"queue"},
		),
		queueWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_queue_wait_duration_seconds",
				Help:    "Time items spend waiting in a queue before executing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		reconcilePasses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_reconcile_passes_total",
				Help: "Total number of reconciliation sweeps",
			},
		),
		reconcileDiscrepTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_reconcile_discrepancies_total",
				Help: "Total number of discrepancies found across reconciliation sweeps",
			},
		),
		orphansReapedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_orphans_reaped_total",
				Help: "Total number of ledger orphans repaired at startup",
			},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half_open, 2 open)",
			},
			[]string{"breaker"},
		),
	}
}

func (p *PrometheusRecorder) ObserveRun(agentType, mode, status string, duration time.Duration, costUSD float64) {
	p.runsTotal.WithLabelValues(agentType, mode, status).Inc()
	p.runDuration.WithLabelValues(agentType, mode).Observe(duration.Seconds())
	if costUSD > 0 {
		p.runCostTotal.WithLabelValues(agentType).Add(costUSD)
	}
}

func (p *PrometheusRecorder) ObserveStep(agentName, status string, duration time.Duration) {
	p.stepsTotal.WithLabelValues(agentName, status).Inc()
	p.stepDuration.WithLabelValues(agentName).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) AddTokens(model, direction string, count int) {
	if count > 0 {
		p.tokensTotal.WithLabelValues(model, direction).Add(float64(count))
	}
}

func (p *PrometheusRecorder) SetActiveRuns(count int) {
	p.activeRuns.Set(float64(count))
}

func (p *PrometheusRecorder) IncRunStale(agentType string) {
	p.staleTotal.WithLabelValues(agentType).Inc()
}

func (p *PrometheusRecorder) IncRunKilled(reason string) {
	p.killedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(queue string, depth int) {
	p.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (p *PrometheusRecorder) IncQueueTimeout(queue string) {
	p.queueTimeouts.WithLabelValues(queue).Inc()
}

func (p *PrometheusRecorder) ObserveQueueWait(queue string, duration time.Duration) {
	p.queueWait.WithLabelValues(queue).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveReconcilePass(discrepancies, orphansReaped int) {
	p.reconcilePasses.Inc()
	p.reconcileDiscrepTotal.Add(float64(discrepancies))
	p.orphansReapedTotal.Add(float64(orphansReaped))
}

func (p *PrometheusRecorder) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	p.breakerState.WithLabelValues(name).Set(v)
}
