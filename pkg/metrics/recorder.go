// Package metrics provides metrics recording for run orchestration.
package metrics

import "time"

// Recorder defines the interface for recording relay engine metrics.
type Recorder interface {
	// ObserveRun records a finished run with its terminal status.
	ObserveRun(agentType, mode, status string, duration time.Duration, costUSD float64)

	// ObserveStep records one step executor call within a run.
	ObserveStep(agentName, status string, duration time.Duration)

	// AddTokens accumulates estimated token throughput by model and direction.
	AddTokens(model, direction string, count int)

	// SetActiveRuns reports the current size of the in-memory run registry.
	SetActiveRuns(count int)

	// IncRunStale increments the watchdog staleness counter.
	IncRunStale(agentType string)

	// IncRunKilled increments the kill counter by termination reason.
	IncRunKilled(reason string)

	// SetQueueDepth reports the number of pending items in a queue.
	SetQueueDepth(queue string, depth int)

	// IncQueueTimeout increments the guard-timeout counter for a queue.
	IncQueueTimeout(queue string)

	// ObserveQueueWait records how long an item waited before executing.
	ObserveQueueWait(queue string, duration time.Duration)

	// ObserveReconcilePass records one reconciliation sweep.
	ObserveReconcilePass(discrepancies, orphansReaped int)

	// SetBreakerState reports a circuit breaker state transition.
	SetBreakerState(name, state string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRun(_, _, _ string, _ time.Duration, _ float64) {}

func (n *NoopRecorder) ObserveStep(_, _ string, _ time.Duration) {}

func (n *NoopRecorder) AddTokens(_, _ string, _ int) {}

func (n *NoopRecorder) SetActiveRuns(_ int) {}

func (n *NoopRecorder) IncRunStale(_ string) {}

func (n *NoopRecorder) IncRunKilled(_ string) {}

func (n *NoopRecorder) SetQueueDepth(_ string, _ int) {}

func (n *NoopRecorder) IncQueueTimeout(_ string) {}

func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

func (n *NoopRecorder) ObserveReconcilePass(_, _ int) {}

func (n *NoopRecorder) SetBreakerState(_, _ string) {}
