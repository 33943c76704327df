// Package orchestrator executes multi-step agent runs. A run takes one of
// four shapes: a single step, a sequential pipeline, a parallel fan-out, or a
// generate-critique-revise loop. Every executor call goes through the
// resilience layer and the per-model limiter, and every lifecycle transition
// lands in the tracker so the watchdog and reconciler can see the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relay/pkg/config"
	"relay/pkg/executor"
	"relay/pkg/limiter"
	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/queue"
	"relay/pkg/resilience"
	"relay/pkg/runs"
	"relay/pkg/tokens"
	"relay/pkg/tracker"
)

// Mode selects a run's execution topology.
type Mode string

const (
	ModeSingle     Mode = "single"
	ModePipeline   Mode = "pipeline"
	ModeFanOut     Mode = "fan-out"
	ModeCriticLoop Mode = "critic-loop"
)

// Valid reports whether m names a known execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModePipeline, ModeFanOut, ModeCriticLoop:
		return true
	}
	return false
}

// Step is one unit of work within a run: which agent runs it, an optional
// skill routing hint, and the instruction text.
type Step struct {
	Agent       string
	Skill       string
	Instruction string
}

// Request describes one run. RunID is caller-generated at dispatch; a fresh
// one is assigned when empty. Heartbeat, when set, is invoked on every
// meaningful bit of progress (completed step, critic round phase).
type Request struct {
	RunID      string
	Mode       Mode
	AgentType  string
	WorkItemID string
	Channel    string
	MessageID  string
	System     string
	Input      string
	Steps      []Step
	Heartbeat  func()
}

// Result is the terminal outcome of a run. Duration and CostUSD are always
// populated, including for failed runs, so callers can report what a failure
// cost.
type Result struct {
	RunID          string
	Mode           Mode
	Output         string
	StepsCompleted int
	// Rounds and Verdict are populated for critic-loop runs only.
	Rounds  int
	Verdict *CriticVerdict

	Duration time.Duration
	CostUSD  float64
}

// StepError reports a failed step. PartialOutput carries everything produced
// before (and during) the failure so callers can still deliver partial value
// to the user instead of nothing.
type StepError struct {
	StepIndex     int
	ErrorType     resilience.ErrorType
	PartialOutput string
	Err           error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %d failed (%s): %v", e.StepIndex, e.ErrorType, e.Err)
	}
	return fmt.Sprintf("step %d failed (%s)", e.StepIndex, e.ErrorType)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// DeliveryText renders the user-facing text a channel adapter should send for
// this failure: the partial output marked as incomplete, or "" when nothing
// was produced. The annotation lives here, not in PartialOutput, so programs
// inspecting the raw output see exactly what the steps wrote.
func (e *StepError) DeliveryText() string {
	partial := strings.TrimSpace(e.PartialOutput)
	if partial == "" {
		return ""
	}
	return partial + "\n\n(execution incomplete)"
}

// ExecutorSource resolves agent names to step executors. *executor.Registry
// implements it; tests substitute fakes.
type ExecutorSource interface {
	For(agent string) (executor.Executor, error)
}

// Orchestrator drives runs. Construct with New; the zero value is not usable.
type Orchestrator struct {
	cfg      *config.Config
	execs    ExecutorSource
	tracker  *tracker.Tracker
	limiter  *limiter.Limiter
	breakers *resilience.Registry
	rec      metrics.Recorder
	logger   *logx.Logger

	now func() time.Time
}

// New wires an orchestrator. The breaker registry is shared with the rest of
// the process so the status surface sees every breaker.
func New(cfg *config.Config, execs ExecutorSource, trk *tracker.Tracker, lim *limiter.Limiter, breakers *resilience.Registry, rec metrics.Recorder) *Orchestrator {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Orchestrator{
		cfg:      cfg,
		execs:    execs,
		tracker:  trk,
		limiter:  lim,
		breakers: breakers,
		rec:      rec,
		logger:   logx.NewLogger("orchestrator"),
		now:      time.Now,
	}
}

// Run executes one run to its terminal state. The run is registered with the
// tracker before any step executes and always ends through tracker.EndRun,
// so the ledger records a full lifecycle even when steps fail. The returned
// error is a *StepError for step failures.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = runs.NewRunID()
	}
	agentType := req.AgentType
	if agentType == "" {
		agentType = req.Steps[0].Agent
	}

	start := o.now()
	if err := o.tracker.StartRun(ctx, runID, agentType, req.WorkItemID); err != nil {
		return Result{}, fmt.Errorf("start run: %w", err)
	}
	if req.Channel != "" {
		o.tracker.SetRunChannel(runID, req.Channel, req.MessageID)
	}
	o.logger.Info("run %s dispatched (mode=%s steps=%d agent=%s)", runID, req.Mode, len(req.Steps), agentType)

	var (
		output  string
		steps   int
		cost    float64
		rounds  int
		verdict *CriticVerdict
		runErr  error
	)
	switch req.Mode {
	case ModeSingle:
		output, steps, cost, runErr = o.runSingle(ctx, runID, req)
	case ModePipeline:
		output, steps, cost, runErr = o.runPipeline(ctx, runID, req)
	case ModeFanOut:
		output, steps, cost, runErr = o.runFanOut(ctx, runID, req)
	case ModeCriticLoop:
		output, rounds, cost, verdict, runErr = o.runCriticLoop(ctx, runID, req)
		steps = rounds * 2
	}

	duration := o.now().Sub(start)
	status := runs.StatusCompleted
	if runErr != nil {
		status = runs.StatusFailed
	}

	if queue.Abandoned(ctx) {
		o.logger.Info("run %s finished after its queue slot was abandoned; the lane will discard the result", runID)
	}
	if err := o.tracker.EndRun(ctx, runID, status, ""); err != nil {
		o.logger.Error("failed to end run %s: %v", runID, err)
	}
	o.rec.ObserveRun(agentType, string(req.Mode), string(status), duration, cost)

	res := Result{
		RunID:          runID,
		Mode:           req.Mode,
		Output:         output,
		StepsCompleted: steps,
		Rounds:         rounds,
		Verdict:        verdict,
		Duration:       duration,
		CostUSD:        cost,
	}
	if runErr != nil {
		o.logger.Warn("run %s failed after %s: %v", runID, duration.Round(time.Millisecond), runErr)
		return res, runErr
	}
	o.logger.Info("run %s completed (steps=%d duration=%s cost=$%.4f)", runID, steps, duration.Round(time.Millisecond), cost)
	return res, nil
}

func validate(req Request) error {
	if len(req.Steps) == 0 {
		return errors.New("run request has no steps")
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("unknown execution mode %q", req.Mode)
	}
	if req.Mode == ModeSingle && len(req.Steps) != 1 {
		return fmt.Errorf("single mode takes exactly one step, got %d", len(req.Steps))
	}
	if req.Mode == ModeCriticLoop && len(req.Steps) != 2 {
		return fmt.Errorf("critic-loop takes a generator and a critic step, got %d", len(req.Steps))
	}
	return nil
}

func (o *Orchestrator) runSingle(ctx context.Context, runID string, req Request) (string, int, float64, error) {
	st := req.Steps[0]
	text, cost, err := o.callStep(ctx, runID, 0, st, req.Input, req)
	if err != nil {
		return "", 0, cost, &StepError{StepIndex: 0, ErrorType: resilience.TypeOf(err), PartialOutput: text, Err: err}
	}
	o.progress(ctx, runID, req, map[string]any{"step": 1, "of": 1, "agent": st.Agent})
	return text, 1, cost, nil
}

// runPipeline executes steps strictly in order, each step's output becoming
// the next step's input. A failure at step i carries everything produced
// through step i-1 plus any partial text step i managed to emit.
func (o *Orchestrator) runPipeline(ctx context.Context, runID string, req Request) (string, int, float64, error) {
	var outputs []string
	var cost float64
	input := req.Input

	for i, st := range req.Steps {
		text, stepCost, err := o.callStep(ctx, runID, i, st, input, req)
		cost += stepCost
		if err != nil {
			partial := joinOutputs(append(append([]string{}, outputs...), text))
			return "", i, cost, &StepError{StepIndex: i, ErrorType: resilience.TypeOf(err), PartialOutput: partial, Err: err}
		}
		outputs = append(outputs, text)
		input = text
		o.progress(ctx, runID, req, map[string]any{"step": i + 1, "of": len(req.Steps), "agent": st.Agent})
	}
	return outputs[len(outputs)-1], len(outputs), cost, nil
}

// runFanOut executes every step concurrently against the same input and
// merges outputs in step order once the slowest finishes. If any step failed,
// the merged successful output is still carried as partial output.
func (o *Orchestrator) runFanOut(ctx context.Context, runID string, req Request) (string, int, float64, error) {
	type outcome struct {
		text string
		cost float64
		err  error
	}
	results := make([]outcome, len(req.Steps))

	var wg sync.WaitGroup
	for i, st := range req.Steps {
		wg.Add(1)
		go func(i int, st Step) {
			defer wg.Done()
			text, cost, err := o.callStep(ctx, runID, i, st, req.Input, req)
			results[i] = outcome{text: text, cost: cost, err: err}
			if err == nil {
				o.progress(ctx, runID, req, map[string]any{"step": i + 1, "of": len(req.Steps), "agent": st.Agent})
			}
		}(i, st)
	}
	wg.Wait()

	var merged []string
	var cost float64
	completed := 0
	failedAt := -1
	var firstErr error
	for i := range results {
		cost += results[i].cost
		if results[i].err != nil {
			if failedAt < 0 {
				failedAt = i
				firstErr = results[i].err
			}
			continue
		}
		completed++
		merged = append(merged, results[i].text)
	}

	output := joinOutputs(merged)
	if failedAt >= 0 {
		return "", completed, cost, &StepError{StepIndex: failedAt, ErrorType: resilience.TypeOf(firstErr), PartialOutput: output, Err: firstErr}
	}
	return output, completed, cost, nil
}

// callStep resolves the step's executor and runs it under the limiter, the
// per-model breaker, and bounded retry. The returned text may be non-empty
// even on error, when the executor produced partial output before failing.
func (o *Orchestrator) callStep(ctx context.Context, runID string, stepIndex int, st Step, input string, req Request) (string, float64, error) {
	exec, err := o.execs.For(st.Agent)
	if err != nil {
		return "", 0, resilience.NewErrorWithCause(resilience.TypeBadRequest, err, "resolve agent "+st.Agent)
	}
	model := exec.Model()

	binding, _ := o.cfg.AgentBinding(st.Agent)
	maxTokens := binding.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.Orchestrator.GetDefaultMaxTokens()
	}
	temp := binding.Temperature
	if temp == 0 {
		temp = o.cfg.Orchestrator.GetDefaultTemperature()
	}

	prompt := stepPrompt(st, input)
	inTokens := tokens.Estimate(req.System) + tokens.Estimate(prompt)

	release, err := o.limiter.Acquire(ctx, model, inTokens)
	if err != nil {
		return "", 0, fmt.Errorf("acquire %s slot: %w", model, err)
	}
	defer release()

	execReq := executor.Request{
		Agent:       st.Agent,
		Skill:       st.Skill,
		Prompt:      prompt,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: temp,
		OnSpawn: func(pid int) {
			o.tracker.SetRunPID(runID, pid)
			o.tracker.Heartbeat(ctx, runID)
		},
	}

	// The breaker's call timeout abandons slow attempts, which can leave the
	// executor goroutine writing its result after we have moved on; the mutex
	// keeps that write from racing our read.
	var mu sync.Mutex
	var text string
	op := func(ctx context.Context) error {
		out, execErr := exec.Execute(ctx, execReq)
		mu.Lock()
		text = out
		mu.Unlock()
		return execErr
	}

	breaker := o.breakers.Get(model)
	retryCfg := resilience.RetryConfig{
		MaxRetries: o.cfg.Resilience.Retry.GetMaxRetries(),
		BaseDelay:  o.cfg.Resilience.Retry.GetBaseDelay(),
		MaxDelay:   o.cfg.Resilience.Retry.GetMaxDelay(),
	}

	stepStart := o.now()
	err = resilience.RetryNotify(ctx, retryCfg,
		func(ctx context.Context) error { return breaker.Do(ctx, op, nil) },
		func(attempt int, attemptErr error, delay time.Duration) {
			o.logger.Warn("run %s step %d (%s): attempt %d failed, retrying in %s: %v",
				runID, stepIndex, st.Agent, attempt, delay, attemptErr)
			// A retry in progress is forward motion, not silence.
			o.tracker.Heartbeat(ctx, runID)
		})
	stepDuration := o.now().Sub(stepStart)

	mu.Lock()
	out := text
	mu.Unlock()

	outTokens := tokens.Estimate(out)
	cost := config.ModelCost(model, inTokens, outTokens)
	o.rec.AddTokens(model, "input", inTokens)
	o.rec.AddTokens(model, "output", outTokens)
	if err != nil {
		o.rec.ObserveStep(st.Agent, "error", stepDuration)
		return out, cost, err
	}
	o.rec.ObserveStep(st.Agent, "ok", stepDuration)
	return out, cost, nil
}

// progress records forward motion in the ledger and forwards the caller's
// heartbeat callback. Ledger write failures are logged, not fatal: losing a
// progress event must not fail the step that produced it.
func (o *Orchestrator) progress(ctx context.Context, runID string, req Request, payload map[string]any) {
	if err := o.tracker.Progress(ctx, runID, payload); err != nil {
		o.logger.Warn("failed to record progress for %s: %v", runID, err)
	}
	if req.Heartbeat != nil {
		req.Heartbeat()
	}
}

// stepPrompt joins a step's instruction with the input flowing into it.
func stepPrompt(st Step, input string) string {
	switch {
	case input == "":
		return st.Instruction
	case st.Instruction == "":
		return input
	default:
		return st.Instruction + "\n\n" + input
	}
}

// joinOutputs merges step outputs in order, skipping empty ones.
func joinOutputs(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
