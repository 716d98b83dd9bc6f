// Package workflow drives review runs through the phase machine:
// route, dispatch, collect, synthesize, gate, finalize. The engine
// owns RunState, pushes tasks through a dispatcher, and emits exactly
// one Result per run that makes it past routing.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/protocol"
	"github.com/c360studio/semcrew/resilience"
	"github.com/c360studio/semcrew/review"
	"github.com/c360studio/semcrew/router"
)

// Config tunes the engine.
type Config struct {
	// TaskTimeouts is the per-identity worker deadline; identities
	// without an entry use DefaultTaskTimeout. Collection waits up to
	// twice the deadline before declaring a task lost.
	TaskTimeouts       map[agent.Identity]time.Duration
	DefaultTaskTimeout time.Duration
	RunTimeout         time.Duration

	// BlockingSeverity is the lowest failure severity that blocks the
	// gate. TokenBudgetWarn and LatencyBudgetWarn add warnings without
	// affecting the verdict; zero disables them.
	BlockingSeverity  string
	TokenBudgetWarn   int
	LatencyBudgetWarn time.Duration

	// ApprovalKind is the critical-operation kind runs are checked
	// against at GATE.
	ApprovalKind string

	RepoRoot   string
	ReportsDir string
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		DefaultTaskTimeout: 2 * time.Minute,
		RunTimeout:         30 * time.Minute,
		BlockingSeverity:   SeverityHigh,
		ApprovalKind:       "production_merge",
		RepoRoot:           ".",
		ReportsDir:         "reports",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.BlockingSeverity == "" {
		c.BlockingSeverity = def.BlockingSeverity
	}
	if c.ApprovalKind == "" {
		c.ApprovalKind = def.ApprovalKind
	}
	if c.RepoRoot == "" {
		c.RepoRoot = def.RepoRoot
	}
	if c.ReportsDir == "" {
		c.ReportsDir = def.ReportsDir
	}
	return c
}

func (c Config) taskTimeoutFor(id agent.Identity) time.Duration {
	if d, ok := c.TaskTimeouts[id]; ok && d > 0 {
		return d
	}
	return c.DefaultTaskTimeout
}

// Broadcaster pushes run events to connected workers. The broker
// satisfies it; a nil broadcaster drops the events.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload map[string]any) error
}

// Deps are the collaborators an engine drives. Dispatcher and Registry
// are required; a nil Router gets default rules, a nil Breakers
// registry gets default thresholds, and a nil Gate disables approvals.
type Deps struct {
	Dispatcher  agent.TaskDispatcher
	Registry    *agent.Registry
	Router      *router.Router
	Gate        *approval.Gate
	Breakers    *resilience.Registry
	Broadcaster Broadcaster
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Engine is the workflow driver.
type Engine struct {
	cfg      Config
	dispatch agent.TaskDispatcher
	registry *agent.Registry
	router   *router.Router
	gate     *approval.Gate
	breakers *resilience.Registry
	bcast    Broadcaster
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hub      *Hub

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

type activeRun struct {
	run    *Run
	future *RunFuture
}

// New builds an engine.
func New(cfg Config, deps Deps) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := deps.Router
	if rt == nil {
		rt = router.New(router.DefaultConfig(), nil, clk, logger)
	}
	brs := deps.Breakers
	if brs == nil {
		brs = resilience.NewRegistry(resilience.DefaultBreakerConfig(), clk, logger, deps.Metrics)
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		dispatch: deps.Dispatcher,
		registry: deps.Registry,
		router:   rt,
		gate:     deps.Gate,
		breakers: brs,
		bcast:    deps.Broadcaster,
		clk:      clk,
		logger:   logger,
		metrics:  deps.Metrics,
		hub:      NewHub(),
		runs:     make(map[string]*activeRun),
	}
}

// Events returns the run lifecycle hub.
func (e *Engine) Events() *Hub {
	return e.hub
}

// RunFuture resolves with a run's result.
type RunFuture struct {
	runID  string
	done   chan struct{}
	result *Result
	err    error
}

// RunID returns the id of the run this future tracks.
func (f *RunFuture) RunID() string {
	return f.runID
}

// Await blocks until the run finalizes or ctx ends.
func (f *RunFuture) Await(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, fault.New(fault.Cancelled, ctx.Err())
	}
}

func (f *RunFuture) resolve(res *Result, err error) {
	f.result = res
	f.err = err
	close(f.done)
}

// SubmitAsync validates the event and starts a run. The returned
// future resolves at FINALIZE; routing failures resolve it with the
// routing error.
func (e *Engine) SubmitAsync(ctx context.Context, event *review.ChangeEvent) (*RunFuture, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(runCtx, cancel, runID, event, e.clk.Now())
	fut := &RunFuture{runID: runID, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, fault.Errorf(fault.Cancelled, "engine stopped")
	}
	e.runs[runID] = &activeRun{run: run, future: fut}
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("Run submitted",
		"run", runID,
		"repository", event.Repository,
		"branch", event.Branch,
		"commit", event.Commit,
		"files", len(event.Files))

	go e.execute(run, fut)
	return fut, nil
}

// Submit runs the event to completion.
func (e *Engine) Submit(ctx context.Context, event *review.ChangeEvent) (*Result, error) {
	fut, err := e.SubmitAsync(ctx, event)
	if err != nil {
		return nil, err
	}
	return fut.Await(ctx)
}

// Cancel aborts run id. Cancelling twice is the same as cancelling
// once; reports whether the run was active.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	ar, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ar.run.cancel()
	e.logger.Info("Run cancelled", "run", runID)
	return true
}

// Run returns the live state of an active run.
func (e *Engine) Run(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.runs[runID]
	if !ok {
		return nil, false
	}
	return ar.run, true
}

// Health is the driver-visible snapshot of the system the engine sees.
type Health struct {
	Workers          map[agent.Identity]agent.Health
	Breakers         map[string]resilience.Stats
	ActiveRuns       int
	PendingApprovals int
}

// Health snapshots worker health, breaker states, and run load.
func (e *Engine) Health() Health {
	h := Health{
		Workers:  e.registry.SnapshotHealth(),
		Breakers: e.breakers.Snapshot(),
	}
	e.mu.Lock()
	h.ActiveRuns = len(e.runs)
	e.mu.Unlock()
	if e.gate != nil {
		h.PendingApprovals = e.gate.Pending()
	}
	return h
}

// Stop cancels every active run and waits for them to finalize. Safe
// to call twice.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	actives := make([]*activeRun, 0, len(e.runs))
	for _, ar := range e.runs {
		actives = append(actives, ar)
	}
	e.mu.Unlock()

	for _, ar := range actives {
		ar.run.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Engine stopped")
	return nil
}

func (e *Engine) execute(run *Run, fut *RunFuture) {
	defer e.wg.Done()
	defer run.cancel()

	// The run deadline races the phases; firing cancels everything
	// under the run context.
	watchdog := e.clk.NewTimer(e.cfg.RunTimeout)
	stop := make(chan struct{})
	go func() {
		select {
		case <-watchdog.C():
			e.logger.Warn("Run deadline exceeded",
				"run", run.ID(),
				"timeout", e.cfg.RunTimeout)
			run.addWarning(fmt.Sprintf("run deadline %s exceeded", e.cfg.RunTimeout))
			run.cancel()
		case <-stop:
		}
	}()

	res, err := e.drive(run)
	close(stop)
	watchdog.Stop()

	e.mu.Lock()
	delete(e.runs, run.ID())
	e.mu.Unlock()

	fut.resolve(res, err)
	if err != nil {
		e.metrics.ObserveRun("error", e.clk.Since(run.startedAt))
		e.logger.Warn("Run failed",
			"run", run.ID(),
			"error", err)
		return
	}
	e.metrics.ObserveRun(string(res.Decision), res.Duration)
	e.logger.Info("Run completed",
		"run", run.ID(),
		"decision", res.Decision,
		"findings", res.Totals.Findings,
		"duration", res.Duration)
}

func (e *Engine) drive(run *Run) (*Result, error) {
	plan, err := e.route(run)
	if err != nil {
		return nil, err
	}

	tasks := e.buildTasks(run, plan)
	if err := e.advance(run, PhaseDispatch); err != nil {
		return nil, err
	}
	if plan.Strategy == router.StrategySequential {
		err = e.dispatchSequential(run, tasks)
	} else {
		err = e.dispatchParallel(run, tasks)
	}
	if err != nil {
		return nil, err
	}

	if err := e.advance(run, PhaseSynthesize); err != nil {
		return nil, err
	}
	synthErr, err := e.synthesize(run, plan)
	if err != nil {
		return nil, err
	}

	if err := e.advance(run, PhaseGate); err != nil {
		return nil, err
	}
	decision, critical, recs := e.gateVerdict(run, synthErr)
	decision, critical = e.awaitApproval(run, decision, critical)

	if err := e.advance(run, PhaseFinalize); err != nil {
		return nil, err
	}
	return e.finalize(run, decision, critical, recs), nil
}

// route runs ROUTE: plan the run against the live health snapshot and
// announce it.
func (e *Engine) route(run *Run) (*router.Plan, error) {
	health := e.registry.SnapshotHealth()
	plan, err := e.router.Plan(run.event, health)
	if err != nil {
		return nil, fmt.Errorf("route run %s: %w", run.ID(), err)
	}
	run.setPlan(plan)
	if plan.Fallback {
		run.addWarning("routing used emergency fallback")
	}
	e.logger.Info("Run routed",
		"run", run.ID(),
		"workers", len(plan.Assignments),
		"strategy", plan.Strategy,
		"confidence", plan.Confidence,
		"cached", plan.Cached)

	payload := map[string]any{
		"repository": run.event.Repository,
		"branch":     run.event.Branch,
		"commit":     run.event.Commit,
		"strategy":   plan.Strategy,
		"workers":    len(plan.Assignments),
	}
	e.hub.Publish(Event{Name: EventRunStarted, RunID: run.ID(), At: e.clk.Now(), Payload: payload})
	e.broadcast(run.ctx, EventRunStarted, payload)
	return plan, nil
}

// buildTasks creates one task per analysis assignment. The synthesizer
// is not dispatched here; it runs in SYNTHESIZE over the collected
// artifacts.
func (e *Engine) buildTasks(run *Run, plan *router.Plan) []*Task {
	tctx := protocol.TaskContext{
		RepoRoot: e.cfg.RepoRoot,
		Commit:   run.event.Commit,
		Branch:   run.event.Branch,
	}
	tasks := make([]*Task, 0, len(plan.Assignments))
	for _, a := range plan.Assignments {
		if a.Worker == agent.Synthesizer {
			continue
		}
		t := &Task{
			ID:       uuid.NewString(),
			Target:   a.Worker,
			Scope:    a.Scope,
			Context:  tctx,
			Output:   e.reportPath(run.ID(), a.Worker),
			Config:   map[string]any{"run_id": run.ID()},
			Deadline: e.cfg.taskTimeoutFor(a.Worker),
		}
		run.addTask(t)
		tasks = append(tasks, t)
	}
	return tasks
}

// dispatchParallel sends every task concurrently and collects as the
// futures resolve. COLLECT begins once all sends are out, while
// earlier tasks may already be resolving.
func (e *Engine) dispatchParallel(run *Run, tasks []*Task) error {
	g, ctx := errgroup.WithContext(run.ctx)

	var sends sync.WaitGroup
	sends.Add(len(tasks))
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			return e.runTask(ctx, run, t, &sends)
		})
	}
	sends.Wait()
	if err := e.advance(run, PhaseCollect); err != nil {
		return err
	}
	return g.Wait()
}

// dispatchSequential sends one task at a time, awaiting each before
// the next. COLLECT is entered once the last future resolves.
func (e *Engine) dispatchSequential(run *Run, tasks []*Task) error {
	for _, t := range tasks {
		if err := e.runTask(run.ctx, run, t, nil); err != nil {
			return err
		}
	}
	return e.advance(run, PhaseCollect)
}

// runTask drives one task end to end under its target's dispatch
// breaker: deliver, await up to twice the worker deadline, record the
// terminal outcome. Only Fatal errors propagate; everything else
// attaches to the run. sends, when non-nil, is released as soon as the
// send completes or is refused.
func (e *Engine) runTask(ctx context.Context, run *Run, t *Task, sends *sync.WaitGroup) error {
	var sendOnce sync.Once
	markSent := func() {
		if sends != nil {
			sendOnce.Do(sends.Done)
		}
	}
	defer markSent()

	br := e.breakers.Get("dispatch." + string(t.Target))
	var res TaskResult
	err := br.Execute(ctx, func(ctx context.Context) error {
		d, derr := e.dispatch.Deliver(ctx, t.ID, t.Target, t.wireData())
		markSent()
		if derr != nil {
			return derr
		}
		run.markRunning(t.ID)
		e.hub.Publish(Event{
			Name:  EventTaskDispatched,
			RunID: run.ID(),
			Agent: t.Target,
			At:    e.clk.Now(),
			Payload: map[string]any{
				"task":  t.ID,
				"scope": len(t.Scope),
			},
		})

		reply, aerr := e.awaitDelivery(ctx, d, t)
		if aerr != nil {
			return aerr
		}
		res = resultFromReply(t, reply)
		return nil
	}, resilience.WithoutRetry())

	if err != nil {
		res = TaskResult{
			TaskID: t.ID,
			Target: t.Target,
			Status: statusFromError(err),
			Err:    err.Error(),
		}
		run.addError(fmt.Errorf("task %s on %s: %w", t.ID, t.Target, err))
	}
	if run.recordResult(res) {
		e.hub.Publish(Event{
			Name:  EventTaskCompleted,
			RunID: run.ID(),
			Agent: t.Target,
			At:    e.clk.Now(),
			Payload: map[string]any{
				"task":   t.ID,
				"status": string(res.Status),
			},
		})
		e.logger.Info("Task collected",
			"run", run.ID(),
			"task", t.ID,
			"agent", t.Target,
			"status", res.Status)
	}

	if fault.Is(err, fault.Fatal) {
		return err
	}
	return nil
}

// awaitDelivery races the task future against twice the worker
// deadline, leaving the worker's own timeout reply room to arrive
// first.
func (e *Engine) awaitDelivery(ctx context.Context, d agent.Delivery, t *Task) (*protocol.ResultData, error) {
	limit := 2 * t.Deadline
	timer := e.clk.NewTimer(limit)
	defer timer.Stop()

	type reply struct {
		res *protocol.ResultData
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		r, err := d.Await(ctx)
		ch <- reply{res: r, err: err}
	}()

	select {
	case rp := <-ch:
		return rp.res, rp.err
	case <-timer.C():
		d.Abort(fault.Errorf(fault.WorkerTimeout, "task %s overran its %s collection window", t.ID, limit))
		rp := <-ch
		return rp.res, rp.err
	}
}

func resultFromReply(t *Task, rd *protocol.ResultData) TaskResult {
	status := statusFromWire(rd.Status)
	res := TaskResult{
		TaskID:  t.ID,
		Target:  t.Target,
		Status:  status,
		Results: rd.Results,
		KPIs:    rd.KPIs,
		Err:     rd.Error,
	}
	if reported := stringsFromAny(rd.Results["artifacts"]); len(reported) > 0 {
		res.Artifacts = reported
	} else if status == TaskDone && t.Output != "" {
		res.Artifacts = []string{t.Output}
	}
	return res
}

// synthesize runs SYNTHESIZE: dispatch the synthesizer over the
// collected artifacts. The returned synthErr records a synthesis
// problem for the gate; the second error aborts the run.
func (e *Engine) synthesize(run *Run, plan *router.Plan) (synthErr error, fatal error) {
	if !plan.Has(agent.Synthesizer) {
		run.addWarning("no synthesizer planned; gating on raw worker results")
		return nil, nil
	}

	artifacts, statuses := collectedArtifacts(run.Results())
	if len(artifacts) == 0 {
		return fault.Errorf(fault.WorkerUnavailable, "no analysis artifacts to synthesize"), nil
	}

	t := &Task{
		ID:     uuid.NewString(),
		Target: agent.Synthesizer,
		Scope:  plan.Scope(agent.Synthesizer),
		Context: protocol.TaskContext{
			RepoRoot: e.cfg.RepoRoot,
			Commit:   run.event.Commit,
			Branch:   run.event.Branch,
		},
		Output: e.reportPath(run.ID(), agent.Synthesizer),
		Config: map[string]any{
			"run_id":        run.ID(),
			"artifacts":     artifacts,
			"contributions": statuses,
		},
		Deadline: e.cfg.taskTimeoutFor(agent.Synthesizer),
	}
	run.addTask(t)
	if err := e.runTask(run.ctx, run, t, nil); err != nil {
		return nil, err
	}

	res, ok := run.Results()[t.ID]
	if !ok {
		return fault.Errorf(fault.Fatal, "synthesizer task %s has no recorded result", t.ID), nil
	}
	if res.Status != TaskDone {
		detail := res.Err
		if detail == "" {
			detail = string(res.Status)
		}
		return fmt.Errorf("synthesizer %s: %s", res.Status, detail), nil
	}
	return nil, nil
}

// collectedArtifacts gathers artifact paths from successful tasks and
// the per-worker status table handed to the synthesizer.
func collectedArtifacts(results map[string]TaskResult) ([]string, map[string]string) {
	var artifacts []string
	statuses := make(map[string]string, len(results))
	for _, res := range results {
		statuses[string(res.Target)] = string(res.Status)
		if res.Status == TaskDone {
			artifacts = append(artifacts, res.Artifacts...)
		}
	}
	return artifacts, statuses
}

// gateVerdict computes the GATE decision: approve iff no findings and
// no blocking failures; findings alone request changes; blocking
// failures, synthesis problems, or cancellation need work.
func (e *Engine) gateVerdict(run *Run, synthErr error) (Decision, []string, []string) {
	var critical []string
	var recs []string
	findings := 0
	blocking := false

	for _, res := range run.Results() {
		findings += res.KPIs.Findings
		switch res.Status {
		case TaskFailed, TaskTimeout:
			if severityAtLeast(res.severity(), e.cfg.BlockingSeverity) {
				blocking = true
				critical = append(critical, fmt.Sprintf("%s analysis %s: %s", res.Target, res.Status, orUnknown(res.Err)))
			} else {
				run.addWarning(fmt.Sprintf("%s analysis %s below blocking severity", res.Target, res.Status))
			}
		case TaskCancelled:
			run.addWarning(fmt.Sprintf("%s analysis cancelled", res.Target))
		case TaskDone:
			if res.Target == agent.Synthesizer {
				critical = append(critical, stringsFromAny(res.Results["critical_issues"])...)
				recs = append(recs, stringsFromAny(res.Results["recommendations"])...)
			}
		}
	}

	if synthErr != nil {
		blocking = true
		critical = append(critical, fmt.Sprintf("synthesis failed: %v", synthErr))
	}
	if run.ctx.Err() != nil {
		blocking = true
		critical = append(critical, "run cancelled before completion")
	}

	switch {
	case blocking:
		return DecisionNeedsWork, critical, recs
	case findings > 0:
		return DecisionRequestChanges, critical, recs
	default:
		return DecisionApprove, critical, recs
	}
}

// awaitApproval suspends the run at GATE when the configured critical
// operation requires signoff. A rejected, expired, or cancelled
// request downgrades the decision to needs_work. A verdict that is
// already needs_work blocks on its own, so no request is opened.
func (e *Engine) awaitApproval(run *Run, decision Decision, critical []string) (Decision, []string) {
	if e.gate == nil || decision == DecisionNeedsWork || run.ctx.Err() != nil {
		return decision, critical
	}
	payload := map[string]any{
		"branch":     run.event.Branch,
		"repository": run.event.Repository,
		"commit":     run.event.Commit,
		"run_id":     run.ID(),
	}
	if !e.gate.RequiresApproval(e.cfg.ApprovalKind, payload) {
		return decision, critical
	}

	req, err := e.gate.CreateRequest(e.cfg.ApprovalKind, payload, run.event.Author)
	if err != nil {
		run.addError(fmt.Errorf("open approval request: %w", err))
		return DecisionNeedsWork, append(critical, fmt.Sprintf("approval request not opened: %v", err))
	}
	e.logger.Info("Run awaiting approval",
		"run", run.ID(),
		"request", req.ID,
		"kind", req.Kind,
		"required", req.Required)

	if err := e.gate.Await(run.ctx, req.ID); err != nil {
		run.addError(err)
		return DecisionNeedsWork, append(critical, fmt.Sprintf("%s not approved: %v", e.cfg.ApprovalKind, err))
	}
	return decision, critical
}

// finalize builds the Result and publishes completion.
func (e *Engine) finalize(run *Run, decision Decision, critical []string, recs []string) *Result {
	contribs := contributions(run.Results())
	tot := totals(contribs)

	warnings := run.snapshotWarnings()
	if e.cfg.TokenBudgetWarn > 0 && tot.Tokens > e.cfg.TokenBudgetWarn {
		warnings = append(warnings, fmt.Sprintf("token budget exceeded: %d > %d", tot.Tokens, e.cfg.TokenBudgetWarn))
	}
	if e.cfg.LatencyBudgetWarn > 0 {
		for _, c := range contribs {
			if c.LatencyMS > e.cfg.LatencyBudgetWarn.Milliseconds() {
				warnings = append(warnings, fmt.Sprintf("%s exceeded latency budget: %dms", c.Worker, c.LatencyMS))
			}
		}
	}

	failed := 0
	for _, c := range contribs {
		if c.Status != TaskDone {
			failed++
		}
	}

	var errs []string
	for _, err := range run.snapshotErrs() {
		errs = append(errs, err.Error())
	}

	res := &Result{
		RunID:           run.ID(),
		Decision:        decision,
		Summary:         summarize(decision, tot, failed),
		CriticalIssues:  critical,
		Recommendations: recs,
		Contributions:   contribs,
		Totals:          tot,
		Errors:          errs,
		Warnings:        warnings,
		Duration:        e.clk.Since(run.startedAt),
	}

	payload := map[string]any{
		"decision": string(decision),
		"findings": tot.Findings,
		"workers":  tot.Workers,
	}
	e.hub.Publish(Event{Name: EventRunCompleted, RunID: run.ID(), At: e.clk.Now(), Payload: payload})
	e.broadcast(context.Background(), EventRunCompleted, payload)
	return res
}

func (e *Engine) advance(run *Run, to Phase) error {
	now := e.clk.Now()
	prev := run.Phase()
	elapsed, err := run.advance(to, now)
	if err != nil {
		return err
	}
	e.metrics.ObservePhase(prev.String(), elapsed)
	e.logger.Debug("Phase advanced",
		"run", run.ID(),
		"from", prev,
		"to", to)
	return nil
}

func (e *Engine) broadcast(ctx context.Context, event string, payload map[string]any) {
	if e.bcast == nil {
		return
	}
	if err := e.bcast.Broadcast(ctx, event, payload); err != nil {
		e.logger.Debug("Run event broadcast failed",
			"event", event,
			"error", err)
	}
}

func (e *Engine) reportPath(runID string, id agent.Identity) string {
	return filepath.Join(e.cfg.ReportsDir, runID, string(id)+".json")
}

func stringsFromAny(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "no detail reported"
	}
	return s
}
