package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
	"github.com/c360studio/semcrew/resilience"
	"github.com/c360studio/semcrew/review"
	"github.com/c360studio/semcrew/worker"
)

type engineHarness struct {
	engine *Engine
	mock   *worker.Mock
	clk    *clock.Fake
	cfg    Config
}

func newTestEngine(t *testing.T, mutate func(*Config, *Deps)) *engineHarness {
	t.Helper()
	clk := clock.NewFake()
	reg := agent.NewRegistry(clk, nil, nil)
	for _, id := range agent.Identities() {
		reg.Install(agent.Registration{Identity: id, PID: 4242, Version: "1.0.0", TaskLimit: 8})
	}
	mock := worker.NewMock()

	cfg := DefaultConfig()
	deps := Deps{
		Dispatcher: mock,
		Registry:   reg,
		Breakers:   resilience.NewRegistry(resilience.DefaultBreakerConfig(), clk, nil, nil),
		Clock:      clk,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	e := New(cfg, deps)
	t.Cleanup(func() { _ = e.Stop() })
	return &engineHarness{engine: e, mock: mock, clk: clk, cfg: e.cfg}
}

func (h *engineHarness) scriptClean(ids ...agent.Identity) {
	if len(ids) == 0 {
		ids = agent.Identities()
	}
	for _, id := range ids {
		h.mock.Script(id, doneResult(0, 500))
	}
}

func (h *engineHarness) callTargets() []agent.Identity {
	calls := h.mock.Calls()
	out := make([]agent.Identity, len(calls))
	for i, c := range calls {
		out[i] = c.Target
	}
	return out
}

func (h *engineHarness) callFor(t *testing.T, target agent.Identity) worker.MockCall {
	t.Helper()
	for _, c := range h.mock.Calls() {
		if c.Target == target {
			return c
		}
	}
	t.Fatalf("no dispatch recorded for %s", target)
	return worker.MockCall{}
}

func (h *engineHarness) eventuallyDispatched(t *testing.T, target agent.Identity) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range h.mock.Calls() {
			if c.Target == target {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func doneResult(findings, tokens int) protocol.ResultData {
	return protocol.ResultData{
		Status: protocol.StatusDone,
		KPIs:   protocol.KPIs{Findings: findings, Tokens: tokens, LatencyMS: 1200},
	}
}

func pushEvent(branch string, files ...review.FileChange) *review.ChangeEvent {
	return &review.ChangeEvent{
		Repository: "acme/checkout",
		Branch:     branch,
		Commit:     "4e9d2af",
		Author:     "rivera",
		Files:      files,
		Timestamp:  time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func file(path string, lines int) review.FileChange {
	return review.FileChange{Path: path, LinesAdded: lines}
}

func smallEvent() *review.ChangeEvent {
	return pushEvent("feature/checkout-totals",
		file("internal/cart/totals.go", 28),
		file("internal/cart/totals_test.go", 41),
		file("internal/cart/discount.go", 9),
	)
}

func manifestEvent() *review.ChangeEvent {
	return pushEvent("feature/lockfile-bump",
		file("web/package-lock.json", 120),
		file("web/cart.js", 30),
	)
}

func largeEvent() *review.ChangeEvent {
	files := []review.FileChange{file("go.mod", 6)}
	for i := 0; i < 24; i++ {
		files = append(files, file(fmt.Sprintf("internal/svc/handler_%02d.go", i), 33))
	}
	return pushEvent("refactor/service-split", files...)
}

func awaitRun(t *testing.T, fut *RunFuture) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Await(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func contribFor(t *testing.T, res *Result, id agent.Identity) Contribution {
	t.Helper()
	for _, c := range res.Contributions {
		if c.Worker == id {
			return c
		}
	}
	t.Fatalf("no contribution from %s", id)
	return Contribution{}
}

func TestEngine_CleanRunApproved(t *testing.T) {
	h := newTestEngine(t, nil)
	h.mock.Script(agent.Quality, doneResult(0, 900))
	h.mock.Script(agent.Synthesizer, protocol.ResultData{
		Status:  protocol.StatusDone,
		Results: map[string]any{"recommendations": []any{"add a benchmark for totals"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, smallEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Empty(t, res.CriticalIssues)
	assert.Equal(t, []string{"add a benchmark for totals"}, res.Recommendations)
	assert.Equal(t, 2, res.Totals.Workers)
	assert.Contains(t, res.Summary, "Approved")

	require.Equal(t, []agent.Identity{agent.Quality, agent.Synthesizer}, h.callTargets())
	call := h.callFor(t, agent.Quality)
	assert.Equal(t, "feature/checkout-totals", call.Data.Context.Branch)
	assert.Equal(t, "4e9d2af", call.Data.Context.Commit)
	assert.Equal(t, h.cfg.DefaultTaskTimeout.Milliseconds(), call.Data.DeadlineMS)

	q := contribFor(t, res, agent.Quality)
	assert.Equal(t, TaskDone, q.Status)
	assert.Equal(t, []string{filepath.Join("reports", res.RunID, "quality.json")}, q.Artifacts)
}

func TestEngine_ManifestAddsSecurityWithManifestScope(t *testing.T) {
	h := newTestEngine(t, nil)
	h.scriptClean()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, manifestEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	require.Equal(t, []agent.Identity{agent.Security, agent.Quality, agent.Synthesizer}, h.callTargets())
	assert.Equal(t, []string{"web/package-lock.json"}, h.callFor(t, agent.Security).Data.Scope)
	assert.Equal(t, []string{"web/package-lock.json", "web/cart.js"}, h.callFor(t, agent.Quality).Data.Scope)
}

func TestEngine_FindingsRequestChanges(t *testing.T) {
	h := newTestEngine(t, nil)
	h.mock.Script(agent.Quality, doneResult(3, 700))
	h.mock.Script(agent.Synthesizer, protocol.ResultData{
		Status: protocol.StatusDone,
		Results: map[string]any{
			"critical_issues": []any{"unvalidated discount code in cart handler"},
			"recommendations": []any{"validate discount codes server side"},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, smallEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionRequestChanges, res.Decision)
	assert.Equal(t, 3, res.Totals.Findings)
	assert.Equal(t, []string{"unvalidated discount code in cart handler"}, res.CriticalIssues)
	assert.Equal(t, []string{"validate discount codes server side"}, res.Recommendations)
	assert.Contains(t, res.Summary, "Changes requested")
}

func TestEngine_LargeChangeRunsParallel(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config, _ *Deps) {
		cfg.TaskTimeouts = map[agent.Identity]time.Duration{agent.Architecture: 5 * time.Minute}
	})
	h.scriptClean()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, largeEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Equal(t, 4, res.Totals.Workers)

	calls := h.mock.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, agent.Synthesizer, calls[3].Target)
	assert.ElementsMatch(t,
		[]agent.Identity{agent.Security, agent.Architecture, agent.Quality},
		[]agent.Identity{calls[0].Target, calls[1].Target, calls[2].Target})

	assert.Equal(t, int64(5*time.Minute/time.Millisecond), h.callFor(t, agent.Architecture).Data.DeadlineMS)
	assert.Equal(t, h.cfg.DefaultTaskTimeout.Milliseconds(), h.callFor(t, agent.Quality).Data.DeadlineMS)

	workers := make([]agent.Identity, len(res.Contributions))
	for i, c := range res.Contributions {
		workers[i] = c.Worker
	}
	assert.Equal(t, []agent.Identity{agent.Architecture, agent.Quality, agent.Security, agent.Synthesizer}, workers)
}

func TestEngine_WorkerTimeoutNeedsWork(t *testing.T) {
	h := newTestEngine(t, nil)
	h.mock.Script(agent.Security, doneResult(0, 400))
	h.mock.Script(agent.Synthesizer, doneResult(0, 300))
	// quality is never scripted and never completed: its worker is gone

	fut, err := h.engine.SubmitAsync(context.Background(), manifestEvent())
	require.NoError(t, err)

	h.eventuallyDispatched(t, agent.Quality)
	h.clk.BlockUntil(2)
	h.clk.Advance(2 * h.cfg.DefaultTaskTimeout)

	res := awaitRun(t, fut)
	assert.Equal(t, DecisionNeedsWork, res.Decision)

	q := contribFor(t, res, agent.Quality)
	assert.Equal(t, TaskTimeout, q.Status)
	assert.Contains(t, q.Err, "overran")

	found := false
	for _, issue := range res.CriticalIssues {
		if strings.Contains(issue, "quality analysis timeout") {
			found = true
		}
	}
	assert.True(t, found, "critical issues should name the lost quality analysis: %v", res.CriticalIssues)

	// Synthesis still ran over what was collected.
	synth := h.callFor(t, agent.Synthesizer)
	artifacts, ok := synth.Data.Config["artifacts"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{filepath.Join("reports", fut.RunID(), "security.json")}, artifacts)
	statuses, ok := synth.Data.Config["contributions"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "timeout", statuses["quality"])
	assert.Equal(t, "done", statuses["security"])
}

func TestEngine_SendErrorContinuesRun(t *testing.T) {
	h := newTestEngine(t, nil)
	h.mock.ScriptError(agent.Security, fault.Errorf(fault.Transient, "dial unix: connection refused"))
	h.mock.Script(agent.Quality, doneResult(0, 500))
	h.mock.Script(agent.Synthesizer, doneResult(0, 200))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, manifestEvent())
	require.NoError(t, err)

	// The failed send blocks the gate but not the rest of the run.
	assert.Equal(t, DecisionNeedsWork, res.Decision)
	assert.Equal(t, TaskFailed, contribFor(t, res, agent.Security).Status)
	assert.Equal(t, TaskDone, contribFor(t, res, agent.Quality).Status)
	assert.Equal(t, TaskDone, contribFor(t, res, agent.Synthesizer).Status)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "on security")
}

func TestEngine_LowSeverityFailureDoesNotBlock(t *testing.T) {
	h := newTestEngine(t, nil)
	h.mock.Script(agent.Security, protocol.ResultData{
		Status:  protocol.StatusFailed,
		Error:   "lint backend crashed",
		Results: map[string]any{"severity": "low"},
	})
	h.mock.Script(agent.Quality, doneResult(0, 500))
	h.mock.Script(agent.Synthesizer, doneResult(0, 200))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, manifestEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Empty(t, res.CriticalIssues)
	assert.Contains(t, res.Warnings, "security analysis failed below blocking severity")
}

func TestEngine_BreakerTripsAndFastFails(t *testing.T) {
	h := newTestEngine(t, func(_ *Config, deps *Deps) {
		deps.Breakers = resilience.NewRegistry(
			resilience.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute},
			deps.Clock, nil, nil)
	})
	h.mock.ScriptError(agent.Quality, fault.Errorf(fault.Transient, "dial unix: connection refused"))

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := h.engine.Submit(ctx, smallEvent())
		cancel()
		require.NoError(t, err)
		assert.Equal(t, DecisionNeedsWork, res.Decision)
	}
	delivered := len(h.mock.Calls())

	stats := h.engine.Health().Breakers["dispatch.quality"]
	assert.Equal(t, resilience.StateOpen, stats.State)

	// With the breaker open the next run fails fast without touching
	// the transport.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, smallEvent())
	require.NoError(t, err)
	assert.Equal(t, DecisionNeedsWork, res.Decision)
	assert.Equal(t, delivered, len(h.mock.Calls()))
	assert.Contains(t, contribFor(t, res, agent.Quality).Err, "is open")
}

func approvalGate(deps *Deps) *approval.Gate {
	return approval.New(approval.Config{
		Policies: []approval.Policy{{
			Kind:      "production_merge",
			Approvers: 2,
			Timeout:   time.Hour,
			Roles:     []string{"admin", "ops"},
			Conditions: []approval.Condition{
				{Field: "branch", In: []string{"main", "production"}},
			},
		}},
	}, deps.Clock, nil, nil)
}

func TestEngine_ProductionMergeAwaitsApproval(t *testing.T) {
	h := newTestEngine(t, func(_ *Config, deps *Deps) {
		deps.Gate = approvalGate(deps)
	})
	h.scriptClean()

	fut, err := h.engine.SubmitAsync(context.Background(), pushEvent("main", file("internal/cart/totals.go", 12)))
	require.NoError(t, err)

	var reqID string
	require.Eventually(t, func() bool {
		for _, r := range h.engine.gate.List() {
			if r.State == approval.StatePending {
				reqID = r.ID
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, h.engine.Health().PendingApprovals)

	require.NoError(t, h.engine.gate.Approve(reqID, "alice", "admin", "reviewed"))
	require.NoError(t, h.engine.gate.Approve(reqID, "bob", "ops", "deploy window open"))

	res := awaitRun(t, fut)
	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Empty(t, res.CriticalIssues)
}

func TestEngine_ApprovalRejectionNeedsWork(t *testing.T) {
	h := newTestEngine(t, func(_ *Config, deps *Deps) {
		deps.Gate = approvalGate(deps)
	})
	h.scriptClean()

	fut, err := h.engine.SubmitAsync(context.Background(), pushEvent("production", file("internal/cart/totals.go", 12)))
	require.NoError(t, err)

	var reqID string
	require.Eventually(t, func() bool {
		for _, r := range h.engine.gate.List() {
			if r.State == approval.StatePending {
				reqID = r.ID
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.engine.gate.Reject(reqID, "bob", "ops", "incident in progress"))

	res := awaitRun(t, fut)
	assert.Equal(t, DecisionNeedsWork, res.Decision)
	require.NotEmpty(t, res.CriticalIssues)
	assert.Contains(t, res.CriticalIssues[0], "production_merge not approved")
}

func TestEngine_FeatureBranchSkipsApproval(t *testing.T) {
	h := newTestEngine(t, func(_ *Config, deps *Deps) {
		deps.Gate = approvalGate(deps)
	})
	h.scriptClean()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, smallEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Empty(t, h.engine.gate.List())
}

func TestEngine_CollectOverlapsInFlightTasks(t *testing.T) {
	h := newTestEngine(t, nil)
	h.mock.Script(agent.Synthesizer, doneResult(0, 200))

	fut, err := h.engine.SubmitAsync(context.Background(), largeEvent())
	require.NoError(t, err)

	// All three analysis sends go out before COLLECT begins.
	require.Eventually(t, func() bool {
		return len(h.mock.Pending()) == 3
	}, 2*time.Second, time.Millisecond)
	run, ok := h.engine.Run(fut.RunID())
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return run.Phase() == PhaseCollect
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, run.OpenTasks())

	// One result lands while the others are still in flight.
	secTask := h.callFor(t, agent.Security).TaskID
	require.True(t, h.mock.Complete(secTask, doneResult(1, 350)))
	require.Eventually(t, func() bool {
		return run.OpenTasks() == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, PhaseCollect, run.Phase())
	assert.Len(t, run.Results(), 1)

	require.True(t, h.mock.Complete(h.callFor(t, agent.Quality).TaskID, doneResult(0, 300)))
	require.True(t, h.mock.Complete(h.callFor(t, agent.Architecture).TaskID, doneResult(0, 410)))

	res := awaitRun(t, fut)
	assert.Equal(t, DecisionRequestChanges, res.Decision)
	assert.Equal(t, 1, res.Totals.Findings)
}

func TestEngine_CancelAbortsRun(t *testing.T) {
	h := newTestEngine(t, nil)
	// quality never resolves on its own

	fut, err := h.engine.SubmitAsync(context.Background(), smallEvent())
	require.NoError(t, err)
	h.eventuallyDispatched(t, agent.Quality)

	require.True(t, h.engine.Cancel(fut.RunID()))
	res := awaitRun(t, fut)

	assert.Equal(t, DecisionNeedsWork, res.Decision)
	assert.Contains(t, res.CriticalIssues, "run cancelled before completion")
	assert.Equal(t, TaskCancelled, contribFor(t, res, agent.Quality).Status)

	// The run is gone; cancelling again changes nothing.
	assert.False(t, h.engine.Cancel(fut.RunID()))
	assert.False(t, h.engine.Cancel("no-such-run"))
}

func TestEngine_RunDeadlineCancelsRun(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config, _ *Deps) {
		// Task deadline past the run deadline so only the run watchdog
		// can fire.
		cfg.DefaultTaskTimeout = 20 * time.Minute
	})
	h.mock.Script(agent.Synthesizer, doneResult(0, 200))

	fut, err := h.engine.SubmitAsync(context.Background(), smallEvent())
	require.NoError(t, err)
	h.eventuallyDispatched(t, agent.Quality)

	h.clk.BlockUntil(2)
	h.clk.Advance(h.cfg.RunTimeout)

	res := awaitRun(t, fut)
	assert.Equal(t, DecisionNeedsWork, res.Decision)
	assert.Contains(t, res.Warnings, "run deadline 30m0s exceeded")
	assert.Equal(t, TaskCancelled, contribFor(t, res, agent.Quality).Status)
}

func TestEngine_FallbackPlanSkipsSynthesis(t *testing.T) {
	h := newTestEngine(t, func(_ *Config, deps *Deps) {
		solo := agent.NewRegistry(deps.Clock, nil, nil)
		solo.Install(agent.Registration{Identity: agent.Observability, PID: 7, Version: "1.0.0", TaskLimit: 4})
		deps.Registry = solo
	})
	h.mock.Script(agent.Observability, doneResult(0, 150))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.Submit(ctx, smallEvent())
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Equal(t, 1, res.Totals.Workers)
	assert.Equal(t, agent.Observability, res.Contributions[0].Worker)
	assert.Contains(t, res.Warnings, "routing used emergency fallback")
	assert.Contains(t, res.Warnings, "no synthesizer planned; gating on raw worker results")
}

func TestEngine_SubmitValidatesEvent(t *testing.T) {
	h := newTestEngine(t, nil)

	ev := smallEvent()
	ev.Commit = ""
	_, err := h.engine.Submit(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProtocolViolation))
	assert.Equal(t, 0, h.engine.Health().ActiveRuns)
}

func TestEngine_SubmitAfterStopFails(t *testing.T) {
	h := newTestEngine(t, nil)
	require.NoError(t, h.engine.Stop())

	_, err := h.engine.SubmitAsync(context.Background(), smallEvent())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Cancelled))
}

func TestEngine_StopCancelsActiveRuns(t *testing.T) {
	h := newTestEngine(t, nil)
	// quality never resolves

	fut, err := h.engine.SubmitAsync(context.Background(), smallEvent())
	require.NoError(t, err)
	h.eventuallyDispatched(t, agent.Quality)

	require.NoError(t, h.engine.Stop())
	res := awaitRun(t, fut)
	assert.Equal(t, DecisionNeedsWork, res.Decision)
	assert.Equal(t, 0, h.engine.Health().ActiveRuns)
	require.NoError(t, h.engine.Stop())
}

type castRecorder struct {
	mu     sync.Mutex
	events []string
}

func (c *castRecorder) Broadcast(_ context.Context, event string, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *castRecorder) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestEngine_PublishesRunLifecycle(t *testing.T) {
	recorder := &castRecorder{}
	h := newTestEngine(t, func(_ *Config, deps *Deps) {
		deps.Broadcaster = recorder
	})
	h.scriptClean()

	events, cancelSub := h.engine.Events().Subscribe(32)
	defer cancelSub()

	fut, err := h.engine.SubmitAsync(context.Background(), smallEvent())
	require.NoError(t, err)
	awaitRun(t, fut)

	var names []string
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			require.Equal(t, fut.RunID(), ev.RunID)
			names = append(names, ev.Name)
			if ev.Name == EventRunCompleted {
				break collect
			}
		case <-deadline:
			t.Fatalf("run_completed never arrived; saw %v", names)
		}
	}
	assert.Equal(t, []string{
		EventRunStarted,
		EventTaskDispatched, EventTaskCompleted,
		EventTaskDispatched, EventTaskCompleted,
		EventRunCompleted,
	}, names)

	assert.Contains(t, recorder.names(), EventRunStarted)
	assert.Contains(t, recorder.names(), EventRunCompleted)
}
