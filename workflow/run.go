package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/review"
	"github.com/c360studio/semcrew/router"
)

// Phase of a run. Phases only move forward; a backward transition is an
// invariant breach.
type Phase int

const (
	PhaseRoute Phase = iota
	PhaseDispatch
	PhaseCollect
	PhaseSynthesize
	PhaseGate
	PhaseFinalize
)

var phaseNames = [...]string{"route", "dispatch", "collect", "synthesize", "gate", "finalize"}

func (p Phase) String() string {
	if p < PhaseRoute || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Run is the mutable state of one workflow run, created at ROUTE and
// discarded at FINALIZE. The engine goroutine driving the run owns it;
// everyone else reads snapshots.
type Run struct {
	id    string
	event *review.ChangeEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	phaseAt   time.Time
	plan      *router.Plan
	tasks     map[string]*Task
	statuses  map[string]TaskStatus
	results   map[string]TaskResult
	errs      []error
	warnings  []string
	startedAt time.Time
}

func newRun(ctx context.Context, cancel context.CancelFunc, id string, event *review.ChangeEvent, startedAt time.Time) *Run {
	return &Run{
		id:        id,
		event:     event,
		ctx:       ctx,
		cancel:    cancel,
		phase:     PhaseRoute,
		phaseAt:   startedAt,
		tasks:     make(map[string]*Task),
		statuses:  make(map[string]TaskStatus),
		results:   make(map[string]TaskResult),
		startedAt: startedAt,
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Event returns the change event that started the run.
func (r *Run) Event() *review.ChangeEvent {
	return r.event
}

// Phase returns the current phase.
func (r *Run) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// advance moves the run to phase to and reports how long the previous
// phase took. Moving backward or standing still is Fatal.
func (r *Run) advance(to Phase, now time.Time) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to <= r.phase {
		return 0, fault.Errorf(fault.Fatal, "run %s: phase %s cannot follow %s", r.id, to, r.phase)
	}
	elapsed := now.Sub(r.phaseAt)
	r.phase = to
	r.phaseAt = now
	return elapsed, nil
}

func (r *Run) setPlan(plan *router.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plan = plan
}

// Plan returns the routing plan, nil before ROUTE completes.
func (r *Run) Plan() *router.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan
}

func (r *Run) addTask(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	r.statuses[t.ID] = TaskPending
}

func (r *Run) markRunning(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses[taskID] == TaskPending {
		r.statuses[taskID] = TaskRunning
	}
}

// recordResult stores the terminal outcome of a task. Later results
// for the same task are dropped; the first terminal status wins.
func (r *Run) recordResult(res TaskResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.statuses[res.TaskID]; !ok || cur.Terminal() {
		return false
	}
	r.statuses[res.TaskID] = res.Status
	r.results[res.TaskID] = res
	return true
}

func (r *Run) addError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *Run) addWarning(w string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

// OpenTasks counts tasks that are not yet terminal.
func (r *Run) OpenTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.statuses {
		if !st.Terminal() {
			n++
		}
	}
	return n
}

// Results returns the collected terminal results keyed by task id.
func (r *Run) Results() map[string]TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]TaskResult, len(r.results))
	for id, res := range r.results {
		out[id] = res
	}
	return out
}

func (r *Run) snapshotErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *Run) snapshotWarnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}
