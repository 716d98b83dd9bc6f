package router

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/review"
)

// Strategy values for a routing plan. Hybrid is accepted by the engine
// for hand-written plans; the deduction below only emits parallel or
// sequential.
const (
	StrategyParallel   = "parallel"
	StrategySequential = "sequential"
	StrategyHybrid     = "hybrid"
)

const (
	baseConfidence = 0.5
	ruleConfidence = 0.1
	maxConfidence  = 0.95
)

// Assignment is one worker in the plan with the files it should read.
type Assignment struct {
	Worker agent.Identity
	Scope  []string
}

// Plan is the routing decision for one change event.
type Plan struct {
	Assignments []Assignment
	Strategy    string
	Reasoning   []string
	Confidence  float64
	Fallback    bool
	Cached      bool
}

// Workers returns the planned identities in dispatch order.
func (p *Plan) Workers() []agent.Identity {
	out := make([]agent.Identity, len(p.Assignments))
	for i, a := range p.Assignments {
		out[i] = a.Worker
	}
	return out
}

// Has reports whether the plan includes id.
func (p *Plan) Has(id agent.Identity) bool {
	for _, a := range p.Assignments {
		if a.Worker == id {
			return true
		}
	}
	return false
}

// Scope returns the file scope assigned to id.
func (p *Plan) Scope(id agent.Identity) []string {
	for _, a := range p.Assignments {
		if a.Worker == id {
			return a.Scope
		}
	}
	return nil
}

// Config tunes the router.
type Config struct {
	CacheMaxAge time.Duration
}

// DefaultConfig returns the standard router tuning.
func DefaultConfig() Config {
	return Config{CacheMaxAge: 5 * time.Minute}
}

// Router evaluates the skill rules against change events. Selection
// (worker set, strategy, confidence) is memoized per key bucket; file
// scopes always derive from the live event because bucketed keys
// collide across different file lists.
type Router struct {
	cfg    Config
	rules  []Rule
	clk    clock.Clock
	logger *slog.Logger
	cache  *planCache
}

// New builds a router over rules. Nil rules means DefaultRules; a nil
// clock means the system clock; a nil logger means slog.Default().
func New(cfg Config, rules []Rule, clk clock.Clock, logger *slog.Logger) *Router {
	if rules == nil {
		rules = DefaultRules()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		rules:  rules,
		clk:    clk,
		logger: logger,
		cache:  newPlanCache(clk, cfg.CacheMaxAge),
	}
}

// selection is the cacheable part of a plan.
type selection struct {
	workers    []agent.Identity
	strategy   string
	reasoning  []string
	confidence float64
	fallback   bool
}

// Plan decides the worker set, order, and parallelism for event given
// the health snapshot. Fails with WorkerUnavailable when nothing can
// be dispatched at all.
func (r *Router) Plan(event *review.ChangeEvent, health map[agent.Identity]agent.Health) (*Plan, error) {
	scopes, order, fired, reasoning := r.evaluate(event)

	key := cacheKey(event, health)
	if sel, ok := r.cache.get(key); ok {
		plan := r.materialize(sel, event, scopes)
		plan.Cached = true
		r.logger.Debug("Routing plan served from cache",
			"commit", event.Commit,
			"strategy", plan.Strategy)
		return plan, nil
	}

	sel, err := r.selectWorkers(event, health, order, fired, reasoning)
	if err != nil {
		return nil, err
	}
	r.cache.put(key, sel)

	plan := r.materialize(sel, event, scopes)
	r.logger.Info("Routing plan computed",
		"commit", event.Commit,
		"workers", len(plan.Assignments),
		"strategy", plan.Strategy,
		"confidence", plan.Confidence,
		"fallback", plan.Fallback)
	return plan, nil
}

// evaluate runs every rule once, returning per-worker scopes, the
// contribution order, the fired-rule count, and reasoning lines.
func (r *Router) evaluate(event *review.ChangeEvent) (map[agent.Identity][]string, []agent.Identity, int, []string) {
	scopeSets := make(map[agent.Identity]map[string]struct{})
	var order []agent.Identity
	fired := 0
	var reasoning []string

	for _, rule := range r.rules {
		matched, scope := rule.Match(event)
		if !matched {
			continue
		}
		fired++
		reasoning = append(reasoning, fmt.Sprintf("rule %s matched %d files", rule.Name, len(scope)))
		for _, w := range rule.Workers {
			set, ok := scopeSets[w]
			if !ok {
				set = make(map[string]struct{})
				scopeSets[w] = set
				order = append(order, w)
			}
			for _, path := range scope {
				set[path] = struct{}{}
			}
		}
	}

	// Scopes keep the event's file order.
	scopes := make(map[agent.Identity][]string, len(scopeSets))
	for w, set := range scopeSets {
		var files []string
		for _, path := range event.Paths() {
			if _, ok := set[path]; ok {
				files = append(files, path)
			}
		}
		scopes[w] = files
	}
	return scopes, order, fired, reasoning
}

func (r *Router) selectWorkers(event *review.ChangeEvent, health map[agent.Identity]agent.Health, order []agent.Identity, fired int, reasoning []string) (selection, error) {
	var healthy []agent.Identity
	for _, id := range order {
		h, ok := health[id]
		if ok && dispatchable(h) {
			healthy = append(healthy, id)
		} else {
			reasoning = append(reasoning, fmt.Sprintf("dropped %s: not dispatchable", id))
		}
	}

	confidence := baseConfidence + ruleConfidence*float64(fired)
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	fallback := false
	if len(healthy) == 0 {
		fb, ok := lowestQueueDepth(health)
		if !ok {
			return selection{}, fault.Errorf(fault.WorkerUnavailable,
				"no dispatchable workers for %s@%s", event.Repository, event.Commit)
		}
		healthy = []agent.Identity{fb}
		fallback = true
		confidence /= 2
		reasoning = append(reasoning, fmt.Sprintf("emergency fallback to %s", fb))
		r.logger.Warn("Routing fell back to single worker",
			"worker", fb,
			"commit", event.Commit)
	}

	// Synthesizer runs last; its slot does not count toward the
	// parallelism threshold.
	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i] != agent.Synthesizer && healthy[j] == agent.Synthesizer
	})
	analysis := 0
	for _, id := range healthy {
		if id != agent.Synthesizer {
			analysis++
		}
	}
	strategy := StrategySequential
	if analysis > 2 {
		strategy = StrategyParallel
	}

	return selection{
		workers:    healthy,
		strategy:   strategy,
		reasoning:  reasoning,
		confidence: confidence,
		fallback:   fallback,
	}, nil
}

// materialize binds a selection to the live event. A selected worker
// with no scope contribution (cache collisions, fallback) reads the
// full file list.
func (r *Router) materialize(sel selection, event *review.ChangeEvent, scopes map[agent.Identity][]string) *Plan {
	assignments := make([]Assignment, 0, len(sel.workers))
	for _, w := range sel.workers {
		scope := scopes[w]
		if len(scope) == 0 {
			scope = event.Paths()
		}
		assignments = append(assignments, Assignment{Worker: w, Scope: scope})
	}
	return &Plan{
		Assignments: assignments,
		Strategy:    sel.strategy,
		Reasoning:   append([]string(nil), sel.reasoning...),
		Confidence:  sel.confidence,
		Fallback:    sel.fallback,
	}
}

func dispatchable(h agent.Health) bool {
	return h.Status.Dispatchable() && h.QueueDepth < h.TaskLimit
}

// lowestQueueDepth picks the least loaded dispatchable worker,
// breaking ties by identity for determinism.
func lowestQueueDepth(health map[agent.Identity]agent.Health) (agent.Identity, bool) {
	var best agent.Identity
	bestDepth := -1
	for id, h := range health {
		if !dispatchable(h) {
			continue
		}
		if bestDepth == -1 || h.QueueDepth < bestDepth ||
			(h.QueueDepth == bestDepth && id < best) {
			best = id
			bestDepth = h.QueueDepth
		}
	}
	return best, bestDepth != -1
}
