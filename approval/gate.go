// Package approval implements the two-party confirmation gate for
// critical operations. The workflow asks whether an operation kind
// needs signoff, opens a request, and blocks on it; human operators
// approve or reject through the driver API. Requests expire on a
// sweep, and every terminal transition is published to a notification
// hook.
package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/metrics"
)

// Notification event names.
const (
	EventApproved = "request_approved"
	EventRejected = "request_rejected"
	EventExpired  = "request_expired"
)

const (
	defaultApprovers      = 2
	defaultRequestTimeout = 30 * time.Minute
)

// Policy declares one critical operation kind: how many distinct
// approvers it needs, which roles may sign off, how long a request
// stays open, and the payload conditions under which approval is
// required at all. An empty Conditions list means the kind always
// requires approval; an empty Roles list admits any role.
type Policy struct {
	Kind       string
	Approvers  int
	Timeout    time.Duration
	Roles      []string
	Conditions []Condition
}

// Config tunes the gate.
type Config struct {
	Policies          []Policy
	AllowSelfApproval bool
	EmergencyRoles    []string
	AutoApprove       bool
	SweepInterval     time.Duration
	Retention         time.Duration
}

// DefaultConfig returns the standard gate tuning with no policies
// configured.
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Minute,
		Retention:     time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	return c
}

// Notification reports a request reaching a terminal state.
type Notification struct {
	Event   string
	Request Request
}

// Gate owns every approval request, keyed by request id. Callers hold
// ids only; all reads go through snapshots.
type Gate struct {
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	notify  func(Notification)

	mu       sync.Mutex
	requests map[string]*record
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a gate. A nil clock means the system clock; a nil logger
// means slog.Default(); metrics may be nil.
func New(cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:      cfg.withDefaults(),
		clk:      clk,
		logger:   logger,
		metrics:  m,
		requests: make(map[string]*record),
		done:     make(chan struct{}),
	}
}

// OnNotification registers the terminal-state hook. Must be set before
// Start; the hook runs outside the gate's lock.
func (g *Gate) OnNotification(fn func(Notification)) {
	g.notify = fn
}

// Start launches the expiry sweep.
func (g *Gate) Start(ctx context.Context) error {
	g.wg.Add(1)
	go g.sweepLoop()
	g.logger.Info("Approval gate started",
		"policies", len(g.cfg.Policies),
		"sweep_interval", g.cfg.SweepInterval)
	return nil
}

// Stop halts the sweep. Pending requests stay readable; blocked
// waiters remain bound by their own contexts. Safe to call twice.
func (g *Gate) Stop() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()

	g.wg.Wait()
	g.logger.Info("Approval gate stopped")
	return nil
}

// RequiresApproval reports whether operation kind with payload must
// pass the gate before proceeding.
func (g *Gate) RequiresApproval(kind string, payload map[string]any) bool {
	_, ok := g.policyFor(kind, payload)
	return ok
}

func (g *Gate) policyFor(kind string, payload map[string]any) (Policy, bool) {
	for _, p := range g.cfg.Policies {
		if p.Kind != kind {
			continue
		}
		if conditionsHold(p.Conditions, payload) {
			return p, true
		}
	}
	return Policy{}, false
}

// CreateRequest opens a request for operation kind on behalf of
// requester. With auto-approval enabled the request is approved
// immediately and a waiter never blocks.
func (g *Gate) CreateRequest(kind string, payload map[string]any, requester string) (Request, error) {
	policy, ok := g.policyFor(kind, payload)
	if !ok {
		return Request{}, fault.Errorf(fault.NotApproved, "no approval policy for operation %s", kind)
	}
	required := policy.Approvers
	if required <= 0 {
		required = defaultApprovers
	}
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	now := g.clk.Now()
	rec := &record{
		req: Request{
			ID:        uuid.NewString(),
			Kind:      kind,
			Requester: requester,
			Payload:   payload,
			Required:  required,
			State:     StatePending,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		roles: policy.Roles,
		wait:  make(chan State, 1),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Request{}, fault.Errorf(fault.Cancelled, "approval gate stopped")
	}
	g.requests[rec.req.ID] = rec
	var note *Notification
	if g.cfg.AutoApprove {
		rec.req.Signoffs = append(rec.req.Signoffs, Signoff{
			Approver: "system",
			Role:     "auto",
			Approved: true,
			Reason:   "auto-approval enabled",
			At:       now,
		})
		note = g.resolveLocked(rec, StateApproved)
	}
	pending := g.pendingLocked()
	snap := rec.snapshot()
	g.mu.Unlock()

	g.metrics.SetApprovalsPending(pending)
	g.logger.Info("Approval request created",
		"id", snap.ID,
		"kind", kind,
		"requester", requester,
		"required", required,
		"expires_at", snap.ExpiresAt)
	g.publish(note)
	return snap, nil
}

// Approve records an approving signoff on request id. The request
// approves on reaching its threshold, or immediately when role is an
// emergency override.
func (g *Gate) Approve(id, approver, role, reason string) error {
	return g.signoff(id, approver, role, reason, true)
}

// Reject records a rejecting signoff. The first rejection is terminal.
func (g *Gate) Reject(id, approver, role, reason string) error {
	return g.signoff(id, approver, role, reason, false)
}

func (g *Gate) signoff(id, approver, role, reason string, approving bool) error {
	g.mu.Lock()
	rec, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return fault.Errorf(fault.NotApproved, "unknown approval request %s", id)
	}
	if rec.req.State != StatePending {
		st := rec.req.State
		g.mu.Unlock()
		return fault.Errorf(fault.NotApproved, "approval request %s already %s", id, st)
	}

	now := g.clk.Now()
	if now.After(rec.req.ExpiresAt) {
		note := g.resolveLocked(rec, StateExpired)
		pending := g.pendingLocked()
		g.mu.Unlock()
		g.metrics.SetApprovalsPending(pending)
		g.publish(note)
		return fault.Errorf(fault.NotApproved, "approval request %s expired", id)
	}

	if approving && approver == rec.req.Requester && !g.cfg.AllowSelfApproval {
		g.mu.Unlock()
		return fault.Errorf(fault.NotApproved, "self-approval forbidden on request %s", id)
	}
	emergency := g.emergencyRole(role)
	if !emergency && !roleAllowed(rec.roles, role) {
		kind := rec.req.Kind
		g.mu.Unlock()
		return fault.Errorf(fault.NotApproved, "role %s may not sign off on %s requests", role, kind)
	}
	for _, s := range rec.req.Signoffs {
		if s.Approver == approver {
			g.mu.Unlock()
			return fault.Errorf(fault.NotApproved, "approver %s already signed off on request %s", approver, id)
		}
	}

	rec.req.Signoffs = append(rec.req.Signoffs, Signoff{
		Approver: approver,
		Role:     role,
		Approved: approving,
		Reason:   reason,
		At:       now,
	})

	var note *Notification
	switch {
	case !approving:
		note = g.resolveLocked(rec, StateRejected)
	case emergency, rec.req.Approvals() >= rec.req.Required:
		note = g.resolveLocked(rec, StateApproved)
	}
	approvals := rec.req.Approvals()
	required := rec.req.Required
	pending := g.pendingLocked()
	g.mu.Unlock()

	g.metrics.SetApprovalsPending(pending)
	if approving {
		g.logger.Info("Approval recorded",
			"id", id,
			"approver", approver,
			"role", role,
			"approvals", approvals,
			"required", required)
		if emergency {
			g.logger.Warn("Emergency override approval",
				"id", id,
				"approver", approver,
				"role", role)
		}
	} else {
		g.logger.Info("Rejection recorded",
			"id", id,
			"approver", approver,
			"role", role,
			"reason", reason)
	}
	g.publish(note)
	return nil
}

// Await blocks until request id reaches a terminal state. It returns
// nil only after re-reading the request and finding it approved;
// rejection, expiry, and context cancellation all yield NotApproved.
// The wait slot refills on wake, so re-awaiting a resolved request
// never blocks.
func (g *Gate) Await(ctx context.Context, id string) error {
	g.mu.Lock()
	rec, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return fault.Errorf(fault.NotApproved, "unknown approval request %s", id)
	}
	st := rec.req.State
	ch := rec.wait
	g.mu.Unlock()

	if st == StatePending {
		select {
		case got := <-ch:
			select {
			case ch <- got:
			default:
			}
		case <-ctx.Done():
			return fault.Errorf(fault.NotApproved, "approval request %s: wait cancelled: %v", id, ctx.Err())
		}
	}

	// The slot only signals arrival at a terminal state; the verdict
	// comes from the request itself.
	g.mu.Lock()
	rec, ok = g.requests[id]
	var final State
	if ok {
		final = rec.req.State
	}
	g.mu.Unlock()

	if !ok {
		return fault.Errorf(fault.NotApproved, "approval request %s no longer held", id)
	}
	if final != StateApproved {
		return fault.Errorf(fault.NotApproved, "approval request %s %s", id, final)
	}
	return nil
}

// Get returns a snapshot of request id.
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.requests[id]
	if !ok {
		return Request{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of every held request, oldest first.
func (g *Gate) List() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.requests))
	for _, rec := range g.requests {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pending counts requests still awaiting signoffs.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingLocked()
}

func (g *Gate) pendingLocked() int {
	n := 0
	for _, rec := range g.requests {
		if rec.req.State == StatePending {
			n++
		}
	}
	return n
}

// resolveLocked moves rec to a terminal state and fills the waiter
// slot. Caller holds g.mu and publishes the returned notification
// after unlocking.
func (g *Gate) resolveLocked(rec *record, st State) *Notification {
	rec.req.State = st
	rec.resolvedAt = g.clk.Now()
	select {
	case rec.wait <- st:
	default:
	}
	g.metrics.ApprovalResolved(string(st))

	var event string
	switch st {
	case StateApproved:
		event = EventApproved
	case StateRejected:
		event = EventRejected
	case StateExpired:
		event = EventExpired
	}
	return &Notification{Event: event, Request: rec.snapshot()}
}

func (g *Gate) publish(n *Notification) {
	if n == nil || g.notify == nil {
		return
	}
	g.notify(*n)
}

func (g *Gate) emergencyRole(role string) bool {
	for _, r := range g.cfg.EmergencyRoles {
		if r == role {
			return true
		}
	}
	return false
}

func roleAllowed(allowed []string, role string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func (g *Gate) sweepLoop() {
	defer g.wg.Done()
	for {
		timer := g.clk.NewTimer(g.cfg.SweepInterval)
		select {
		case <-g.done:
			timer.Stop()
			return
		case <-timer.C():
			g.sweep()
		}
	}
}

// sweep expires overdue pending requests and drops terminal ones past
// the retention window.
func (g *Gate) sweep() {
	now := g.clk.Now()

	var notes []*Notification
	g.mu.Lock()
	for id, rec := range g.requests {
		switch {
		case rec.req.State == StatePending && now.After(rec.req.ExpiresAt):
			notes = append(notes, g.resolveLocked(rec, StateExpired))
		case rec.req.State != StatePending && now.Sub(rec.resolvedAt) > g.cfg.Retention:
			delete(g.requests, id)
		}
	}
	pending := g.pendingLocked()
	g.mu.Unlock()

	g.metrics.SetApprovalsPending(pending)
	for _, n := range notes {
		g.logger.Warn("Approval request expired",
			"id", n.Request.ID,
			"kind", n.Request.Kind,
			"requester", n.Request.Requester)
		g.publish(n)
	}
}
