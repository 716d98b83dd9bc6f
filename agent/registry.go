package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/metrics"
)

// Token addresses one handle in the registry arena. Tokens are never
// reused; a token for an evicted handle stays invalid forever.
type Token uint64

// ewmaAlpha weights the newest latency sample in the rolling average.
const ewmaAlpha = 0.2

// handle is the registry's private record of one live worker.
type handle struct {
	token         Token
	identity      Identity
	pid           int
	version       string
	capabilities  []string
	registeredAt  time.Time
	lastHeartbeat time.Time
	inFlight      map[string]struct{}
	degraded      bool
	errored       bool
	taskLimit     int
	ewmaLatency   time.Duration
}

func (h *handle) status() Status {
	switch {
	case h.errored:
		return StatusError
	case h.degraded:
		return StatusDegraded
	case len(h.inFlight) > 0:
		return StatusBusy
	default:
		return StatusIdle
	}
}

// Registration is the payload installed for a newly authenticated
// worker.
type Registration struct {
	Identity     Identity
	PID          int
	Version      string
	Capabilities []string
	TaskLimit    int
}

// Snapshot is a point-in-time copy of one handle. The registry never
// hands out live handle pointers.
type Snapshot struct {
	Token         Token
	Identity      Identity
	PID           int
	Version       string
	Capabilities  []string
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	InFlight      []string
	TaskLimit     int
	EWMALatency   time.Duration
}

// Health is the per-identity entry of a health snapshot: what the
// router and the driver health endpoint see.
type Health struct {
	Status        Status        `json:"status"`
	QueueDepth    int           `json:"queue_depth"`
	TaskLimit     int           `json:"task_limit"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	EWMALatency   time.Duration `json:"ewma_latency"`
}

// Registry is the thread-safe directory of live workers. The broker
// installs and evicts handles; the broker and workflow reserve and
// release task slots; everyone else reads snapshots. Lookups are O(1)
// and critical sections are short so the broker read loop never waits.
type Registry struct {
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	nextToken  Token
	byToken    map[Token]*handle
	byIdentity map[Identity]Token

	// taskIndex maps every live task id to the one handle carrying it.
	// A second reservation of the same id is an invariant breach.
	taskIndex map[string]Token
}

// NewRegistry builds an empty registry. A nil clock means the system
// clock; a nil logger means slog.Default(); metrics may be nil.
func NewRegistry(clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clk:        clk,
		logger:     logger,
		metrics:    m,
		byToken:    make(map[Token]*handle),
		byIdentity: make(map[Identity]Token),
		taskIndex:  make(map[string]Token),
	}
}

// Install adds a handle for reg and returns its token. If the identity
// was already registered the prior handle is evicted first and its
// token returned along with its orphaned task ids; the caller owns
// destroying the old stream and failing the orphaned futures.
func (r *Registry) Install(reg Registration) (tok Token, replaced Token, orphaned []string) {
	now := r.clk.Now()
	limit := reg.TaskLimit
	if limit <= 0 {
		limit = 10
	}
	caps := append([]string(nil), reg.Capabilities...)
	if len(caps) == 0 {
		caps = DefaultCapabilities()
	}

	r.mu.Lock()
	if prev, ok := r.byIdentity[reg.Identity]; ok {
		replaced = prev
		orphaned = r.evictLocked(prev)
	}
	r.nextToken++
	tok = r.nextToken
	r.byToken[tok] = &handle{
		token:         tok,
		identity:      reg.Identity,
		pid:           reg.PID,
		version:       reg.Version,
		capabilities:  caps,
		registeredAt:  now,
		lastHeartbeat: now,
		inFlight:      make(map[string]struct{}),
		taskLimit:     limit,
	}
	r.byIdentity[reg.Identity] = tok
	live := len(r.byToken)
	r.mu.Unlock()

	r.metrics.SetWorkersLive(live)
	r.logger.Info("Worker installed",
		"agent", reg.Identity,
		"pid", reg.PID,
		"token", tok,
		"replaced", replaced)
	return tok, replaced, orphaned
}

// Evict removes the handle for tok and returns its orphaned in-flight
// task ids. Evicting an unknown token returns ok=false.
func (r *Registry) Evict(tok Token) (orphaned []string, ok bool) {
	r.mu.Lock()
	h, found := r.byToken[tok]
	if found {
		orphaned = r.evictLocked(tok)
	}
	live := len(r.byToken)
	r.mu.Unlock()

	if !found {
		return nil, false
	}
	r.metrics.SetWorkersLive(live)
	r.metrics.WorkerEvicted()
	r.logger.Info("Worker evicted",
		"agent", h.identity,
		"token", tok,
		"orphaned_tasks", len(orphaned))
	return orphaned, true
}

func (r *Registry) evictLocked(tok Token) []string {
	h, ok := r.byToken[tok]
	if !ok {
		return nil
	}
	orphaned := make([]string, 0, len(h.inFlight))
	for id := range h.inFlight {
		orphaned = append(orphaned, id)
		delete(r.taskIndex, id)
	}
	sort.Strings(orphaned)
	delete(r.byToken, tok)
	if r.byIdentity[h.identity] == tok {
		delete(r.byIdentity, h.identity)
	}
	return orphaned
}

// Lookup resolves an identity to its current token.
func (r *Registry) Lookup(id Identity) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.byIdentity[id]
	return tok, ok
}

// Snapshot copies the handle addressed by tok.
func (r *Registry) Snapshot(tok Token) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byToken[tok]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(h), true
}

func (r *Registry) snapshotLocked(h *handle) Snapshot {
	inFlight := make([]string, 0, len(h.inFlight))
	for id := range h.inFlight {
		inFlight = append(inFlight, id)
	}
	sort.Strings(inFlight)
	return Snapshot{
		Token:         h.token,
		Identity:      h.identity,
		PID:           h.pid,
		Version:       h.version,
		Capabilities:  append([]string(nil), h.capabilities...),
		Status:        h.status(),
		RegisteredAt:  h.registeredAt,
		LastHeartbeat: h.lastHeartbeat,
		InFlight:      inFlight,
		TaskLimit:     h.taskLimit,
		EWMALatency:   h.ewmaLatency,
	}
}

// List snapshots every live handle, ordered by identity.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.byToken))
	for _, h := range r.byToken {
		out = append(out, r.snapshotLocked(h))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// SnapshotHealth returns the routing view: per-identity status, queue
// depth, last heartbeat, and latency average.
func (r *Registry) SnapshotHealth() map[Identity]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Identity]Health, len(r.byIdentity))
	for id, tok := range r.byIdentity {
		h := r.byToken[tok]
		out[id] = Health{
			Status:        h.status(),
			QueueDepth:    len(h.inFlight),
			TaskLimit:     h.taskLimit,
			LastHeartbeat: h.lastHeartbeat,
			EWMALatency:   h.ewmaLatency,
		}
	}
	return out
}

// Reserve adds taskID to the handle's in-flight set. A task id already
// reserved anywhere in the registry is an invariant breach and returns
// a Fatal error; a dead token returns WorkerUnavailable; a handle at
// its task limit returns WorkerBusy. The cap check and the insert are
// one critical section so concurrent dispatchers cannot oversubscribe
// a worker.
func (r *Registry) Reserve(tok Token, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byToken[tok]
	if !ok {
		return fault.Errorf(fault.WorkerUnavailable, "reserve %s: token %d is not live", taskID, tok)
	}
	if owner, dup := r.taskIndex[taskID]; dup {
		return fault.Errorf(fault.Fatal, "task %s already reserved on token %d", taskID, owner)
	}
	if len(h.inFlight) >= h.taskLimit {
		return fault.Errorf(fault.WorkerBusy, "%s at task limit %d", h.identity, h.taskLimit)
	}
	h.inFlight[taskID] = struct{}{}
	r.taskIndex[taskID] = tok
	return nil
}

// Release removes taskID from the handle's in-flight set. Safe to call
// after eviction; returns whether anything was released.
func (r *Registry) Release(tok Token, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byToken[tok]
	if !ok {
		return false
	}
	if _, held := h.inFlight[taskID]; !held {
		return false
	}
	delete(h.inFlight, taskID)
	delete(r.taskIndex, taskID)
	return true
}

// Heartbeat records a liveness report from the worker. The worker's
// self-reported task limit replaces the registered one when present.
func (r *Registry) Heartbeat(tok Token, taskLimit int) bool {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byToken[tok]
	if !ok {
		return false
	}
	h.lastHeartbeat = now
	if taskLimit > 0 {
		h.taskLimit = taskLimit
	}
	return true
}

// SetDegraded flips the backpressure gate for the handle.
func (r *Registry) SetDegraded(tok Token, degraded bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byToken[tok]
	if !ok {
		return false
	}
	h.degraded = degraded
	return true
}

// MarkErrored flags the handle's stream as failed ahead of eviction.
func (r *Registry) MarkErrored(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byToken[tok]
	if !ok {
		return false
	}
	h.errored = true
	return true
}

// ObserveLatency folds one task round-trip into the handle's rolling
// average.
func (r *Registry) ObserveLatency(tok Token, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byToken[tok]
	if !ok {
		return
	}
	if h.ewmaLatency == 0 {
		h.ewmaLatency = d
		return
	}
	h.ewmaLatency = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(h.ewmaLatency))
}

// InFlightCount returns the size of one handle's in-flight set.
func (r *Registry) InFlightCount(tok Token) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byToken[tok]
	if !ok {
		return 0
	}
	return len(h.inFlight)
}

// TotalInFlight sums in-flight set sizes over every handle. Equals the
// number of live reservations by construction.
func (r *Registry) TotalInFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.taskIndex)
}

// Count returns the number of live handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}
