package broker

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
)

// future carries one task round trip. It resolves at most once, from
// the response correlator, the sweep, an abort, or broker shutdown.
type future struct {
	taskID string
	target agent.Identity
	token  agent.Token
	sentAt time.Time

	once   sync.Once
	done   chan struct{}
	result *protocol.ResultData
	err    error
}

func newFuture(taskID string, target agent.Identity, tok agent.Token, sentAt time.Time) *future {
	return &future{
		taskID: taskID,
		target: target,
		token:  tok,
		sentAt: sentAt,
		done:   make(chan struct{}),
	}
}

func (f *future) resolve(res *protocol.ResultData, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// delivery is the caller's view of one in-flight task.
type delivery struct {
	b *Broker
	f *future
}

// Await blocks until the task resolves or ctx ends. Cancellation does
// not resolve the future; the task may still complete and be dropped
// as unmatched, or be aborted explicitly.
func (d *delivery) Await(ctx context.Context) (*protocol.ResultData, error) {
	select {
	case <-d.f.done:
		return d.f.result, d.f.err
	case <-ctx.Done():
		return nil, fault.New(fault.Cancelled, ctx.Err())
	}
}

// Abort resolves the future with cause and releases its reservation.
// Returns false when the task already resolved.
func (d *delivery) Abort(cause error) bool {
	return d.b.failFuture(d.f.taskID, cause)
}

// Deliver sends one task frame to the worker registered for target and
// returns a future for its response. The reservation in the registry
// is the authoritative admission check: duplicates are Fatal, a full
// worker is WorkerBusy, a dead one WorkerUnavailable.
func (b *Broker) Deliver(ctx context.Context, taskID string, target agent.Identity, data protocol.TaskData) (agent.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Cancelled, err)
	}

	tok, ok := b.registry.Lookup(target)
	if !ok {
		return nil, fault.Errorf(fault.WorkerUnavailable, "no worker registered for %s", target)
	}
	snap, ok := b.registry.Snapshot(tok)
	if !ok {
		return nil, fault.Errorf(fault.WorkerUnavailable, "worker %s evicted", target)
	}
	if !snap.Status.Dispatchable() {
		if snap.Status == agent.StatusDegraded {
			return nil, fault.Errorf(fault.WorkerBusy, "worker %s is degraded", target)
		}
		return nil, fault.Errorf(fault.WorkerUnavailable, "worker %s is %s", target, snap.Status)
	}
	if !hasCapability(snap.Capabilities, agent.CapDispatchTask) {
		return nil, fault.Errorf(fault.WorkerUnavailable, "worker %s cannot accept tasks", target)
	}

	b.mu.Lock()
	c := b.byToken[tok]
	b.mu.Unlock()
	if c == nil {
		return nil, fault.Errorf(fault.WorkerUnavailable, "no stream for %s", target)
	}

	if err := b.registry.Reserve(tok, taskID); err != nil {
		return nil, err
	}

	rollback := func() {
		b.registry.Release(tok, taskID)
	}

	msg, err := protocol.NewTask(taskID, string(target), b.clk.Now(), data)
	if err != nil {
		rollback()
		return nil, err
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		rollback()
		return nil, err
	}

	f := newFuture(taskID, target, tok, b.clk.Now())
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		rollback()
		return nil, fault.Errorf(fault.Cancelled, "broker stopped")
	}
	b.futures[taskID] = f
	b.mu.Unlock()

	if err := b.enqueue(c, raw); err != nil {
		b.mu.Lock()
		delete(b.futures, taskID)
		b.mu.Unlock()
		rollback()
		return nil, err
	}

	b.metrics.TaskDispatched()
	b.logger.Debug("Task delivered",
		"task", taskID,
		"agent", target,
		"scope", len(data.Scope))
	return &delivery{b: b, f: f}, nil
}

// Probe round-trips a ping to the worker and returns the observed
// latency.
func (b *Broker) Probe(ctx context.Context, target agent.Identity) (time.Duration, error) {
	tok, ok := b.registry.Lookup(target)
	if !ok {
		return 0, fault.Errorf(fault.WorkerUnavailable, "no worker registered for %s", target)
	}
	b.mu.Lock()
	c := b.byToken[tok]
	b.mu.Unlock()
	if c == nil {
		return 0, fault.Errorf(fault.WorkerUnavailable, "no stream for %s", target)
	}

	ping, err := protocol.NewPing(brokerAgent, b.clk.Now())
	if err != nil {
		return 0, err
	}
	raw, err := protocol.Encode(ping)
	if err != nil {
		return 0, err
	}

	pongID := "pong-" + ping.ID
	ch := make(chan *protocol.Message, 1)
	b.mu.Lock()
	b.pongs[pongID] = ch
	b.mu.Unlock()
	cleanup := func() {
		b.mu.Lock()
		delete(b.pongs, pongID)
		b.mu.Unlock()
	}

	start := b.clk.Now()
	if err := b.enqueue(c, raw); err != nil {
		cleanup()
		return 0, err
	}

	timer := b.clk.NewTimer(b.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return b.clk.Since(start), nil
	case <-timer.C():
		cleanup()
		return 0, fault.Errorf(fault.WorkerTimeout, "ping to %s timed out", target)
	case <-ctx.Done():
		cleanup()
		return 0, fault.New(fault.Cancelled, ctx.Err())
	}
}

// Broadcast queues an event frame for every registered worker. Partial
// failures are logged, not returned; the per-connection writers do the
// actual concurrent delivery.
func (b *Broker) Broadcast(ctx context.Context, event string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fault.New(fault.Cancelled, err)
	}
	msg, err := protocol.NewEvent(brokerAgent, event, b.clk.Now(), payload)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conns := make([]*conn, 0, len(b.byToken))
	for _, c := range b.byToken {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	failed := 0
	for _, c := range conns {
		if err := b.enqueue(c, raw); err != nil {
			failed++
			b.logger.Warn("Broadcast enqueue failed",
				"agent", c.agentID(),
				"event", event,
				"error", err)
		}
	}
	if failed > 0 {
		b.logger.Warn("Broadcast partially delivered",
			"event", event,
			"failed", failed,
			"total", len(conns))
	}
	return nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}