package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/pool"
	"github.com/c360studio/semcrew/protocol"
)

// Pooled dispatches tasks over an outbound stream pool to a peer that
// speaks the task protocol. The pool is per-endpoint: the target
// identity stamps the frame but does not pick the peer.
type Pooled struct {
	pool   *pool.Pool
	origin string
	clk    clock.Clock
	logger *slog.Logger
}

// NewPooled wraps p as a task dispatcher. origin is the agent field on
// originated frames; empty means "driver".
func NewPooled(p *pool.Pool, origin string, clk clock.Clock, logger *slog.Logger) *Pooled {
	if origin == "" {
		origin = "driver"
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pooled{pool: p, origin: origin, clk: clk, logger: logger}
}

// Deliver acquires a stream, sends the task, and resolves the returned
// future from the correlated reply. The stream stays acquired until
// the round trip ends.
func (p *Pooled) Deliver(ctx context.Context, taskID string, target agent.Identity, data protocol.TaskData) (agent.Delivery, error) {
	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.NewTask(taskID, string(target), p.clk.Now(), data)
	if err != nil {
		p.pool.Release(s)
		return nil, err
	}

	rctx, cancel := context.WithCancel(ctx)
	d := &pooledDelivery{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer p.pool.Release(s)
		defer cancel()
		reply, err := s.RoundTrip(rctx, msg)
		if err != nil {
			d.resolve(nil, err)
			return
		}
		res, err := reply.DecodeResult()
		if err != nil {
			d.resolve(nil, err)
			return
		}
		d.resolve(res, nil)
	}()
	return d, nil
}

// Probe measures one ping round trip through the pool.
func (p *Pooled) Probe(ctx context.Context, target agent.Identity) (time.Duration, error) {
	var rtt time.Duration
	err := p.pool.With(ctx, func(s *pool.Stream) error {
		d, err := s.Ping(ctx, p.origin)
		if err != nil {
			return err
		}
		rtt = d
		return nil
	})
	return rtt, err
}

type pooledDelivery struct {
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result *protocol.ResultData
	err    error
}

func (d *pooledDelivery) resolve(res *protocol.ResultData, err error) bool {
	resolved := false
	d.once.Do(func() {
		d.result = res
		d.err = err
		close(d.done)
		resolved = true
	})
	return resolved
}

func (d *pooledDelivery) Await(ctx context.Context) (*protocol.ResultData, error) {
	select {
	case <-d.done:
		return d.result, d.err
	case <-ctx.Done():
		return nil, fault.New(fault.Cancelled, ctx.Err())
	}
}

// Abort resolves the future with cause and abandons the round trip;
// the cancelled stream is destroyed on release.
func (d *pooledDelivery) Abort(cause error) bool {
	if !d.resolve(nil, cause) {
		return false
	}
	d.cancel()
	return true
}
