// Package pool maintains a bounded set of persistent client streams to
// one socket endpoint. Acquire hands out validated streams under a
// weighted semaphore; dead streams are replaced by per-stream reconnect
// loops with capped exponential backoff so the acquire path never waits
// on a redial.
package pool

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/protocol"
)

// errorCooldown is how long a hard error keeps a stream out of rotation.
const errorCooldown = 60 * time.Second

// DialFunc opens one connection to the endpoint.
type DialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// HandshakeFunc prepares a fresh stream, typically authenticating and
// registering it with the peer.
type HandshakeFunc func(ctx context.Context, s *Stream) error

// Config tunes one pool.
type Config struct {
	Endpoint            string
	Agent               string
	Min                 int
	Max                 int
	AcquireTimeout      time.Duration
	CreateTimeout       time.Duration
	IdleTimeout         time.Duration
	ReconnectDelay      time.Duration
	ReconnectMultiplier float64
	MaxReconnectDelay   time.Duration
	ReconnectAttempts   int
	DestroyTimeout      time.Duration
}

// DefaultConfig returns the standard pool tuning for a local socket.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:            endpoint,
		Agent:               "driver",
		Min:                 1,
		Max:                 4,
		AcquireTimeout:      5 * time.Second,
		CreateTimeout:       10 * time.Second,
		IdleTimeout:         5 * time.Minute,
		ReconnectDelay:      time.Second,
		ReconnectMultiplier: 2,
		MaxReconnectDelay:   30 * time.Second,
		ReconnectAttempts:   10,
		DestroyTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Endpoint)
	if c.Agent == "" {
		c.Agent = def.Agent
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = def.CreateTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = def.ReconnectMultiplier
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = def.DestroyTimeout
	}
	return c
}

// Pool owns between Min and Max streams to one endpoint.
type Pool struct {
	cfg       Config
	dial      DialFunc
	handshake HandshakeFunc
	clk       clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    []*Stream
	inUse   map[*Stream]struct{}
	size    int
	waiting int
	closed  bool

	done     chan struct{}
	released chan struct{}
	wg       sync.WaitGroup
}

// New builds a pool. The dial function is required; handshake, clock,
// logger, and metrics may be nil.
func New(cfg Config, dial DialFunc, handshake HandshakeFunc, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:       cfg,
		dial:      dial,
		handshake: handshake,
		clk:       clk,
		logger:    logger,
		metrics:   m,
		sem:       semaphore.NewWeighted(int64(cfg.Max)),
		inUse:     make(map[*Stream]struct{}),
		done:      make(chan struct{}),
		released:  make(chan struct{}, 1),
	}
}

// DialSocket dials a unix stream socket path.
func DialSocket(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}

// Start warms the pool to Min streams.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.Min; i++ {
		s, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.size++
		p.idle = append(p.idle, s)
		p.publishLocked()
		p.mu.Unlock()
	}
	p.logger.Info("Pool started",
		"endpoint", p.cfg.Endpoint,
		"min", p.cfg.Min,
		"max", p.cfg.Max)
	return nil
}

// Acquire returns a validated stream, creating one if the pool has
// room. At capacity it waits up to AcquireTimeout and then fails with
// PoolExhausted. A closed pool fails with PoolClosed.
func (p *Pool) Acquire(ctx context.Context) (*Stream, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.Errorf(fault.PoolClosed, "pool %s is closed", p.cfg.Endpoint)
	}
	p.waiting++
	p.publishLocked()
	p.mu.Unlock()

	err := p.acquireSlot(ctx)

	p.mu.Lock()
	p.waiting--
	p.publishLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	for len(p.idle) > 0 {
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, fault.Errorf(fault.PoolClosed, "pool %s is closed", p.cfg.Endpoint)
		}
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.validateLocked(s) {
			p.inUse[s] = struct{}{}
			p.publishLocked()
			p.mu.Unlock()
			s.touch()
			return s, nil
		}
		p.size--
		p.publishLocked()
		p.mu.Unlock()
		s.destroy()
		p.mu.Lock()
	}
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fault.Errorf(fault.PoolClosed, "pool %s is closed", p.cfg.Endpoint)
	}

	// The held slot guarantees room below Max.
	p.size++
	p.publishLocked()
	p.mu.Unlock()

	s, cerr := p.create(ctx)

	p.mu.Lock()
	if cerr != nil {
		p.size--
		p.publishLocked()
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, cerr
	}
	if p.closed {
		p.size--
		p.publishLocked()
		p.mu.Unlock()
		s.destroy()
		p.sem.Release(1)
		return nil, fault.Errorf(fault.PoolClosed, "pool %s is closed", p.cfg.Endpoint)
	}
	p.inUse[s] = struct{}{}
	p.publishLocked()
	p.mu.Unlock()
	return s, nil
}

// acquireSlot waits for semaphore room, racing the acquire timeout and
// pool shutdown against the caller's context.
func (p *Pool) acquireSlot(ctx context.Context) error {
	timer := p.clk.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	slotCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut, poolClosed atomic.Bool
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-timer.C():
			timedOut.Store(true)
			cancel()
		case <-p.done:
			poolClosed.Store(true)
			cancel()
		case <-watchDone:
		}
	}()

	if err := p.sem.Acquire(slotCtx, 1); err != nil {
		switch {
		case ctx.Err() != nil:
			return fault.New(fault.Cancelled, ctx.Err())
		case poolClosed.Load():
			return fault.Errorf(fault.PoolClosed, "pool %s is closed", p.cfg.Endpoint)
		case timedOut.Load():
			return fault.Errorf(fault.PoolExhausted,
				"pool %s: no stream within %s", p.cfg.Endpoint, p.cfg.AcquireTimeout)
		default:
			return fault.New(fault.Cancelled, err)
		}
	}
	return nil
}

// validateLocked decides whether an idle stream can be handed out.
func (p *Pool) validateLocked(s *Stream) bool {
	if !s.Connected() {
		return false
	}
	if err, at := s.LastError(); err != nil && p.clk.Since(at) < errorCooldown {
		return false
	}
	if p.clk.Since(s.LastUsed()) > p.cfg.IdleTimeout {
		return false
	}
	return true
}

// Release returns a stream to the idle set. Disconnected streams are
// destroyed and replaced by a reconnect loop.
func (p *Pool) Release(s *Stream) {
	p.mu.Lock()
	if _, held := p.inUse[s]; !held {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, s)

	if p.closed || !s.Connected() {
		p.size--
		closed := p.closed
		p.publishLocked()
		p.mu.Unlock()
		s.destroy()
		p.sem.Release(1)
		p.signalRelease()
		if !closed {
			p.respawn()
		}
		return
	}

	s.touch()
	p.idle = append(p.idle, s)
	p.publishLocked()
	p.mu.Unlock()
	p.sem.Release(1)
	p.signalRelease()
}

func (p *Pool) signalRelease() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// With acquires a stream, runs fn, and releases it even when fn fails.
func (p *Pool) With(ctx context.Context, fn func(*Stream) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

// Broadcast writes an event frame to every stream the pool owns.
// Partial failures are logged, not returned; failed streams are
// replaced when released.
func (p *Pool) Broadcast(ctx context.Context, event string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fault.New(fault.Cancelled, err)
	}
	msg, err := protocol.NewEvent(p.cfg.Agent, event, p.clk.Now(), payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	streams := make([]*Stream, 0, len(p.idle)+len(p.inUse))
	streams = append(streams, p.idle...)
	for s := range p.inUse {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, s := range streams {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.writeRaw(data); err != nil {
				failures.Add(1)
				p.logger.Warn("Broadcast write failed",
					"endpoint", p.cfg.Endpoint,
					"event", event,
					"error", err)
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n > 0 {
		p.logger.Warn("Broadcast partially delivered",
			"endpoint", p.cfg.Endpoint,
			"event", event,
			"failed", n,
			"total", len(streams))
	}
	return nil
}

// create dials and handshakes one stream under CreateTimeout.
func (p *Pool) create(ctx context.Context) (*Stream, error) {
	timer := p.clk.NewTimer(p.cfg.CreateTimeout)
	defer timer.Stop()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-timer.C():
			cancel()
		case <-cctx.Done():
		}
	}()

	conn, err := p.dial(cctx, p.cfg.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.New(fault.Cancelled, ctx.Err())
		}
		return nil, fault.Errorf(fault.Transient, "dial %s: %v", p.cfg.Endpoint, err)
	}

	s := newStream(conn, p.clk)
	if p.handshake != nil {
		if err := p.handshake(cctx, s); err != nil {
			s.destroy()
			return nil, err
		}
	}
	p.logger.Debug("Stream created", "endpoint", p.cfg.Endpoint)
	return s, nil
}

// respawn replaces one destroyed stream, backing off between attempts.
func (p *Pool) respawn() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		delay := p.cfg.ReconnectDelay
		for attempt := 1; p.cfg.ReconnectAttempts <= 0 || attempt <= p.cfg.ReconnectAttempts; attempt++ {
			timer := p.clk.NewTimer(delay)
			select {
			case <-p.done:
				timer.Stop()
				return
			case <-timer.C():
			}

			s, err := p.create(context.Background())
			if err == nil {
				p.mu.Lock()
				if p.closed || p.size >= p.cfg.Max {
					p.mu.Unlock()
					s.destroy()
					return
				}
				p.size++
				p.idle = append(p.idle, s)
				p.publishLocked()
				p.mu.Unlock()
				p.logger.Info("Stream reconnected",
					"endpoint", p.cfg.Endpoint,
					"attempt", attempt)
				return
			}

			p.logger.Warn("Reconnect failed",
				"endpoint", p.cfg.Endpoint,
				"attempt", attempt,
				"error", err)
			delay = time.Duration(float64(delay) * p.cfg.ReconnectMultiplier)
			if delay > p.cfg.MaxReconnectDelay {
				delay = p.cfg.MaxReconnectDelay
			}
		}
		p.logger.Error("Reconnect attempts exhausted", "endpoint", p.cfg.Endpoint)
	}()
}

// Close drains in-use streams up to DestroyTimeout, then destroys
// everything. Safe to call twice.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.publishLocked()
	p.mu.Unlock()

	for _, s := range idle {
		s.destroy()
	}

	timer := p.clk.NewTimer(p.cfg.DestroyTimeout)
	defer timer.Stop()
drain:
	for {
		p.mu.Lock()
		remaining := len(p.inUse)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-p.released:
		case <-timer.C():
			p.mu.Lock()
			abandoned := make([]*Stream, 0, len(p.inUse))
			for s := range p.inUse {
				abandoned = append(abandoned, s)
				delete(p.inUse, s)
			}
			p.size -= len(abandoned)
			p.publishLocked()
			p.mu.Unlock()
			for _, s := range abandoned {
				s.destroy()
			}
			p.logger.Warn("Pool closed with streams in use",
				"endpoint", p.cfg.Endpoint,
				"count", len(abandoned))
			break drain
		}
	}

	p.wg.Wait()
	p.logger.Info("Pool closed", "endpoint", p.cfg.Endpoint)
	return nil
}

// Stats is a point-in-time occupancy snapshot.
type Stats struct {
	Endpoint string `json:"endpoint"`
	Size     int    `json:"size"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Waiting  int    `json:"waiting"`
}

// Stats snapshots pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Endpoint: p.cfg.Endpoint,
		Size:     p.size,
		Idle:     len(p.idle),
		InUse:    len(p.inUse),
		Waiting:  p.waiting,
	}
}

func (p *Pool) publishLocked() {
	p.metrics.SetPool(p.cfg.Endpoint, p.size, len(p.idle), p.waiting)
}