// Package broker runs the local stream-socket server workers connect
// to. It admits authenticated streams, installs worker handles in the
// registry, delivers tasks as newline-framed JSON, correlates responses
// to futures, sweeps out silent workers, and applies backpressure
// through bounded per-connection outbound queues.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/protocol"
)

// brokerAgent is the agent field stamped on frames the broker originates.
const brokerAgent = "broker"

// Config tunes the broker.
type Config struct {
	SocketPath       string
	MaxConnections   int
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
	AuthWindow       time.Duration
	MaxAuthAttempts  int
	AllowedAgents    []string
	Token            string
	TaskCap          int
	QueueSize        int
	SweepInterval    time.Duration
}

// DefaultConfig returns the standard broker tuning. The token must be
// supplied by the caller.
func DefaultConfig(socketPath string) Config {
	allowed := make([]string, 0, len(agent.Identities()))
	for _, id := range agent.Identities() {
		allowed = append(allowed, string(id))
	}
	return Config{
		SocketPath:       socketPath,
		MaxConnections:   50,
		HandshakeTimeout: 5 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		AuthWindow:       60 * time.Second,
		MaxAuthAttempts:  5,
		AllowedAgents:    allowed,
		TaskCap:          10,
		QueueSize:        256,
		SweepInterval:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.SocketPath)
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.AuthWindow <= 0 {
		c.AuthWindow = def.AuthWindow
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = def.MaxAuthAttempts
	}
	if len(c.AllowedAgents) == 0 {
		c.AllowedAgents = def.AllowedAgents
	}
	if c.TaskCap <= 0 {
		c.TaskCap = def.TaskCap
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Broker is the IPC server. It owns every worker stream; the registry
// owns the handles. The broker's correlation maps hold registry tokens,
// never handle state, so an evicted worker invalidates everything that
// pointed at it in one place.
type Broker struct {
	cfg      Config
	registry *agent.Registry
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	limiter *authLimiter
	hub     *Hub
	allowed map[string]bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	byToken  map[agent.Token]*conn
	futures  map[string]*future
	pongs    map[string]chan *protocol.Message
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a broker over the given registry. A nil clock means the
// system clock; a nil logger means slog.Default(); metrics may be nil.
func New(cfg Config, registry *agent.Registry, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Broker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	allowed := make(map[string]bool, len(cfg.AllowedAgents))
	for _, a := range cfg.AllowedAgents {
		allowed[a] = true
	}

	return &Broker{
		cfg:      cfg,
		registry: registry,
		clk:      clk,
		logger:   logger,
		metrics:  m,
		limiter:  newAuthLimiter(clk, cfg.AuthWindow, cfg.MaxAuthAttempts),
		hub:      NewHub(),
		allowed:  allowed,
		conns:    make(map[*conn]struct{}),
		byToken:  make(map[agent.Token]*conn),
		futures:  make(map[string]*future),
		pongs:    make(map[string]chan *protocol.Message),
		done:     make(chan struct{}),
	}
}

// Events returns the broker's lifecycle hub (worker_registered,
// worker_evicted).
func (b *Broker) Events() *Hub {
	return b.hub
}

// Start binds the socket and spawns the accept and sweep loops.
func (b *Broker) Start(ctx context.Context) error {
	if b.cfg.Token == "" {
		return errors.New("broker: auth token not configured")
	}

	// A previous run may have left the socket file behind.
	if err := os.Remove(b.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	l, err := net.Listen("unix", b.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(b.cfg.SocketPath, 0o600); err != nil {
		l.Close()
		return err
	}

	b.mu.Lock()
	b.listener = netutil.LimitListener(l, b.cfg.MaxConnections)
	b.mu.Unlock()

	b.wg.Add(2)
	go b.acceptLoop()
	go b.sweepLoop()

	b.logger.Info("Broker listening",
		"socket", b.cfg.SocketPath,
		"max_connections", b.cfg.MaxConnections)
	return nil
}

// Stop closes the listener, destroys every stream, and cancels every
// outstanding future. Safe to call twice.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	l := b.listener

	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	futures := make([]*future, 0, len(b.futures))
	for _, f := range b.futures {
		futures = append(futures, f)
	}
	b.futures = make(map[string]*future)
	b.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.destroy()
	}
	for _, f := range futures {
		b.registry.Release(f.token, f.taskID)
		f.resolve(nil, fault.Errorf(fault.Cancelled, "broker stopped"))
	}

	b.wg.Wait()
	os.Remove(b.cfg.SocketPath)
	b.logger.Info("Broker stopped")
	return nil
}

// ServeConn runs a broker session on an established connection, used
// to bind in-process workers without a socket. Blocks until the stream
// ends.
func (b *Broker) ServeConn(netConn net.Conn) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		netConn.Close()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()
	b.serve(netConn)
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		netConn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Error("Accept failed", "error", err)
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serve(netConn)
		}()
	}
}

func (b *Broker) serve(netConn net.Conn) {
	c := newConn(netConn, b.cfg.QueueSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.destroy()
		return
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.destroy()
	}()

	go b.readPump(c)
	go b.writePump(c)

	if !b.handshake(c) {
		return
	}
	b.readLoop(c)
}

func (b *Broker) sweepLoop() {
	defer b.wg.Done()
	for {
		timer := b.clk.NewTimer(b.cfg.SweepInterval)
		select {
		case <-b.done:
			timer.Stop()
			return
		case <-timer.C():
			b.sweep()
		}
	}
}

// sweep evicts every handle silent for longer than HeartbeatTimeout
// and fails its outstanding futures with WorkerTimeout.
func (b *Broker) sweep() {
	now := b.clk.Now()
	for _, snap := range b.registry.List() {
		if now.Sub(snap.LastHeartbeat) <= b.cfg.HeartbeatTimeout {
			continue
		}
		b.logger.Warn("Worker heartbeat expired",
			"agent", snap.Identity,
			"last_heartbeat", snap.LastHeartbeat,
			"timeout", b.cfg.HeartbeatTimeout)
		b.evict(snap.Token, snap.Identity,
			fault.Errorf(fault.WorkerTimeout, "worker %s heartbeat expired", snap.Identity))
	}
}

// evict removes the handle, destroys its stream, and fails every
// orphaned future with cause.
func (b *Broker) evict(tok agent.Token, identity agent.Identity, cause error) {
	orphaned, ok := b.registry.Evict(tok)
	if !ok {
		return
	}

	b.mu.Lock()
	c := b.byToken[tok]
	delete(b.byToken, tok)
	b.mu.Unlock()

	for _, taskID := range orphaned {
		b.failFuture(taskID, cause)
	}
	if c != nil {
		c.destroy()
	}

	b.hub.Publish(Event{
		Name:  EventWorkerEvicted,
		Agent: identity,
		At:    b.clk.Now(),
		Payload: map[string]any{
			"orphaned_tasks": len(orphaned),
			"reason":         cause.Error(),
		},
	})
}

// failFuture resolves one future with err, releasing its reservation.
// Returns false when the future was already resolved or never existed.
func (b *Broker) failFuture(taskID string, cause error) bool {
	b.mu.Lock()
	f, ok := b.futures[taskID]
	if ok {
		delete(b.futures, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.registry.Release(f.token, taskID)
	b.metrics.TaskFailed(string(fault.KindOf(cause)))
	return f.resolve(nil, cause)
}