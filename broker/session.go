package broker

import (
	"crypto/subtle"
	"net"
	"sync"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
)

type readResult struct {
	msg *protocol.Message
	err error
}

// conn is one worker stream. Reads flow through a single pump goroutine
// into inbound; writes flow through the bounded outbound queue drained
// by a single writer goroutine, so frames never interleave.
type conn struct {
	netConn net.Conn
	reader  *protocol.Reader
	writer  *protocol.Writer
	remote  string

	inbound  chan readResult
	outbound chan []byte
	dead     chan struct{}

	mu       sync.Mutex
	tok      agent.Token
	identity agent.Identity
	degraded bool

	destroyOnce sync.Once
}

func newConn(netConn net.Conn, queueSize int) *conn {
	remote := ""
	if addr := netConn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &conn{
		netConn:  netConn,
		reader:   protocol.NewReader(netConn),
		writer:   protocol.NewWriter(netConn),
		remote:   remote,
		inbound:  make(chan readResult),
		outbound: make(chan []byte, queueSize),
		dead:     make(chan struct{}),
	}
}

func (c *conn) destroy() {
	c.destroyOnce.Do(func() {
		close(c.dead)
		c.netConn.Close()
	})
}

func (c *conn) register(tok agent.Token, identity agent.Identity) {
	c.mu.Lock()
	c.tok = tok
	c.identity = identity
	c.mu.Unlock()
}

func (c *conn) token() agent.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok
}

func (c *conn) agentID() agent.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// setDegraded flips the local flag and reports whether it changed.
func (c *conn) setDegraded(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded == v {
		return false
	}
	c.degraded = v
	return true
}

func (c *conn) isDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// readPump moves frames from the socket into the inbound channel until
// the stream dies.
func (b *Broker) readPump(c *conn) {
	defer close(c.inbound)
	for {
		msg, err := c.reader.Read()
		if err != nil {
			select {
			case c.inbound <- readResult{err: err}:
			case <-c.dead:
			}
			return
		}
		b.metrics.FrameRead()
		select {
		case c.inbound <- readResult{msg: msg}:
		case <-c.dead:
			return
		}
	}
}

// writePump drains the outbound queue. Dropping below half capacity
// clears the degraded gate set by a full queue.
func (b *Broker) writePump(c *conn) {
	for {
		select {
		case data := <-c.outbound:
			if err := c.writer.WriteRaw(data); err != nil {
				b.logger.Warn("Stream write failed",
					"agent", c.agentID(),
					"error", err)
				c.destroy()
				return
			}
			b.metrics.FrameWritten()
			if c.isDegraded() && len(c.outbound) <= cap(c.outbound)/2 {
				if tok := c.token(); tok != 0 {
					b.registry.SetDegraded(tok, false)
				}
				c.setDegraded(false)
				b.logger.Info("Worker queue drained", "agent", c.agentID())
			}
		case <-c.dead:
			return
		}
	}
}

// enqueue appends one encoded frame to the connection's outbound
// queue. A full queue flips the handle to degraded and fails with
// WorkerBusy until the writer drains it.
func (b *Broker) enqueue(c *conn, data []byte) error {
	select {
	case <-c.dead:
		return fault.Errorf(fault.WorkerUnavailable, "stream closed for %s", c.agentID())
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	default:
	}

	if c.setDegraded(true) {
		if tok := c.token(); tok != 0 {
			b.registry.SetDegraded(tok, true)
		}
		b.logger.Warn("Worker outbound queue full",
			"agent", c.agentID(),
			"depth", cap(c.outbound))
	}
	return fault.Errorf(fault.WorkerBusy, "outbound queue full for %s", c.agentID())
}

// handshake admits one stream: an auth frame, then a registration
// frame, both within HandshakeTimeout. Any deviation destroys the
// stream. Returns whether the conn reached registered state.
func (b *Broker) handshake(c *conn) bool {
	timer := b.clk.NewTimer(b.cfg.HandshakeTimeout)
	defer timer.Stop()

	authID, ok := b.awaitAuth(c, timer)
	if !ok {
		return false
	}
	return b.awaitRegistration(c, timer, authID)
}

func (b *Broker) awaitAuth(c *conn, timer clock.Timer) (string, bool) {
	select {
	case r, open := <-c.inbound:
		if !open || r.err != nil {
			b.logger.Debug("Stream ended before auth", "remote", c.remote)
			return "", false
		}
		msg := r.msg
		if msg.Type != protocol.TypeAuth {
			b.logger.Warn("First frame was not auth",
				"remote", c.remote,
				"type", msg.Type)
			return "", false
		}
		auth, err := msg.DecodeAuth()
		if err != nil {
			b.logger.Warn("Malformed auth frame", "remote", c.remote, "error", err)
			return "", false
		}

		key := auth.AgentID
		if key == "" {
			key = c.remote
		}
		// A disqualified peer is refused before the token is even
		// looked at.
		if b.limiter.Disqualified(key) {
			b.metrics.AuthFailed()
			b.logger.Warn("Auth rate limit exceeded", "agent", auth.AgentID, "remote", c.remote)
			return "", false
		}
		if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(b.cfg.Token)) != 1 {
			b.limiter.RecordFailure(key)
			b.metrics.AuthFailed()
			b.logger.Warn("Authentication failed", "agent", auth.AgentID, "remote", c.remote)
			return "", false
		}
		if !b.allowed[auth.AgentID] {
			b.limiter.RecordFailure(key)
			b.metrics.AuthFailed()
			b.logger.Warn("Agent not in allow-list", "agent", auth.AgentID)
			return "", false
		}

		b.limiter.Reset(key)
		return auth.AgentID, true

	case <-timer.C():
		b.logger.Warn("Handshake timeout before auth", "remote", c.remote)
		return "", false
	case <-b.done:
		return "", false
	}
}

func (b *Broker) awaitRegistration(c *conn, timer clock.Timer, authID string) bool {
	select {
	case r, open := <-c.inbound:
		if !open || r.err != nil {
			b.logger.Debug("Stream ended before registration", "agent", authID)
			return false
		}
		msg := r.msg
		if msg.Type != protocol.TypeRegistration {
			b.logger.Warn("Expected registration frame",
				"agent", authID,
				"type", msg.Type)
			return false
		}
		reg, err := msg.DecodeRegistration()
		if err != nil {
			b.logger.Warn("Malformed registration frame", "agent", authID, "error", err)
			return false
		}
		if reg.Agent != authID {
			b.logger.Warn("Registration identity mismatch",
				"authenticated", authID,
				"registered", reg.Agent)
			return false
		}
		identity := agent.Identity(reg.Agent)
		if !identity.Valid() {
			b.logger.Warn("Unknown worker identity", "agent", reg.Agent)
			return false
		}

		b.install(c, identity, reg)
		return true

	case <-timer.C():
		b.logger.Warn("Handshake timeout before registration", "agent", authID)
		return false
	case <-b.done:
		return false
	}
}

// install atomically replaces any prior handle for the identity,
// fails the replaced handle's futures, and destroys its stream.
func (b *Broker) install(c *conn, identity agent.Identity, reg *protocol.RegistrationData) {
	tok, replaced, orphaned := b.registry.Install(agent.Registration{
		Identity:     identity,
		PID:          reg.PID,
		Version:      reg.Version,
		Capabilities: reg.Capabilities,
		TaskLimit:    b.cfg.TaskCap,
	})

	var prior *conn
	b.mu.Lock()
	if replaced != 0 {
		prior = b.byToken[replaced]
		delete(b.byToken, replaced)
	}
	b.byToken[tok] = c
	b.mu.Unlock()

	c.register(tok, identity)

	for _, taskID := range orphaned {
		b.failFuture(taskID, fault.Errorf(fault.WorkerUnavailable,
			"worker %s re-registered while task %s was in flight", identity, taskID))
	}
	if prior != nil {
		prior.destroy()
	}

	b.hub.Publish(Event{
		Name:  EventWorkerRegistered,
		Agent: identity,
		At:    b.clk.Now(),
		Payload: map[string]any{
			"pid":     reg.PID,
			"version": reg.Version,
		},
	})
}

// readLoop consumes frames from a registered stream. A read error
// marks the handle errored and leaves eviction to the heartbeat sweep,
// so an abrupt worker death surfaces as WorkerTimeout once the
// heartbeat window closes.
func (b *Broker) readLoop(c *conn) {
	for {
		select {
		case r, open := <-c.inbound:
			if !open || r.err != nil {
				if r.err != nil {
					b.logger.Warn("Worker stream failed",
						"agent", c.agentID(),
						"error", r.err)
				}
				if tok := c.token(); tok != 0 {
					b.registry.MarkErrored(tok)
				}
				c.destroy()
				return
			}
			b.handleFrame(c, r.msg)
		case <-c.dead:
			return
		case <-b.done:
			c.destroy()
			return
		}
	}
}

func (b *Broker) handleFrame(c *conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeTask:
		b.handleResult(c, msg)
	case protocol.TypeHeartbeat:
		b.handleHeartbeat(c, msg)
	case protocol.TypePing:
		b.handlePing(c, msg)
	case protocol.TypePong:
		b.handlePong(msg)
	case protocol.TypeEvent:
		b.handleEvent(c, msg)
	default:
		b.logger.Warn("Unexpected frame after handshake",
			"agent", c.agentID(),
			"type", msg.Type)
	}
}

// handleResult correlates a task response to its future. Unmatched ids
// are duplicates or responses to already-failed tasks; both drop.
func (b *Broker) handleResult(c *conn, msg *protocol.Message) {
	b.mu.Lock()
	f, ok := b.futures[msg.ID]
	if ok {
		delete(b.futures, msg.ID)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("Unmatched task response dropped",
			"task", msg.ID,
			"agent", c.agentID())
		return
	}

	b.registry.Release(f.token, msg.ID)

	res, err := msg.DecodeResult()
	if err != nil {
		f.resolve(nil, err)
		return
	}

	elapsed := b.clk.Since(f.sentAt)
	b.registry.ObserveLatency(f.token, elapsed)
	b.metrics.ObserveTaskLatency(elapsed)
	f.resolve(res, nil)

	b.logger.Debug("Task response correlated",
		"task", msg.ID,
		"agent", c.agentID(),
		"status", res.Status,
		"elapsed", elapsed)
}

func (b *Broker) handleHeartbeat(c *conn, msg *protocol.Message) {
	tok := c.token()
	if tok == 0 {
		return
	}
	hb, err := msg.DecodeHeartbeat()
	if err != nil {
		b.logger.Warn("Malformed heartbeat", "agent", c.agentID(), "error", err)
		return
	}
	b.registry.Heartbeat(tok, hb.ActiveTasksLimit)
}

func (b *Broker) handlePing(c *conn, msg *protocol.Message) {
	pong, err := protocol.NewPong(msg, brokerAgent, b.clk.Now())
	if err != nil {
		return
	}
	data, err := protocol.Encode(pong)
	if err != nil {
		return
	}
	if err := b.enqueue(c, data); err != nil {
		b.logger.Debug("Pong dropped", "agent", c.agentID(), "error", err)
	}
}

func (b *Broker) handlePong(msg *protocol.Message) {
	b.mu.Lock()
	ch := b.pongs[msg.ID]
	delete(b.pongs, msg.ID)
	b.mu.Unlock()
	if ch != nil {
		ch <- msg
	}
}

func (b *Broker) handleEvent(c *conn, msg *protocol.Message) {
	ev, err := msg.DecodeEvent()
	if err != nil {
		b.logger.Warn("Malformed event frame", "agent", c.agentID(), "error", err)
		return
	}
	b.logger.Debug("Worker event", "agent", c.agentID(), "event", ev.Event)
	b.hub.Publish(Event{
		Name:    ev.Event,
		Agent:   c.agentID(),
		At:      b.clk.Now(),
		Payload: ev.Payload,
	})
}