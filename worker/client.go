package worker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
)

// DialFunc opens the transport to the broker.
type DialFunc func(ctx context.Context) (net.Conn, error)

// DialSocket dials the broker's stream socket.
func DialSocket(path string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

// Config tunes a worker client.
type Config struct {
	SocketPath           string
	Identity             agent.Identity
	Token                string
	Version              string
	Capabilities         []string
	MaxActiveTasks       int
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectMultiplier  float64
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns the standard worker tuning for one identity.
func DefaultConfig(socketPath string, identity agent.Identity) Config {
	return Config{
		SocketPath:           socketPath,
		Identity:             identity,
		Version:              "dev",
		Capabilities:         agent.DefaultCapabilities(),
		MaxActiveTasks:       10,
		HeartbeatInterval:    30 * time.Second,
		ReconnectDelay:       10 * time.Second,
		ReconnectMultiplier:  2,
		MaxReconnectDelay:    60 * time.Second,
		MaxReconnectAttempts: 30,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.SocketPath, c.Identity)
	if c.Version == "" {
		c.Version = def.Version
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = def.Capabilities
	}
	if c.MaxActiveTasks <= 0 {
		c.MaxActiveTasks = def.MaxActiveTasks
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ReconnectMultiplier <= 1 {
		c.ReconnectMultiplier = def.ReconnectMultiplier
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return c
}

// Client is a long-lived worker process endpoint. It holds one session
// to the broker at a time and reconnects with capped exponential
// backoff when the session drops.
type Client struct {
	cfg     Config
	handler Handler
	dial    DialFunc
	clk     clock.Clock
	logger  *slog.Logger

	onEvent func(name string, payload map[string]any)

	mu      sync.Mutex
	active  map[string]struct{}
	started time.Time

	wg sync.WaitGroup
}

// New builds a client running handler under cfg. A nil dial means the
// configured socket path; a nil clock means the system clock; a nil
// logger means slog.Default().
func New(cfg Config, handler Handler, dial DialFunc, clk clock.Clock, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = DialSocket(cfg.SocketPath)
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dial:    dial,
		clk:     clk,
		logger:  logger,
		active:  make(map[string]struct{}),
	}
}

// OnEvent registers a hook invoked for every broadcast event frame the
// broker pushes (config_reload and run lifecycle notifications). Must
// be called before Run.
func (c *Client) OnEvent(fn func(name string, payload map[string]any)) {
	c.onEvent = fn
}

// ActiveTasks returns the number of tasks currently running.
func (c *Client) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Run connects and serves until ctx is cancelled. Dial failures back
// off exponentially up to MaxReconnectAttempts; a dropped session
// resets the budget and reconnects after the base delay.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.started = c.clk.Now()
	c.mu.Unlock()
	defer c.wg.Wait()

	delay := c.cfg.ReconnectDelay
	attempts := 0
	for {
		if ctx.Err() != nil {
			return fault.New(fault.Cancelled, ctx.Err())
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				return fault.Errorf(fault.Transient,
					"worker %s: connect failed after %d attempts: %v", c.cfg.Identity, attempts, err)
			}
			c.logger.Warn("Connect failed",
				"agent", c.cfg.Identity,
				"attempt", attempts,
				"retry_in", delay,
				"error", err)
			if !c.sleep(ctx, delay) {
				return fault.New(fault.Cancelled, ctx.Err())
			}
			delay = nextDelay(delay, c.cfg.ReconnectMultiplier, c.cfg.MaxReconnectDelay)
			continue
		}
		attempts = 0
		delay = c.cfg.ReconnectDelay

		c.session(ctx, conn)
		if ctx.Err() != nil {
			return fault.New(fault.Cancelled, ctx.Err())
		}
		c.logger.Warn("Session ended, reconnecting",
			"agent", c.cfg.Identity,
			"retry_in", delay)
		if !c.sleep(ctx, delay) {
			return fault.New(fault.Cancelled, ctx.Err())
		}
	}
}

func nextDelay(d time.Duration, multiplier float64, max time.Duration) time.Duration {
	d = time.Duration(float64(d) * multiplier)
	if d > max {
		d = max
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := c.clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// session runs one authenticated connection: handshake, heartbeat
// loop, and the frame read loop. Returns when the stream dies or ctx
// is cancelled.
func (c *Client) session(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)
	done := make(chan struct{})
	defer close(done)

	// The read loop blocks in Read without a deadline; closing the
	// connection is what unblocks it on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	auth, err := protocol.NewAuth(string(c.cfg.Identity), c.cfg.Token, c.clk.Now())
	if err != nil {
		return
	}
	if err := writer.Write(auth); err != nil {
		c.logger.Warn("Auth send failed", "agent", c.cfg.Identity, "error", err)
		return
	}
	reg, err := protocol.NewRegistration(string(c.cfg.Identity), c.clk.Now(), protocol.RegistrationData{
		PID:          os.Getpid(),
		Version:      c.cfg.Version,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return
	}
	if err := writer.Write(reg); err != nil {
		c.logger.Warn("Registration send failed", "agent", c.cfg.Identity, "error", err)
		return
	}
	c.logger.Info("Worker session established",
		"agent", c.cfg.Identity,
		"socket", c.cfg.SocketPath)

	go c.heartbeatLoop(ctx, conn, writer, done)

	for {
		msg, err := reader.Read()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Session read failed", "agent", c.cfg.Identity, "error", err)
			}
			return
		}
		switch msg.Type {
		case protocol.TypeTask:
			c.handleTask(ctx, writer, msg)
		case protocol.TypePing:
			c.handlePing(writer, msg)
		case protocol.TypeEvent:
			c.handleEvent(msg)
		case protocol.TypePong:
		default:
			c.logger.Debug("Unexpected frame", "agent", c.cfg.Identity, "type", msg.Type)
		}
	}
}

// heartbeatLoop reports liveness and load every HeartbeatInterval. A
// failed send closes the connection so the read loop notices.
func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn, writer *protocol.Writer, done <-chan struct{}) {
	for {
		timer := c.clk.NewTimer(c.cfg.HeartbeatInterval)
		select {
		case <-timer.C():
			if err := c.sendHeartbeat(writer); err != nil {
				c.logger.Warn("Heartbeat send failed", "agent", c.cfg.Identity, "error", err)
				conn.Close()
				return
			}
		case <-done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Client) sendHeartbeat(writer *protocol.Writer) error {
	c.mu.Lock()
	active := len(c.active)
	uptime := c.clk.Since(c.started).Seconds()
	c.mu.Unlock()

	status := protocol.WorkerIdle
	if active > 0 {
		status = protocol.WorkerBusy
	}
	hb, err := protocol.NewHeartbeat(string(c.cfg.Identity), c.clk.Now(), protocol.HeartbeatData{
		PID:              os.Getpid(),
		Status:           status,
		ActiveTasks:      active,
		ActiveTasksLimit: c.cfg.MaxActiveTasks,
		UptimeS:          uptime,
	})
	if err != nil {
		return err
	}
	return writer.Write(hb)
}

// handleTask admits one task frame. Past the concurrency cap the reply
// is an immediate capacity failure; otherwise the handler runs in its
// own goroutine under the task deadline.
func (c *Client) handleTask(ctx context.Context, writer *protocol.Writer, msg *protocol.Message) {
	task, err := msg.DecodeTask()
	if err != nil {
		c.logger.Warn("Malformed task frame", "agent", c.cfg.Identity, "task", msg.ID, "error", err)
		c.reply(writer, msg.ID, protocol.ResultData{
			Status: protocol.StatusFailed,
			Error:  err.Error(),
		})
		return
	}

	c.mu.Lock()
	if len(c.active) >= c.cfg.MaxActiveTasks {
		c.mu.Unlock()
		c.logger.Warn("Task rejected at capacity",
			"agent", c.cfg.Identity,
			"task", msg.ID,
			"limit", c.cfg.MaxActiveTasks)
		c.reply(writer, msg.ID, protocol.ResultData{
			Status: protocol.StatusFailed,
			Error:  "worker at capacity",
		})
		return
	}
	c.active[msg.ID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, msg.ID)
			c.mu.Unlock()
		}()
		c.runTask(ctx, writer, msg.ID, task)
	}()
}

// runTask executes the handler and frames its outcome. The status is
// timeout when the task deadline fired, cancelled when the client is
// shutting down, failed on any other handler error.
func (c *Client) runTask(ctx context.Context, writer *protocol.Writer, taskID string, task *protocol.TaskData) {
	start := c.clk.Now()
	taskCtx, cancel, deadlineFired := c.deadlineCtx(ctx, time.Duration(task.DeadlineMS)*time.Millisecond)
	defer cancel()

	results, kpis, err := c.handler.Handle(taskCtx, taskID, task)

	res := protocol.ResultData{
		Status:  protocol.StatusDone,
		Results: results,
		KPIs:    kpis,
	}
	if err != nil {
		res.Error = err.Error()
		switch {
		case deadlineFired():
			res.Status = protocol.StatusTimeout
		case ctx.Err() != nil:
			res.Status = protocol.StatusCancelled
		default:
			res.Status = protocol.StatusFailed
		}
	}
	if res.KPIs.LatencyMS == 0 {
		res.KPIs.LatencyMS = c.clk.Since(start).Milliseconds()
	}

	c.reply(writer, taskID, res)
	c.logger.Info("Task finished",
		"agent", c.cfg.Identity,
		"task", taskID,
		"status", res.Status,
		"latency_ms", res.KPIs.LatencyMS)
}

// deadlineCtx cancels the returned context after d on the client's
// clock. The reporter tells whether the deadline fired. A non-positive
// d means no deadline.
func (c *Client) deadlineCtx(parent context.Context, d time.Duration) (context.Context, context.CancelFunc, func() bool) {
	ctx, cancel := context.WithCancel(parent)
	if d <= 0 {
		return ctx, cancel, func() bool { return false }
	}
	var fired atomic.Bool
	timer := c.clk.NewTimer(d)
	go func() {
		select {
		case <-timer.C():
			fired.Store(true)
			cancel()
		case <-ctx.Done():
			timer.Stop()
		}
	}()
	return ctx, cancel, fired.Load
}

func (c *Client) reply(writer *protocol.Writer, taskID string, res protocol.ResultData) {
	msg, err := protocol.NewResult(taskID, string(c.cfg.Identity), c.clk.Now(), res)
	if err != nil {
		c.logger.Error("Encode task response failed", "task", taskID, "error", err)
		return
	}
	if err := writer.Write(msg); err != nil {
		c.logger.Warn("Task response send failed", "task", taskID, "error", err)
	}
}

func (c *Client) handlePing(writer *protocol.Writer, msg *protocol.Message) {
	pong, err := protocol.NewPong(msg, string(c.cfg.Identity), c.clk.Now())
	if err != nil {
		return
	}
	if err := writer.Write(pong); err != nil {
		c.logger.Warn("Pong send failed", "agent", c.cfg.Identity, "error", err)
	}
}

func (c *Client) handleEvent(msg *protocol.Message) {
	ev, err := msg.DecodeEvent()
	if err != nil {
		c.logger.Warn("Malformed event frame", "agent", c.cfg.Identity, "error", err)
		return
	}
	c.logger.Debug("Broker event", "agent", c.cfg.Identity, "event", ev.Event)
	if c.onEvent != nil {
		c.onEvent(ev.Event, ev.Payload)
	}
}
