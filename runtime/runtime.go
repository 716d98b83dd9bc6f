// Package runtime assembles the semcrew process: registry, broker,
// outbound stream pools, breaker registry, approval gate, router, and
// the workflow engine, all built from one configuration and torn down
// in reverse order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/broker"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/config"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/pool"
	"github.com/c360studio/semcrew/protocol"
	"github.com/c360studio/semcrew/resilience"
	"github.com/c360studio/semcrew/router"
	"github.com/c360studio/semcrew/worker"
	"github.com/c360studio/semcrew/workflow"
)

// Options override construction defaults. Zero values mean the system
// clock, slog.Default(), no-op metrics, and a token resolved from the
// environment.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Token   string
}

// Runtime wires the component graph behind one lifecycle. Identities
// listed in pool.remotes dispatch through a per-endpoint stream pool;
// everything else goes through the broker to workers that dialed in.
// Remote identities hold a registry handle kept fresh by probe pings,
// so the router sees them next to socket workers.
type Runtime struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *agent.Registry
	Breakers *resilience.Registry
	Broker   *broker.Broker
	Pools    map[string]*pool.Pool
	Gate     *approval.Gate
	Router   *router.Router
	Engine   *workflow.Engine

	cfg     *config.Config
	token   string
	remotes map[agent.Identity]*worker.Pooled

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a runtime from cfg. A nil cfg means defaults; the config
// is validated before anything is constructed.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	token := opts.Token
	if token == "" {
		token = config.Token()
	}

	registry := agent.NewRegistry(clk, logger, m)
	breakers := resilience.NewRegistry(breakerConfig(cfg.Breaker), clk, logger, m)
	b := broker.New(brokerConfig(cfg.Broker, token), registry, clk, logger, m)

	pools := make(map[string]*pool.Pool)
	remotes := make(map[agent.Identity]*worker.Pooled)
	for id, endpoint := range cfg.Pool.Remotes {
		identity := agent.Identity(id)
		if !identity.Valid() {
			logger.Warn("Ignoring remote endpoint for unknown identity",
				"agent", id,
				"endpoint", endpoint)
			continue
		}
		p, ok := pools[endpoint]
		if !ok {
			p = pool.New(poolConfig(cfg.Pool, endpoint), pool.DialSocket, nil, clk, logger, m)
			pools[endpoint] = p
		}
		remotes[identity] = worker.NewPooled(p, "driver", clk, logger)
	}

	gate := approval.New(gateConfig(cfg.Approval), clk, logger, m)
	rtr := router.New(routerConfig(cfg.Routing), routingRules(cfg.Routing.Rules), clk, logger)

	var disp agent.TaskDispatcher = b
	if len(remotes) > 0 {
		byID := make(map[agent.Identity]agent.TaskDispatcher, len(remotes))
		for identity, pd := range remotes {
			byID[identity] = pd
		}
		disp = &dispatcher{local: b, remotes: byID}
	}

	engine := workflow.New(workflowConfig(cfg.Workflow), workflow.Deps{
		Dispatcher:  disp,
		Registry:    registry,
		Router:      rtr,
		Gate:        gate,
		Breakers:    breakers,
		Broadcaster: b,
		Clock:       clk,
		Logger:      logger,
		Metrics:     m,
	})

	return &Runtime{
		Clock:    clk,
		Logger:   logger,
		Metrics:  m,
		Registry: registry,
		Breakers: breakers,
		Broker:   b,
		Pools:    pools,
		Gate:     gate,
		Router:   rtr,
		Engine:   engine,
		cfg:      cfg,
		token:    token,
		remotes:  remotes,
		done:     make(chan struct{}),
	}, nil
}

// Token returns the broker auth secret in effect. In-process workers
// authenticate with it.
func (r *Runtime) Token() string {
	return r.token
}

// SocketPath returns the broker's listen endpoint.
func (r *Runtime) SocketPath() string {
	return r.cfg.Broker.SocketPath
}

// Start brings up the broker, the remote pools, and the approval
// gate, then installs a registry handle per remote identity and spawns
// the probe loop that keeps those handles fresh. A partial start is
// rolled back before the error returns.
func (r *Runtime) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.Broker.SocketPath), 0o700); err != nil {
		return err
	}
	if err := r.Broker.Start(ctx); err != nil {
		return err
	}
	for endpoint, p := range r.Pools {
		if err := p.Start(ctx); err != nil {
			r.Stop()
			return fmt.Errorf("start pool %s: %w", endpoint, err)
		}
	}
	if err := r.Gate.Start(ctx); err != nil {
		r.Stop()
		return err
	}

	for identity := range r.remotes {
		r.installRemote(identity)
	}
	if len(r.remotes) > 0 {
		r.wg.Add(1)
		go r.superviseRemotes(r.cfg.Broker.GetHeartbeatTimeout() / 2)
	}

	r.Logger.Info("Runtime started",
		"socket", r.cfg.Broker.SocketPath,
		"remote_pools", len(r.Pools))
	return nil
}

// Stop tears the runtime down in reverse order: engine first so no new
// dispatches reach the transports, then gate, pools, broker. Safe to
// call twice.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()
	r.wg.Wait()

	errs := []error{r.Engine.Stop(), r.Gate.Stop()}
	for _, p := range r.Pools {
		errs = append(errs, p.Close())
	}
	errs = append(errs, r.Broker.Stop())
	return errors.Join(errs...)
}

// installRemote registers a handle for a pooled peer so it routes like
// a socket worker. The pool size caps its concurrency.
func (r *Runtime) installRemote(identity agent.Identity) {
	r.Registry.Install(agent.Registration{
		Identity:     identity,
		Version:      "remote",
		Capabilities: agent.DefaultCapabilities(),
		TaskLimit:    r.cfg.Pool.Max,
	})
}

// superviseRemotes probes every pooled peer each interval. A
// successful ping counts as the peer's heartbeat; a failed one evicts
// the handle so the router stops selecting the identity until a later
// probe reinstalls it.
func (r *Runtime) superviseRemotes(interval time.Duration) {
	defer r.wg.Done()
	for {
		timer := r.Clock.NewTimer(interval)
		select {
		case <-r.done:
			timer.Stop()
			return
		case <-timer.C():
			r.probeRemotes()
		}
	}
}

func (r *Runtime) probeRemotes() {
	for identity, prober := range r.remotes {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Pool.GetCreateTimeout())
		rtt, err := prober.Probe(ctx, identity)
		cancel()

		tok, live := r.Registry.Lookup(identity)
		if err != nil {
			if live {
				r.Registry.Evict(tok)
				r.Logger.Warn("Remote peer unreachable, evicted",
					"agent", identity,
					"error", err)
			}
			continue
		}
		if !live {
			r.installRemote(identity)
			tok, _ = r.Registry.Lookup(identity)
			r.Logger.Info("Remote peer recovered", "agent", identity, "rtt", rtt)
		}
		r.Registry.Heartbeat(tok, r.cfg.Pool.Max)
		r.Registry.ObserveLatency(tok, rtt)
	}
}

// Health is the driver-visible operational snapshot.
type Health struct {
	workflow.Health
	Pools map[string]pool.Stats
}

// Health aggregates worker, breaker, run, approval, and pool state.
func (r *Runtime) Health() Health {
	h := Health{
		Health: r.Engine.Health(),
		Pools:  make(map[string]pool.Stats, len(r.Pools)),
	}
	for endpoint, p := range r.Pools {
		h.Pools[endpoint] = p.Stats()
	}
	return h
}

// dispatcher splits Deliver calls between the broker and the remote
// stream pools by target identity.
type dispatcher struct {
	local   agent.TaskDispatcher
	remotes map[agent.Identity]agent.TaskDispatcher
}

func (d *dispatcher) Deliver(ctx context.Context, taskID string, target agent.Identity, data protocol.TaskData) (agent.Delivery, error) {
	if remote, ok := d.remotes[target]; ok {
		return remote.Deliver(ctx, taskID, target, data)
	}
	return d.local.Deliver(ctx, taskID, target, data)
}

func brokerConfig(c config.BrokerConfig, token string) broker.Config {
	out := broker.DefaultConfig(c.SocketPath)
	out.MaxConnections = c.MaxConnections
	out.HandshakeTimeout = c.GetHandshakeTimeout()
	out.HeartbeatTimeout = c.GetHeartbeatTimeout()
	out.AuthWindow = c.GetAuthWindow()
	out.MaxAuthAttempts = c.MaxAuthAttempts
	if len(c.AllowedAgents) > 0 {
		out.AllowedAgents = c.AllowedAgents
	}
	out.Token = token
	out.SweepInterval = c.GetSweepInterval()
	return out
}

func poolConfig(c config.PoolConfig, endpoint string) pool.Config {
	out := pool.DefaultConfig(endpoint)
	out.Min = c.Min
	out.Max = c.Max
	out.AcquireTimeout = c.GetAcquireTimeout()
	out.CreateTimeout = c.GetCreateTimeout()
	out.IdleTimeout = c.GetIdleTimeout()
	out.ReconnectDelay = c.GetReconnectBase()
	out.ReconnectMultiplier = c.ReconnectMultiplier
	out.MaxReconnectDelay = c.GetReconnectMax()
	out.ReconnectAttempts = c.MaxReconnectAttempts
	return out
}

func breakerConfig(c config.BreakerConfig) resilience.BreakerConfig {
	out := resilience.DefaultBreakerConfig()
	out.FailureThreshold = c.FailureThreshold
	out.Timeout = c.GetTimeout()
	out.SuccessThreshold = c.SuccessThreshold
	out.FallbackTimeout = c.GetFallbackTimeout()
	out.Retry = resilience.RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.GetRetryBase(),
		Multiplier: c.RetryMultiplier,
		MaxDelay:   c.GetRetryMax(),
	}
	return out
}

func gateConfig(c config.ApprovalConfig) approval.Config {
	out := approval.DefaultConfig()
	for _, p := range c.CriticalOperations {
		out.Policies = append(out.Policies, approval.Policy{
			Kind:       p.Kind,
			Approvers:  p.Approvers,
			Timeout:    p.GetTimeout(),
			Roles:      p.RequiredRoles,
			Conditions: conditions(p.Conditions),
		})
	}
	out.AllowSelfApproval = c.AllowSelfApproval
	out.EmergencyRoles = c.EmergencyOverrideRoles
	out.AutoApprove = c.AutoApprove
	out.SweepInterval = c.GetSweepInterval()
	out.Retention = c.GetRetention()
	return out
}

func conditions(in []config.ApprovalCondition) []approval.Condition {
	if len(in) == 0 {
		return nil
	}
	out := make([]approval.Condition, 0, len(in))
	for _, c := range in {
		out = append(out, approval.Condition{
			Field:  c.Field,
			Equals: c.Equals,
			In:     c.In,
		})
	}
	return out
}

func routerConfig(c config.RoutingConfig) router.Config {
	return router.Config{CacheMaxAge: c.GetCacheMaxAge()}
}

func routingRules(in []config.RoutingRule) []router.Rule {
	if len(in) == 0 {
		return nil
	}
	out := make([]router.Rule, 0, len(in))
	for _, r := range in {
		workers := make([]agent.Identity, 0, len(r.Workers))
		for _, w := range r.Workers {
			workers = append(workers, agent.Identity(w))
		}
		out = append(out, router.Rule{
			Name:          r.Name,
			Workers:       workers,
			Patterns:      r.Patterns,
			MinTotalLines: r.MinTotalLines,
			MinFiles:      r.MinFiles,
			Always:        r.Always,
			ScopeAll:      r.ScopeAll,
		})
	}
	return out
}

func workflowConfig(c config.WorkflowConfig) workflow.Config {
	out := workflow.DefaultConfig()
	if timeouts := c.GetTaskTimeouts(); len(timeouts) > 0 {
		out.TaskTimeouts = make(map[agent.Identity]time.Duration, len(timeouts))
		for id, d := range timeouts {
			out.TaskTimeouts[agent.Identity(id)] = d
		}
	}
	out.DefaultTaskTimeout = c.GetDefaultTaskTimeout()
	out.RunTimeout = c.GetRunTimeout()
	if c.BlockingSeverity != "" {
		out.BlockingSeverity = c.BlockingSeverity
	}
	out.TokenBudgetWarn = c.TokenBudgetWarn
	out.LatencyBudgetWarn = c.GetLatencyBudgetWarn()
	if c.ApprovalKind != "" {
		out.ApprovalKind = c.ApprovalKind
	}
	if c.RepoRoot != "" {
		out.RepoRoot = c.RepoRoot
	}
	if c.ReportsDir != "" {
		out.ReportsDir = c.ReportsDir
	}
	return out
}
