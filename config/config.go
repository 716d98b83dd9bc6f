// Package config provides configuration loading and management for
// semcrew. Options named *_ms are integer milliseconds; other duration
// options are strings in time.ParseDuration form, read through Get*
// accessors that fall back to defaults when unset.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvToken is the environment variable carrying the shared IPC secret.
const EnvToken = "SEMCREW_IPC_TOKEN"

// Config represents the complete semcrew configuration.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Pool     PoolConfig     `yaml:"pool"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Approval ApprovalConfig `yaml:"approval"`
	Routing  RoutingConfig  `yaml:"routing"`
}

// BrokerConfig configures the IPC broker.
type BrokerConfig struct {
	// SocketPath is the unix socket the broker listens on.
	SocketPath string `yaml:"socket_path"`
	// MaxConnections caps concurrently accepted streams (default: 50)
	MaxConnections int `yaml:"max_connections"`
	// HandshakeTimeoutMS bounds the wait for the auth frame (default: 5000)
	HandshakeTimeoutMS int64 `yaml:"handshake_timeout_ms"`
	// HeartbeatTimeoutMS is the silence span after which a worker is
	// considered dead (default: 30000)
	HeartbeatTimeoutMS int64 `yaml:"heartbeat_timeout_ms"`
	// AuthWindowMS is the failed-auth rate limit window (default: 60000)
	AuthWindowMS int64 `yaml:"auth_window_ms"`
	// MaxAuthAttempts is the failed-auth cap per peer per window (default: 5)
	MaxAuthAttempts int `yaml:"max_auth_attempts"`
	// AllowedAgents lists the identities permitted to register
	// (empty = the built-in identity set)
	AllowedAgents []string `yaml:"allowed_agents"`
	// SweepInterval is how often the liveness sweep runs (default: 5s)
	SweepInterval string `yaml:"sweep_interval"`
}

// PoolConfig configures outbound connection pools.
type PoolConfig struct {
	// Min is the idle floor kept warm (default: 1)
	Min int `yaml:"min"`
	// Max caps total connections per endpoint (default: 4)
	Max int `yaml:"max"`
	// AcquireTimeoutMS bounds the wait for a free connection (default: 5000)
	AcquireTimeoutMS int64 `yaml:"acquire_timeout_ms"`
	// CreateTimeoutMS bounds dial plus handshake (default: 10000)
	CreateTimeoutMS int64 `yaml:"create_timeout_ms"`
	// IdleTimeoutMS retires connections idle this long (default: 300000)
	IdleTimeoutMS int64 `yaml:"idle_timeout_ms"`
	// ReconnectBaseMS is the first reconnect backoff step (default: 1000)
	ReconnectBaseMS int64 `yaml:"reconnect_base_ms"`
	// ReconnectMultiplier grows the backoff (default: 2)
	ReconnectMultiplier float64 `yaml:"reconnect_multiplier"`
	// ReconnectMaxMS caps the backoff (default: 30000)
	ReconnectMaxMS int64 `yaml:"reconnect_max_ms"`
	// MaxReconnectAttempts gives up after this many dials (default: 10)
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// Remotes maps a worker identity to an outbound socket endpoint.
	// Those identities dispatch through a stream pool to the remote
	// peer instead of the broker.
	Remotes map[string]string `yaml:"remotes,omitempty"`
}

// BreakerConfig configures circuit breakers and their retry policy.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures (default: 5)
	FailureThreshold int `yaml:"failure_threshold"`
	// TimeoutMS is how long the breaker stays open (default: 60000)
	TimeoutMS int64 `yaml:"timeout_ms"`
	// SuccessThreshold closes from half-open after this many
	// consecutive successes (default: 3)
	SuccessThreshold int `yaml:"success_threshold"`
	// MaxRetries bounds retry attempts inside the primary path (default: 3)
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseMS is the first retry backoff step (default: 1000)
	RetryBaseMS int64 `yaml:"retry_base_ms"`
	// RetryMultiplier grows the retry backoff (default: 2)
	RetryMultiplier float64 `yaml:"retry_multiplier"`
	// RetryMaxMS caps the retry backoff (default: 30000)
	RetryMaxMS int64 `yaml:"retry_max_ms"`
	// FallbackTimeoutMS is the deadline for a configured fallback (default: 5000)
	FallbackTimeoutMS int64 `yaml:"fallback_timeout_ms"`
}

// WorkflowConfig configures the run engine.
type WorkflowConfig struct {
	// PerTaskTimeoutMS maps a worker identity to its task deadline.
	PerTaskTimeoutMS map[string]int64 `yaml:"per_task_timeout_ms"`
	// DefaultTaskTimeoutMS applies to identities without an entry (default: 120000)
	DefaultTaskTimeoutMS int64 `yaml:"default_task_timeout_ms"`
	// BlockingSeverity is the lowest failure severity that blocks the
	// gate, one of low|medium|high|critical (default: high)
	BlockingSeverity string `yaml:"blocking_severity"`
	// TokenBudgetWarn warns when a run's token total exceeds it (0 = off)
	TokenBudgetWarn int `yaml:"token_budget_warn"`
	// LatencyBudgetWarnMS warns per worker past this latency (0 = off)
	LatencyBudgetWarnMS int64 `yaml:"latency_budget_warn_ms"`
	// RunTimeout bounds a whole run (default: 30m)
	RunTimeout string `yaml:"run_timeout"`
	// RepoRoot is the checkout workers analyze (default: .)
	RepoRoot string `yaml:"repo_root"`
	// ReportsDir is where workers drop artifacts (default: reports)
	ReportsDir string `yaml:"reports_dir"`
	// ApprovalKind is the critical-operation kind checked at GATE
	// (default: production_merge)
	ApprovalKind string `yaml:"approval_kind"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// CriticalOperations lists the operation kinds that need signoff.
	CriticalOperations []ApprovalPolicy `yaml:"critical_operations"`
	// AllowSelfApproval lets a requester approve their own request.
	AllowSelfApproval bool `yaml:"allow_self_approval"`
	// EmergencyOverrideRoles approve immediately, bypassing thresholds.
	EmergencyOverrideRoles []string `yaml:"emergency_override_roles"`
	// AutoApprove resolves every request immediately (non-production).
	AutoApprove bool `yaml:"auto_approve"`
	// SweepInterval is how often expired requests are swept (default: 1m)
	SweepInterval string `yaml:"sweep_interval"`
	// Retention keeps resolved requests queryable this long (default: 1h)
	Retention string `yaml:"retention"`
}

// ApprovalPolicy is one critical-operation entry.
type ApprovalPolicy struct {
	Kind string `yaml:"kind"`
	// Approvers is the signoff threshold (default: 2)
	Approvers int `yaml:"approvers"`
	// TimeoutMS expires an unresolved request (default: 1800000)
	TimeoutMS int64 `yaml:"timeout_ms"`
	// RequiredRoles allow-lists approver roles (empty = any)
	RequiredRoles []string `yaml:"required_roles"`
	// Conditions guard when the policy applies; all must hold.
	Conditions []ApprovalCondition `yaml:"conditions"`
}

// ApprovalCondition matches one payload field.
type ApprovalCondition struct {
	Field  string   `yaml:"field"`
	Equals string   `yaml:"equals,omitempty"`
	In     []string `yaml:"in,omitempty"`
}

// RoutingConfig configures the router.
type RoutingConfig struct {
	// CacheMaxAgeMS bounds plan cache entries (default: 300000)
	CacheMaxAgeMS int64 `yaml:"cache_max_age_ms"`
	// Rules replaces the built-in skill table when non-empty.
	Rules []RoutingRule `yaml:"rules"`
}

// RoutingRule is one skill-table entry.
type RoutingRule struct {
	Name          string   `yaml:"name"`
	Workers       []string `yaml:"workers"`
	Patterns      []string `yaml:"patterns,omitempty"`
	MinTotalLines int      `yaml:"min_total_lines,omitempty"`
	MinFiles      int      `yaml:"min_files,omitempty"`
	Always        bool     `yaml:"always,omitempty"`
	ScopeAll      bool     `yaml:"scope_all,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			SocketPath:         filepath.Join(os.TempDir(), "semcrew", "broker.sock"),
			MaxConnections:     50,
			HandshakeTimeoutMS: 5000,
			HeartbeatTimeoutMS: 30000,
			AuthWindowMS:       60000,
			MaxAuthAttempts:    5,
			SweepInterval:      "5s",
		},
		Pool: PoolConfig{
			Min:                  1,
			Max:                  4,
			AcquireTimeoutMS:     5000,
			CreateTimeoutMS:      10000,
			IdleTimeoutMS:        300000,
			ReconnectBaseMS:      1000,
			ReconnectMultiplier:  2,
			ReconnectMaxMS:       30000,
			MaxReconnectAttempts: 10,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			TimeoutMS:         60000,
			SuccessThreshold:  3,
			MaxRetries:        3,
			RetryBaseMS:       1000,
			RetryMultiplier:   2,
			RetryMaxMS:        30000,
			FallbackTimeoutMS: 5000,
		},
		Workflow: WorkflowConfig{
			DefaultTaskTimeoutMS: 120000,
			BlockingSeverity:     "high",
			RunTimeout:           "30m",
			RepoRoot:             ".",
			ReportsDir:           "reports",
			ApprovalKind:         "production_merge",
		},
		Approval: ApprovalConfig{
			SweepInterval: "1m",
			Retention:     "1h",
		},
		Routing: RoutingConfig{
			CacheMaxAgeMS: 300000,
		},
	}
}

var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Broker.SocketPath == "" {
		return fmt.Errorf("broker.socket_path is required")
	}
	if c.Broker.MaxConnections <= 0 {
		return fmt.Errorf("broker.max_connections must be positive")
	}
	if c.Pool.Max <= 0 {
		return fmt.Errorf("pool.max must be positive")
	}
	if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("pool.min must be between 0 and pool.max")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive")
	}
	if c.Breaker.RetryMultiplier < 1 {
		return fmt.Errorf("breaker.retry_multiplier must be at least 1")
	}
	if s := c.Workflow.BlockingSeverity; s != "" && !severities[s] {
		return fmt.Errorf("workflow.blocking_severity must be one of low, medium, high, critical")
	}
	for _, field := range []struct{ name, value string }{
		{"broker.sweep_interval", c.Broker.SweepInterval},
		{"workflow.run_timeout", c.Workflow.RunTimeout},
		{"approval.sweep_interval", c.Approval.SweepInterval},
		{"approval.retention", c.Approval.Retention},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for i, op := range c.Approval.CriticalOperations {
		if op.Kind == "" {
			return fmt.Errorf("approval.critical_operations[%d].kind is required", i)
		}
		if op.Approvers < 0 {
			return fmt.Errorf("approval.critical_operations[%d].approvers must not be negative", i)
		}
	}
	for i, rule := range c.Routing.Rules {
		if rule.Name == "" {
			return fmt.Errorf("routing.rules[%d].name is required", i)
		}
		if len(rule.Workers) == 0 {
			return fmt.Errorf("routing.rules[%d].workers is required", i)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one. Non-zero scalar values
// and non-empty lists from other take precedence; boolean flags merge
// when set true.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Broker
	if other.Broker.SocketPath != "" {
		c.Broker.SocketPath = other.Broker.SocketPath
	}
	if other.Broker.MaxConnections != 0 {
		c.Broker.MaxConnections = other.Broker.MaxConnections
	}
	if other.Broker.HandshakeTimeoutMS != 0 {
		c.Broker.HandshakeTimeoutMS = other.Broker.HandshakeTimeoutMS
	}
	if other.Broker.HeartbeatTimeoutMS != 0 {
		c.Broker.HeartbeatTimeoutMS = other.Broker.HeartbeatTimeoutMS
	}
	if other.Broker.AuthWindowMS != 0 {
		c.Broker.AuthWindowMS = other.Broker.AuthWindowMS
	}
	if other.Broker.MaxAuthAttempts != 0 {
		c.Broker.MaxAuthAttempts = other.Broker.MaxAuthAttempts
	}
	if len(other.Broker.AllowedAgents) > 0 {
		c.Broker.AllowedAgents = other.Broker.AllowedAgents
	}
	if other.Broker.SweepInterval != "" {
		c.Broker.SweepInterval = other.Broker.SweepInterval
	}

	// Pool
	if other.Pool.Min != 0 {
		c.Pool.Min = other.Pool.Min
	}
	if other.Pool.Max != 0 {
		c.Pool.Max = other.Pool.Max
	}
	if other.Pool.AcquireTimeoutMS != 0 {
		c.Pool.AcquireTimeoutMS = other.Pool.AcquireTimeoutMS
	}
	if other.Pool.CreateTimeoutMS != 0 {
		c.Pool.CreateTimeoutMS = other.Pool.CreateTimeoutMS
	}
	if other.Pool.IdleTimeoutMS != 0 {
		c.Pool.IdleTimeoutMS = other.Pool.IdleTimeoutMS
	}
	if other.Pool.ReconnectBaseMS != 0 {
		c.Pool.ReconnectBaseMS = other.Pool.ReconnectBaseMS
	}
	if other.Pool.ReconnectMultiplier != 0 {
		c.Pool.ReconnectMultiplier = other.Pool.ReconnectMultiplier
	}
	if other.Pool.ReconnectMaxMS != 0 {
		c.Pool.ReconnectMaxMS = other.Pool.ReconnectMaxMS
	}
	if other.Pool.MaxReconnectAttempts != 0 {
		c.Pool.MaxReconnectAttempts = other.Pool.MaxReconnectAttempts
	}
	if len(other.Pool.Remotes) > 0 {
		c.Pool.Remotes = other.Pool.Remotes
	}

	// Breaker
	if other.Breaker.FailureThreshold != 0 {
		c.Breaker.FailureThreshold = other.Breaker.FailureThreshold
	}
	if other.Breaker.TimeoutMS != 0 {
		c.Breaker.TimeoutMS = other.Breaker.TimeoutMS
	}
	if other.Breaker.SuccessThreshold != 0 {
		c.Breaker.SuccessThreshold = other.Breaker.SuccessThreshold
	}
	if other.Breaker.MaxRetries != 0 {
		c.Breaker.MaxRetries = other.Breaker.MaxRetries
	}
	if other.Breaker.RetryBaseMS != 0 {
		c.Breaker.RetryBaseMS = other.Breaker.RetryBaseMS
	}
	if other.Breaker.RetryMultiplier != 0 {
		c.Breaker.RetryMultiplier = other.Breaker.RetryMultiplier
	}
	if other.Breaker.RetryMaxMS != 0 {
		c.Breaker.RetryMaxMS = other.Breaker.RetryMaxMS
	}
	if other.Breaker.FallbackTimeoutMS != 0 {
		c.Breaker.FallbackTimeoutMS = other.Breaker.FallbackTimeoutMS
	}

	// Workflow
	if len(other.Workflow.PerTaskTimeoutMS) > 0 {
		c.Workflow.PerTaskTimeoutMS = other.Workflow.PerTaskTimeoutMS
	}
	if other.Workflow.DefaultTaskTimeoutMS != 0 {
		c.Workflow.DefaultTaskTimeoutMS = other.Workflow.DefaultTaskTimeoutMS
	}
	if other.Workflow.BlockingSeverity != "" {
		c.Workflow.BlockingSeverity = other.Workflow.BlockingSeverity
	}
	if other.Workflow.TokenBudgetWarn != 0 {
		c.Workflow.TokenBudgetWarn = other.Workflow.TokenBudgetWarn
	}
	if other.Workflow.LatencyBudgetWarnMS != 0 {
		c.Workflow.LatencyBudgetWarnMS = other.Workflow.LatencyBudgetWarnMS
	}
	if other.Workflow.RunTimeout != "" {
		c.Workflow.RunTimeout = other.Workflow.RunTimeout
	}
	if other.Workflow.RepoRoot != "" {
		c.Workflow.RepoRoot = other.Workflow.RepoRoot
	}
	if other.Workflow.ReportsDir != "" {
		c.Workflow.ReportsDir = other.Workflow.ReportsDir
	}
	if other.Workflow.ApprovalKind != "" {
		c.Workflow.ApprovalKind = other.Workflow.ApprovalKind
	}

	// Approval
	if len(other.Approval.CriticalOperations) > 0 {
		c.Approval.CriticalOperations = other.Approval.CriticalOperations
	}
	if other.Approval.AllowSelfApproval {
		c.Approval.AllowSelfApproval = true
	}
	if len(other.Approval.EmergencyOverrideRoles) > 0 {
		c.Approval.EmergencyOverrideRoles = other.Approval.EmergencyOverrideRoles
	}
	if other.Approval.AutoApprove {
		c.Approval.AutoApprove = true
	}
	if other.Approval.SweepInterval != "" {
		c.Approval.SweepInterval = other.Approval.SweepInterval
	}
	if other.Approval.Retention != "" {
		c.Approval.Retention = other.Approval.Retention
	}

	// Routing
	if other.Routing.CacheMaxAgeMS != 0 {
		c.Routing.CacheMaxAgeMS = other.Routing.CacheMaxAgeMS
	}
	if len(other.Routing.Rules) > 0 {
		c.Routing.Rules = other.Routing.Rules
	}
}

func msDuration(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func strDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetHandshakeTimeout returns the handshake deadline.
func (c BrokerConfig) GetHandshakeTimeout() time.Duration {
	return msDuration(c.HandshakeTimeoutMS, 5*time.Second)
}

// GetHeartbeatTimeout returns the worker liveness deadline.
func (c BrokerConfig) GetHeartbeatTimeout() time.Duration {
	return msDuration(c.HeartbeatTimeoutMS, 30*time.Second)
}

// GetAuthWindow returns the failed-auth rate limit window.
func (c BrokerConfig) GetAuthWindow() time.Duration {
	return msDuration(c.AuthWindowMS, 60*time.Second)
}

// GetSweepInterval returns the liveness sweep cadence.
func (c BrokerConfig) GetSweepInterval() time.Duration {
	return strDuration(c.SweepInterval, 5*time.Second)
}

// GetAcquireTimeout returns the pool acquire deadline.
func (c PoolConfig) GetAcquireTimeout() time.Duration {
	return msDuration(c.AcquireTimeoutMS, 5*time.Second)
}

// GetCreateTimeout returns the pool dial deadline.
func (c PoolConfig) GetCreateTimeout() time.Duration {
	return msDuration(c.CreateTimeoutMS, 10*time.Second)
}

// GetIdleTimeout returns the idle retirement span.
func (c PoolConfig) GetIdleTimeout() time.Duration {
	return msDuration(c.IdleTimeoutMS, 5*time.Minute)
}

// GetReconnectBase returns the first reconnect backoff step.
func (c PoolConfig) GetReconnectBase() time.Duration {
	return msDuration(c.ReconnectBaseMS, time.Second)
}

// GetReconnectMax returns the reconnect backoff cap.
func (c PoolConfig) GetReconnectMax() time.Duration {
	return msDuration(c.ReconnectMaxMS, 30*time.Second)
}

// GetTimeout returns the breaker open span.
func (c BreakerConfig) GetTimeout() time.Duration {
	return msDuration(c.TimeoutMS, 60*time.Second)
}

// GetRetryBase returns the first retry backoff step.
func (c BreakerConfig) GetRetryBase() time.Duration {
	return msDuration(c.RetryBaseMS, time.Second)
}

// GetRetryMax returns the retry backoff cap.
func (c BreakerConfig) GetRetryMax() time.Duration {
	return msDuration(c.RetryMaxMS, 30*time.Second)
}

// GetFallbackTimeout returns the fallback deadline.
func (c BreakerConfig) GetFallbackTimeout() time.Duration {
	return msDuration(c.FallbackTimeoutMS, 5*time.Second)
}

// GetTaskTimeouts returns the per-identity deadlines keyed by identity
// name.
func (c WorkflowConfig) GetTaskTimeouts() map[string]time.Duration {
	if len(c.PerTaskTimeoutMS) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.PerTaskTimeoutMS))
	for id, ms := range c.PerTaskTimeoutMS {
		out[id] = msDuration(ms, c.GetDefaultTaskTimeout())
	}
	return out
}

// GetDefaultTaskTimeout returns the deadline for identities without a
// per-task entry.
func (c WorkflowConfig) GetDefaultTaskTimeout() time.Duration {
	return msDuration(c.DefaultTaskTimeoutMS, 2*time.Minute)
}

// GetLatencyBudgetWarn returns the per-worker latency warning budget,
// zero when disabled.
func (c WorkflowConfig) GetLatencyBudgetWarn() time.Duration {
	if c.LatencyBudgetWarnMS <= 0 {
		return 0
	}
	return time.Duration(c.LatencyBudgetWarnMS) * time.Millisecond
}

// GetRunTimeout returns the whole-run deadline.
func (c WorkflowConfig) GetRunTimeout() time.Duration {
	return strDuration(c.RunTimeout, 30*time.Minute)
}

// GetTimeout returns the request expiry span.
func (p ApprovalPolicy) GetTimeout() time.Duration {
	return msDuration(p.TimeoutMS, 30*time.Minute)
}

// GetSweepInterval returns the expiry sweep cadence.
func (c ApprovalConfig) GetSweepInterval() time.Duration {
	return strDuration(c.SweepInterval, time.Minute)
}

// GetRetention returns how long resolved requests stay queryable.
func (c ApprovalConfig) GetRetention() time.Duration {
	return strDuration(c.Retention, time.Hour)
}

// GetCacheMaxAge returns the plan cache entry lifetime.
func (c RoutingConfig) GetCacheMaxAge() time.Duration {
	return msDuration(c.CacheMaxAgeMS, 5*time.Minute)
}

// Token returns the broker auth secret: the SEMCREW_IPC_TOKEN value
// when set, otherwise a random per-process secret. Deployments that
// spawn external workers must set the variable so both sides share it.
func Token() string {
	if tok := os.Getenv(EnvToken); tok != "" {
		return tok
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
