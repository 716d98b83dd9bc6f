package resilience

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/metrics"
)

// Registry maps call-site names to breakers so every caller against the
// same dependency shares one state machine. Breakers are created on
// first use and inherit the registry defaults.
type Registry struct {
	defaults BreakerConfig
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry builds a breaker registry with shared defaults.
func NewRegistry(defaults BreakerConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaults: defaults.withDefaults(),
		clk:      clk,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry
// defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWith(name, r.defaults)
}

// GetWith returns the breaker for name, creating it with cfg on first
// use. An existing breaker keeps its original configuration.
func (r *Registry) GetWith(name string, cfg BreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, cfg, r.clk, r.logger, r.metrics)
	r.breakers[name] = b
	return b
}

// Names lists registered breakers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns per-breaker stats for health reporting.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
