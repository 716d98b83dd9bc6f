package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/metrics"
)

// State is the breaker mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes one breaker. Zero values inherit defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int

	// Timeout is how long the breaker stays open before the next
	// admission probes in half-open.
	Timeout time.Duration

	// SuccessThreshold is the consecutive half-open successes required
	// to close. It also bounds concurrent half-open probes.
	SuccessThreshold int

	// FallbackTimeout is the deadline for a configured fallback.
	FallbackTimeout time.Duration

	// Retry applies inside the primary path. MaxRetries zero disables.
	Retry RetryPolicy

	// SampleWindow bounds the rolling response-time samples.
	SampleWindow int
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 3,
		FallbackTimeout:  5 * time.Second,
		Retry:            DefaultRetryPolicy(),
		SampleWindow:     100,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = def.FallbackTimeout
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = def.SampleWindow
	}
	return c
}

// Breaker protects one named call-site. Closed admits everything; open
// fails fast; half-open admits a bounded probe set. The open to
// half-open transition is taken by the next admission after Timeout, so
// no background timer exists.
type Breaker struct {
	name    string
	cfg     BreakerConfig
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu                sync.Mutex
	state             State
	generation        uint64
	consecFailures    int
	halfOpenSuccesses int
	halfOpenInFlight  int
	openedAt          time.Time
	lastFailure       time.Time
	samples           []time.Duration
	sampleIdx         int
	sampleCount       int

	requests     atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	timeouts     atomic.Int64
	retries      atomic.Int64
	fallbacks    atomic.Int64
	stateChanges atomic.Int64
}

// NewBreaker builds a breaker. A nil clock means the system clock; a nil
// logger means slog.Default(); metrics may be nil.
func NewBreaker(name string, cfg BreakerConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Breaker{
		name:    name,
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
		metrics: m,
		state:   StateClosed,
		samples: make([]time.Duration, cfg.SampleWindow),
	}
}

// Name returns the call-site name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current mode without driving a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	fallback Operation
	retry    *RetryPolicy
	retryOff bool
}

// WithFallback runs fb under its own deadline after the primary path is
// exhausted, including when the breaker refuses the call.
func WithFallback(fb Operation) ExecOption {
	return func(o *execOptions) { o.fallback = fb }
}

// WithRetry overrides the configured retry policy for this call.
func WithRetry(p RetryPolicy) ExecOption {
	return func(o *execOptions) { o.retry = &p }
}

// WithoutRetry disables retrying for this call. Used for operations
// that are not safe to re-run, like task dispatch round-trips.
func WithoutRetry() ExecOption {
	return func(o *execOptions) { o.retryOff = true }
}

// Execute runs op through the breaker. Retries happen inside the
// primary path and count toward breaker observations only on the
// terminal outcome. Cancellation leaves breaker state unchanged.
func (b *Breaker) Execute(ctx context.Context, op Operation, opts ...ExecOption) error {
	var options execOptions
	for _, opt := range opts {
		opt(&options)
	}

	b.requests.Add(1)

	gen, err := b.admit()
	if err != nil {
		b.metrics.BreakerRejected(b.name)
		if options.fallback != nil {
			return b.runFallback(ctx, options.fallback, err)
		}
		return err
	}

	policy := b.cfg.Retry
	if options.retry != nil {
		policy = *options.retry
	}
	if options.retryOff {
		policy.MaxRetries = 0
	}

	start := b.clk.Now()
	attempts, opErr := policy.Run(ctx, b.clk, op)
	if attempts > 1 {
		b.retries.Add(int64(attempts - 1))
	}
	elapsed := b.clk.Since(start)

	switch {
	case opErr == nil:
		b.onSuccess(gen, elapsed)
		return nil
	case fault.IsCancelled(opErr):
		b.onCancelled(gen)
		return opErr
	default:
		b.onFailure(gen, elapsed, opErr)
		if options.fallback != nil {
			return b.runFallback(ctx, options.fallback, opErr)
		}
		return opErr
	}
}

// admit decides whether a call may proceed and returns the generation
// it was admitted under.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateOpen:
		if b.clk.Since(b.openedAt) >= b.cfg.Timeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenInFlight = 1
			return b.generation, nil
		}
		return 0, fault.Errorf(fault.BreakerOpen, "breaker %s is open", b.name)
	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.cfg.SuccessThreshold {
			return 0, fault.Errorf(fault.BreakerOpen, "breaker %s half-open probe limit reached", b.name)
		}
		b.halfOpenInFlight++
		return b.generation, nil
	}
}

func (b *Breaker) onSuccess(gen uint64, elapsed time.Duration) {
	b.successes.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordSampleLocked(elapsed)
	if gen != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		b.consecFailures = 0
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) onFailure(gen uint64, elapsed time.Duration, err error) {
	b.failures.Add(1)
	if errors.Is(err, context.DeadlineExceeded) || fault.Is(err, fault.WorkerTimeout) {
		b.timeouts.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordSampleLocked(elapsed)
	b.lastFailure = b.clk.Now()
	if gen != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) onCancelled(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.stateChanges.Add(1)

	switch to {
	case StateClosed:
		b.consecFailures = 0
	case StateOpen:
		b.openedAt = b.clk.Now()
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	}

	b.metrics.BreakerTransition(b.name, string(to))
	b.logger.Info("Breaker state change",
		"breaker", b.name,
		"from", from,
		"to", to)
}

func (b *Breaker) runFallback(ctx context.Context, fb Operation, primaryErr error) error {
	b.fallbacks.Add(1)

	fbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fb(fbCtx) }()

	timer := b.clk.NewTimer(b.cfg.FallbackTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return errors.Join(primaryErr, fmt.Errorf("fallback: %w", err))
		}
		return nil
	case <-timer.C():
		cancel()
		b.timeouts.Add(1)
		return errors.Join(primaryErr,
			fault.Errorf(fault.Transient, "fallback timed out after %s", b.cfg.FallbackTimeout))
	case <-ctx.Done():
		return fault.New(fault.Cancelled, ctx.Err())
	}
}

func (b *Breaker) recordSampleLocked(d time.Duration) {
	b.samples[b.sampleIdx] = d
	b.sampleIdx = (b.sampleIdx + 1) % len(b.samples)
	if b.sampleCount < len(b.samples) {
		b.sampleCount++
	}
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	Requests            int64         `json:"requests"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	Timeouts            int64         `json:"timeouts"`
	Retries             int64         `json:"retries"`
	Fallbacks           int64         `json:"fallbacks"`
	StateChanges        int64         `json:"state_changes"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureRate         float64       `json:"failure_rate"`
	MeanResponseTime    time.Duration `json:"mean_response_time"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
}

// Stats snapshots the breaker counters and rolling mean.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	state := b.state
	consec := b.consecFailures
	last := b.lastFailure
	var sum time.Duration
	for i := 0; i < b.sampleCount; i++ {
		sum += b.samples[i]
	}
	var mean time.Duration
	if b.sampleCount > 0 {
		mean = sum / time.Duration(b.sampleCount)
	}
	b.mu.Unlock()

	requests := b.requests.Load()
	failures := b.failures.Load()
	var rate float64
	if requests > 0 {
		rate = float64(failures) / float64(requests)
	}

	return Stats{
		Name:                b.name,
		State:               state,
		Requests:            requests,
		Successes:           b.successes.Load(),
		Failures:            failures,
		Timeouts:            b.timeouts.Load(),
		Retries:             b.retries.Load(),
		Fallbacks:           b.fallbacks.Load(),
		StateChanges:        b.stateChanges.Load(),
		ConsecutiveFailures: consec,
		FailureRate:         rate,
		MeanResponseTime:    mean,
		LastFailure:         last,
	}
}
