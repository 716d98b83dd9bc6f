// Package metrics exposes Prometheus instruments for the orchestration
// runtime. A single Metrics value is built over an injected registry and
// shared through the Runtime; NewNop returns an unregistered instance for
// tests and callers that opt out of scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the runtime records. All record methods
// are safe on a nil receiver.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	phaseDuration *prometheus.HistogramVec

	tasksDispatched prometheus.Counter
	taskFailures    *prometheus.CounterVec
	taskLatency     prometheus.Histogram

	workersLive   prometheus.Gauge
	evictions     prometheus.Counter
	authFailures  prometheus.Counter
	framesRead    prometheus.Counter
	framesWritten prometheus.Counter

	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec

	poolSize    *prometheus.GaugeVec
	poolIdle    *prometheus.GaugeVec
	poolWaiting *prometheus.GaugeVec

	approvalsPending  prometheus.Gauge
	approvalsResolved *prometheus.CounterVec
}

// New builds the instrument set registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semcrew_runs_total",
			Help: "Completed workflow runs by decision",
		}, []string{"decision"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semcrew_run_duration_seconds",
			Help:    "End-to-end workflow run duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semcrew_phase_duration_seconds",
			Help:    "Workflow phase duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		tasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcrew_tasks_dispatched_total",
			Help: "Tasks delivered to workers",
		}),
		taskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semcrew_task_failures_total",
			Help: "Terminal task failures by error kind",
		}, []string{"kind"}),
		taskLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semcrew_task_latency_seconds",
			Help:    "Task round-trip latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		workersLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "semcrew_workers_live",
			Help: "Registered worker handles",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcrew_worker_evictions_total",
			Help: "Handles evicted for missed heartbeats or stream errors",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcrew_auth_failures_total",
			Help: "Rejected authentication attempts",
		}),
		framesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcrew_frames_read_total",
			Help: "Frames read from worker streams",
		}),
		framesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcrew_frames_written_total",
			Help: "Frames written to worker streams",
		}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semcrew_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"breaker", "to"}),
		breakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semcrew_breaker_rejections_total",
			Help: "Calls refused fast by an open breaker",
		}, []string{"breaker"}),
		poolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semcrew_pool_size",
			Help: "Streams owned by the pool",
		}, []string{"endpoint"}),
		poolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semcrew_pool_idle",
			Help: "Idle streams in the pool",
		}, []string{"endpoint"}),
		poolWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semcrew_pool_waiting",
			Help: "Acquirers waiting on the pool",
		}, []string{"endpoint"}),
		approvalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "semcrew_approvals_pending",
			Help: "Open approval requests",
		}),
		approvalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semcrew_approvals_resolved_total",
			Help: "Approval requests by terminal state",
		}, []string{"state"}),
	}
}

// NewNop returns instruments bound to a private registry that is never
// scraped.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(decision).Inc()
	m.runDuration.Observe(d.Seconds())
}

// ObservePhase records one phase duration.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// TaskDispatched counts one delivered task.
func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc()
}

// TaskFailed counts a terminal task failure by error kind.
func (m *Metrics) TaskFailed(kind string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(kind).Inc()
}

// ObserveTaskLatency records one task round-trip.
func (m *Metrics) ObserveTaskLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.taskLatency.Observe(d.Seconds())
}

// SetWorkersLive sets the registered handle count.
func (m *Metrics) SetWorkersLive(n int) {
	if m == nil {
		return
	}
	m.workersLive.Set(float64(n))
}

// WorkerEvicted counts one handle eviction.
func (m *Metrics) WorkerEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// AuthFailed counts one rejected authentication attempt.
func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// FrameRead counts one inbound frame.
func (m *Metrics) FrameRead() {
	if m == nil {
		return
	}
	m.framesRead.Inc()
}

// FrameWritten counts one outbound frame.
func (m *Metrics) FrameWritten() {
	if m == nil {
		return
	}
	m.framesWritten.Inc()
}

// BreakerTransition counts one state change.
func (m *Metrics) BreakerTransition(name, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, to).Inc()
}

// BreakerRejected counts one fast-failed call.
func (m *Metrics) BreakerRejected(name string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(name).Inc()
}

// SetPool records pool occupancy for one endpoint.
func (m *Metrics) SetPool(endpoint string, size, idle, waiting int) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(endpoint).Set(float64(size))
	m.poolIdle.WithLabelValues(endpoint).Set(float64(idle))
	m.poolWaiting.WithLabelValues(endpoint).Set(float64(waiting))
}

// SetApprovalsPending sets the open approval request count.
func (m *Metrics) SetApprovalsPending(n int) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(n))
}

// ApprovalResolved counts one approval reaching a terminal state.
func (m *Metrics) ApprovalResolved(state string) {
	if m == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(state).Inc()
}
