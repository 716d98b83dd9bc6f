package agent

import (
	"context"
	"time"

	"github.com/c360studio/semcrew/protocol"
)

// Capability names advertised in a worker's registration payload. The
// broker and router treat workers through these contracts, never
// through concrete transport types.
const (
	// CapDispatchTask means the worker accepts task frames and replies
	// with a correlated result.
	CapDispatchTask = "dispatch_task"

	// CapProbeHealth means the worker answers ping frames with pongs.
	CapProbeHealth = "probe_health"

	// CapStreamCompletion means the worker streams incremental model
	// output. Advertised by LLM-backed workers; the runtime relays the
	// final result either way.
	CapStreamCompletion = "stream_completion"
)

// DefaultCapabilities is what a plain analysis worker advertises.
func DefaultCapabilities() []string {
	return []string{CapDispatchTask, CapProbeHealth}
}

// Delivery is the future for one dispatched task. It resolves at most
// once, with the worker's result or a terminal error.
type Delivery interface {
	// Await blocks for the result. Cancelling ctx returns a Cancelled
	// error without resolving the future.
	Await(ctx context.Context) (*protocol.ResultData, error)

	// Abort resolves the future with cause and releases the task's
	// reservation. Returns false if the future already resolved.
	Abort(cause error) bool
}

// TaskDispatcher delivers tasks to live workers. Implemented by the
// broker for socket-registered workers and by the pooled dispatcher for
// peers reached over an outbound stream pool.
type TaskDispatcher interface {
	Deliver(ctx context.Context, taskID string, target Identity, data protocol.TaskData) (Delivery, error)
}

// HealthProber measures round-trip liveness of one worker.
type HealthProber interface {
	Probe(ctx context.Context, target Identity) (time.Duration, error)
}
