// Package agent holds the worker directory: the identity set, the
// capability contracts the broker and router depend on, and the registry
// that owns every live WorkerHandle. Handles live in an arena addressed
// by integer tokens; the broker and workflow hold tokens, never handle
// pointers, so evicting a handle invalidates every outstanding
// reference at once.
package agent

// Identity names one kind of analysis worker. The set is stable across
// process restarts; a restarted worker reclaims its identity on
// re-registration.
type Identity string

const (
	Security      Identity = "security"
	Quality       Identity = "quality"
	Architecture  Identity = "architecture"
	Documentation Identity = "documentation"
	Synthesizer   Identity = "synthesizer"
	Observability Identity = "observability"
)

var identities = []Identity{
	Security,
	Quality,
	Architecture,
	Documentation,
	Synthesizer,
	Observability,
}

// Identities returns the known identity set in stable order.
func Identities() []Identity {
	out := make([]Identity, len(identities))
	copy(out, identities)
	return out
}

// Valid reports whether id is a known worker identity.
func (id Identity) Valid() bool {
	for _, known := range identities {
		if id == known {
			return true
		}
	}
	return false
}

// Status is the observed state of a registered worker.
type Status string

const (
	// StatusIdle means the worker has no in-flight tasks.
	StatusIdle Status = "idle"

	// StatusBusy means at least one task is in flight.
	StatusBusy Status = "busy"

	// StatusDegraded means the worker's outbound queue is saturated; it
	// receives no new tasks until the queue drains.
	StatusDegraded Status = "degraded"

	// StatusError means the worker's stream failed; eviction is pending.
	StatusError Status = "error"
)

// Dispatchable reports whether a worker in this status may receive
// new tasks.
func (s Status) Dispatchable() bool {
	return s == StatusIdle || s == StatusBusy
}
