package approval

import "time"

// State of an approval request.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s != StatePending
}

// Signoff is one recorded approval or rejection.
type Signoff struct {
	Approver string
	Role     string
	Approved bool
	Reason   string
	At       time.Time
}

// Request is a point-in-time snapshot of one approval request. The
// gate owns the live state; callers only ever hold snapshots.
type Request struct {
	ID        string
	Kind      string
	Requester string
	Payload   map[string]any
	Required  int
	State     State
	Signoffs  []Signoff
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Approvals counts the recorded approving signoffs.
func (r Request) Approvals() int {
	n := 0
	for _, s := range r.Signoffs {
		if s.Approved {
			n++
		}
	}
	return n
}

// record is the gate-internal state of one request. The wait channel
// is the single-slot terminal notification Await consumes; roles is
// the signoff allow-list captured from the policy at creation.
type record struct {
	req        Request
	roles      []string
	wait       chan State
	resolvedAt time.Time
}

func (r *record) snapshot() Request {
	out := r.req
	out.Signoffs = append([]Signoff(nil), r.req.Signoffs...)
	return out
}
