package worker

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
)

// MockCall records one Deliver invocation.
type MockCall struct {
	TaskID string
	Target agent.Identity
	Data   protocol.TaskData
}

type scripted struct {
	res protocol.ResultData
	err error
}

// Mock is an in-memory dispatcher for engine tests. Identities with a
// scripted outcome resolve at dispatch; everything else stays pending
// until Complete or Fail.
type Mock struct {
	mu       sync.Mutex
	outcomes map[agent.Identity]scripted
	pending  map[string]*mockDelivery
	calls    []MockCall
	probeErr map[agent.Identity]error
}

// NewMock builds an empty mock dispatcher.
func NewMock() *Mock {
	return &Mock{
		outcomes: make(map[agent.Identity]scripted),
		pending:  make(map[string]*mockDelivery),
		probeErr: make(map[agent.Identity]error),
	}
}

// Script makes every task for target resolve immediately with res.
func (m *Mock) Script(target agent.Identity, res protocol.ResultData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[target] = scripted{res: res}
}

// ScriptError makes Deliver itself fail for target, modeling a send
// error.
func (m *Mock) ScriptError(target agent.Identity, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[target] = scripted{err: err}
}

// Complete resolves a pending task with res. Returns false if the task
// is unknown or already resolved.
func (m *Mock) Complete(taskID string, res protocol.ResultData) bool {
	m.mu.Lock()
	d, ok := m.pending[taskID]
	delete(m.pending, taskID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	out := res
	return d.resolve(&out, nil)
}

// Fail resolves a pending task with err.
func (m *Mock) Fail(taskID string, err error) bool {
	m.mu.Lock()
	d, ok := m.pending[taskID]
	delete(m.pending, taskID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	return d.resolve(nil, err)
}

// Calls returns a copy of the dispatch log.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Pending returns the ids of unresolved tasks.
func (m *Mock) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// FailProbe makes Probe return err for target.
func (m *Mock) FailProbe(target agent.Identity, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeErr[target] = err
}

// Deliver logs the call and returns a future per the scripted outcome.
func (m *Mock) Deliver(ctx context.Context, taskID string, target agent.Identity, data protocol.TaskData) (agent.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Cancelled, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{TaskID: taskID, Target: target, Data: data})

	d := &mockDelivery{done: make(chan struct{})}
	if out, ok := m.outcomes[target]; ok {
		if out.err != nil {
			return nil, out.err
		}
		res := out.res
		d.resolve(&res, nil)
		return d, nil
	}
	m.pending[taskID] = d
	return d, nil
}

// Probe reports a fixed round trip unless scripted to fail.
func (m *Mock) Probe(ctx context.Context, target agent.Identity) (time.Duration, error) {
	m.mu.Lock()
	err := m.probeErr[target]
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return time.Millisecond, nil
}

type mockDelivery struct {
	once   sync.Once
	done   chan struct{}
	result *protocol.ResultData
	err    error
}

func (d *mockDelivery) resolve(res *protocol.ResultData, err error) bool {
	resolved := false
	d.once.Do(func() {
		d.result = res
		d.err = err
		close(d.done)
		resolved = true
	})
	return resolved
}

func (d *mockDelivery) Await(ctx context.Context) (*protocol.ResultData, error) {
	select {
	case <-d.done:
		return d.result, d.err
	case <-ctx.Done():
		return nil, fault.New(fault.Cancelled, ctx.Err())
	}
}

func (d *mockDelivery) Abort(cause error) bool {
	return d.resolve(nil, cause)
}
