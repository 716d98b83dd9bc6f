package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake()
	return NewRegistry(clk, nil, nil), clk
}

func TestRegistry_InstallAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)

	tok, replaced, orphaned := r.Install(Registration{
		Identity:     Security,
		PID:          4242,
		Version:      "1.0.0",
		Capabilities: DefaultCapabilities(),
		TaskLimit:    5,
	})
	require.NotZero(t, tok)
	assert.Zero(t, replaced)
	assert.Empty(t, orphaned)

	got, ok := r.Lookup(Security)
	require.True(t, ok)
	assert.Equal(t, tok, got)

	snap, ok := r.Snapshot(tok)
	require.True(t, ok)
	assert.Equal(t, Security, snap.Identity)
	assert.Equal(t, 4242, snap.PID)
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, 5, snap.TaskLimit)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ReinstallReplacesAndOrphans(t *testing.T) {
	r, _ := newTestRegistry(t)

	old, _, _ := r.Install(Registration{Identity: Quality, PID: 100})
	require.NoError(t, r.Reserve(old, "task-a"))
	require.NoError(t, r.Reserve(old, "task-b"))

	fresh, replaced, orphaned := r.Install(Registration{Identity: Quality, PID: 101})
	assert.Equal(t, old, replaced)
	assert.Equal(t, []string{"task-a", "task-b"}, orphaned)
	assert.NotEqual(t, old, fresh)

	// The stale token is dead: lookups miss and reservations refuse.
	_, ok := r.Snapshot(old)
	assert.False(t, ok)
	err := r.Reserve(old, "task-c")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.WorkerUnavailable))

	got, ok := r.Lookup(Quality)
	require.True(t, ok)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 0, r.TotalInFlight())
}

func TestRegistry_EvictReturnsOrphans(t *testing.T) {
	r, _ := newTestRegistry(t)

	tok, _, _ := r.Install(Registration{Identity: Architecture})
	require.NoError(t, r.Reserve(tok, "t1"))
	require.NoError(t, r.Reserve(tok, "t2"))
	require.NoError(t, r.Reserve(tok, "t3"))

	orphaned, ok := r.Evict(tok)
	require.True(t, ok)
	assert.Equal(t, []string{"t1", "t2", "t3"}, orphaned)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.TotalInFlight())

	_, ok = r.Evict(tok)
	assert.False(t, ok, "second evict of the same token must miss")

	_, ok = r.Lookup(Architecture)
	assert.False(t, ok)
}

func TestRegistry_DuplicateTaskIDIsFatal(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, _, _ := r.Install(Registration{Identity: Security})
	b, _, _ := r.Install(Registration{Identity: Quality})

	require.NoError(t, r.Reserve(a, "task-1"))

	err := r.Reserve(a, "task-1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Fatal))

	err = r.Reserve(b, "task-1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Fatal), "task ids are unique across workers")

	// Releasing frees the id for reuse anywhere.
	require.True(t, r.Release(a, "task-1"))
	require.NoError(t, r.Reserve(b, "task-1"))
}

func TestRegistry_ReserveEnforcesTaskLimit(t *testing.T) {
	r, _ := newTestRegistry(t)
	tok, _, _ := r.Install(Registration{Identity: Security, TaskLimit: 2})

	require.NoError(t, r.Reserve(tok, "t1"))
	require.NoError(t, r.Reserve(tok, "t2"))

	err := r.Reserve(tok, "t3")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.WorkerBusy))

	require.True(t, r.Release(tok, "t1"))
	require.NoError(t, r.Reserve(tok, "t3"))
}

func TestRegistry_InstallDefaultsCapabilities(t *testing.T) {
	r, _ := newTestRegistry(t)
	tok, _, _ := r.Install(Registration{Identity: Quality})

	snap, ok := r.Snapshot(tok)
	require.True(t, ok)
	assert.Equal(t, DefaultCapabilities(), snap.Capabilities)
	assert.Equal(t, 10, snap.TaskLimit)
}

func TestRegistry_StatusFollowsInFlight(t *testing.T) {
	r, _ := newTestRegistry(t)
	tok, _, _ := r.Install(Registration{Identity: Documentation})

	snap, _ := r.Snapshot(tok)
	assert.Equal(t, StatusIdle, snap.Status)

	require.NoError(t, r.Reserve(tok, "t1"))
	snap, _ = r.Snapshot(tok)
	assert.Equal(t, StatusBusy, snap.Status)

	require.True(t, r.Release(tok, "t1"))
	snap, _ = r.Snapshot(tok)
	assert.Equal(t, StatusIdle, snap.Status)

	assert.False(t, r.Release(tok, "t1"), "double release is a no-op")
}

func TestRegistry_DegradedAndErroredOverrideStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	tok, _, _ := r.Install(Registration{Identity: Synthesizer})
	require.NoError(t, r.Reserve(tok, "t1"))

	require.True(t, r.SetDegraded(tok, true))
	snap, _ := r.Snapshot(tok)
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.False(t, snap.Status.Dispatchable())

	require.True(t, r.SetDegraded(tok, false))
	snap, _ = r.Snapshot(tok)
	assert.Equal(t, StatusBusy, snap.Status)
	assert.True(t, snap.Status.Dispatchable())

	require.True(t, r.MarkErrored(tok))
	snap, _ = r.Snapshot(tok)
	assert.Equal(t, StatusError, snap.Status)
}

func TestRegistry_HeartbeatUpdatesLiveness(t *testing.T) {
	r, clk := newTestRegistry(t)
	tok, _, _ := r.Install(Registration{Identity: Observability, TaskLimit: 10})
	registered := clk.Now()

	clk.Advance(42 * time.Second)
	require.True(t, r.Heartbeat(tok, 7))

	snap, _ := r.Snapshot(tok)
	assert.Equal(t, registered.Add(42*time.Second), snap.LastHeartbeat)
	assert.Equal(t, 7, snap.TaskLimit)

	assert.False(t, r.Heartbeat(Token(999), 0))
}

func TestRegistry_ObserveLatencySmooths(t *testing.T) {
	r, _ := newTestRegistry(t)
	tok, _, _ := r.Install(Registration{Identity: Security})

	r.ObserveLatency(tok, 100*time.Millisecond)
	snap, _ := r.Snapshot(tok)
	assert.Equal(t, 100*time.Millisecond, snap.EWMALatency, "first sample seeds the average")

	r.ObserveLatency(tok, 200*time.Millisecond)
	snap, _ = r.Snapshot(tok)
	assert.Equal(t, 120*time.Millisecond, snap.EWMALatency)
}

func TestRegistry_SnapshotHealth(t *testing.T) {
	r, _ := newTestRegistry(t)
	sec, _, _ := r.Install(Registration{Identity: Security, TaskLimit: 4})
	_, _, _ = r.Install(Registration{Identity: Quality, TaskLimit: 4})
	require.NoError(t, r.Reserve(sec, "t1"))
	require.NoError(t, r.Reserve(sec, "t2"))

	health := r.SnapshotHealth()
	require.Len(t, health, 2)
	assert.Equal(t, StatusBusy, health[Security].Status)
	assert.Equal(t, 2, health[Security].QueueDepth)
	assert.Equal(t, StatusIdle, health[Quality].Status)
	assert.Equal(t, 0, health[Quality].QueueDepth)
}

func TestRegistry_ListOrdersByIdentity(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Install(Registration{Identity: Synthesizer})
	r.Install(Registration{Identity: Architecture})
	r.Install(Registration{Identity: Quality})

	snaps := r.List()
	require.Len(t, snaps, 3)
	assert.Equal(t, Architecture, snaps[0].Identity)
	assert.Equal(t, Quality, snaps[1].Identity)
	assert.Equal(t, Synthesizer, snaps[2].Identity)
}

// Property: under any interleaving of reserves and releases the global
// in-flight total equals the number of reservations not yet released,
// and a handle reports busy exactly while it holds at least one task.
func TestRegistry_InFlightAccounting(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	type op struct {
		worker  int
		task    int
		release bool
	}

	opGen := gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, 9),
		gen.Bool(),
	).Map(func(vs []interface{}) op {
		return op{worker: vs[0].(int), task: vs[1].(int), release: vs[2].(bool)}
	})

	properties.Property("totals match live reservations", prop.ForAll(
		func(ops []op) bool {
			r, _ := newTestRegistry(t)
			identities := []Identity{Security, Quality, Architecture}
			tokens := make([]Token, len(identities))
			for i, id := range identities {
				tokens[i], _, _ = r.Install(Registration{Identity: id})
			}

			held := make(map[string]int)
			for _, o := range ops {
				taskID := fmt.Sprintf("task-%d", o.task)
				if o.release {
					owner, live := held[taskID]
					released := r.Release(tokens[o.worker], taskID)
					if released != (live && owner == o.worker) {
						return false
					}
					if released {
						delete(held, taskID)
					}
					continue
				}
				err := r.Reserve(tokens[o.worker], taskID)
				if _, live := held[taskID]; live {
					if !fault.Is(err, fault.Fatal) {
						return false
					}
					continue
				}
				if err != nil {
					return false
				}
				held[taskID] = o.worker
			}

			if r.TotalInFlight() != len(held) {
				return false
			}
			counts := make([]int, len(identities))
			for _, owner := range held {
				counts[owner]++
			}
			for i, tok := range tokens {
				snap, ok := r.Snapshot(tok)
				if !ok {
					return false
				}
				if len(snap.InFlight) != counts[i] {
					return false
				}
				busy := snap.Status == StatusBusy
				if busy != (counts[i] > 0) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(opGen),
	))

	properties.TestingRun(t)
}
