package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/fault"
)

func newBareRun(t *testing.T) *Run {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newRun(ctx, cancel, "run-1", smallEvent(), time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))
}

func TestRun_AdvanceReportsPhaseElapsed(t *testing.T) {
	r := newBareRun(t)
	assert.Equal(t, PhaseRoute, r.Phase())

	elapsed, err := r.advance(PhaseDispatch, time.Date(2025, 1, 1, 10, 0, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, elapsed)

	elapsed, err = r.advance(PhaseCollect, time.Date(2025, 1, 1, 10, 0, 7, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, elapsed)
	assert.Equal(t, PhaseCollect, r.Phase())
}

func TestRun_AdvanceRejectsBackwardMoves(t *testing.T) {
	r := newBareRun(t)
	now := time.Date(2025, 1, 1, 10, 0, 1, 0, time.UTC)
	_, err := r.advance(PhaseGate, now)
	require.NoError(t, err)

	_, err = r.advance(PhaseGate, now)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Fatal))

	_, err = r.advance(PhaseDispatch, now)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Fatal))
	assert.Equal(t, PhaseGate, r.Phase())
}

func TestRun_RecordResultFirstTerminalWins(t *testing.T) {
	r := newBareRun(t)
	r.addTask(&Task{ID: "t1", Target: agent.Quality})
	assert.Equal(t, 1, r.OpenTasks())
	r.markRunning("t1")
	assert.Equal(t, 1, r.OpenTasks())

	require.True(t, r.recordResult(TaskResult{TaskID: "t1", Target: agent.Quality, Status: TaskDone}))
	assert.False(t, r.recordResult(TaskResult{TaskID: "t1", Target: agent.Quality, Status: TaskFailed}))
	assert.Equal(t, TaskDone, r.Results()["t1"].Status)
	assert.Equal(t, 0, r.OpenTasks())

	assert.False(t, r.recordResult(TaskResult{TaskID: "ghost", Status: TaskDone}))
	assert.Len(t, r.Results(), 1)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "route", PhaseRoute.String())
	assert.Equal(t, "synthesize", PhaseSynthesize.String())
	assert.Equal(t, "finalize", PhaseFinalize.String())
	assert.Equal(t, "unknown", Phase(99).String())
}

func TestRun_PhaseOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("phases only move forward", prop.ForAll(
		func(steps []int) bool {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			r := newRun(ctx, cancel, "run-p", smallEvent(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

			cur := PhaseRoute
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, s := range steps {
				to := Phase(s)
				now = now.Add(time.Second)
				_, err := r.advance(to, now)
				if to > cur {
					if err != nil {
						return false
					}
					cur = to
				} else if !fault.Is(err, fault.Fatal) {
					return false
				}
				if r.Phase() != cur {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(int(PhaseRoute), int(PhaseFinalize))),
	))

	properties.TestingRun(t)
}
