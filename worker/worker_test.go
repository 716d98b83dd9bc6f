package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/broker"
	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/pool"
	"github.com/c360studio/semcrew/protocol"
)

const testToken = "worker-test-token"

type fixture struct {
	b      *broker.Broker
	reg    *agent.Registry
	clk    *clock.Fake
	client *Client
}

func startWorker(t *testing.T, identity agent.Identity, h Handler, mutate func(*Config), prep ...func(*Client)) *fixture {
	t.Helper()
	clk := clock.NewFake()
	reg := agent.NewRegistry(clk, nil, nil)
	bcfg := broker.DefaultConfig("")
	bcfg.Token = testToken
	b := broker.New(bcfg, reg, clk, nil, nil)

	cfg := DefaultConfig("", identity)
	cfg.Token = testToken
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, h, InProcess(b), clk, nil)
	for _, fn := range prep {
		fn(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		b.Stop()
		<-runDone
	})

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(identity)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "worker never registered")

	return &fixture{b: b, reg: reg, clk: clk, client: c}
}

func awaitResult(t *testing.T, d agent.Delivery) *protocol.ResultData {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := d.Await(ctx)
	require.NoError(t, err)
	return res
}

func TestClient_RegistersAndServesTasks(t *testing.T) {
	f := startWorker(t, agent.Quality, Echo(), nil)

	tok, ok := f.reg.Lookup(agent.Quality)
	require.True(t, ok)
	snap, ok := f.reg.Snapshot(tok)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), snap.PID)
	assert.Equal(t, "dev", snap.Version)
	assert.Equal(t, agent.DefaultCapabilities(), snap.Capabilities)

	d, err := f.b.Deliver(context.Background(), "t-1", agent.Quality, protocol.TaskData{
		Scope: []string{"a.go", "b.go"},
	})
	require.NoError(t, err)
	res := awaitResult(t, d)
	assert.Equal(t, protocol.StatusDone, res.Status)
	assert.Equal(t, true, res.Results["echo"])
	assert.Equal(t, float64(2), res.Results["files_analyzed"])
}

func TestClient_RejectsTasksAtCapacity(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, taskID string, task *protocol.TaskData) (map[string]any, protocol.KPIs, error) {
		select {
		case <-release:
			return map[string]any{"ok": true}, protocol.KPIs{}, nil
		case <-ctx.Done():
			return nil, protocol.KPIs{}, ctx.Err()
		}
	})
	f := startWorker(t, agent.Security, h, func(c *Config) {
		c.MaxActiveTasks = 1
	})

	first, err := f.b.Deliver(context.Background(), "cap-1", agent.Security, protocol.TaskData{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.client.ActiveTasks() == 1
	}, 2*time.Second, 10*time.Millisecond)

	second, err := f.b.Deliver(context.Background(), "cap-2", agent.Security, protocol.TaskData{})
	require.NoError(t, err)
	res := awaitResult(t, second)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "capacity")

	close(release)
	res = awaitResult(t, first)
	assert.Equal(t, protocol.StatusDone, res.Status)
}

func TestClient_TaskDeadlineTimesOut(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, taskID string, task *protocol.TaskData) (map[string]any, protocol.KPIs, error) {
		<-ctx.Done()
		return nil, protocol.KPIs{}, ctx.Err()
	})
	f := startWorker(t, agent.Architecture, h, nil)

	d, err := f.b.Deliver(context.Background(), "slow-1", agent.Architecture, protocol.TaskData{
		DeadlineMS: 5000,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.client.ActiveTasks() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Heartbeat timer plus the task deadline timer.
	f.clk.BlockUntil(2)
	f.clk.Advance(5 * time.Second)

	res := awaitResult(t, d)
	assert.Equal(t, protocol.StatusTimeout, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestClient_HeartbeatReportsLimit(t *testing.T) {
	f := startWorker(t, agent.Security, Echo(), func(c *Config) {
		c.MaxActiveTasks = 3
	})

	tok, _ := f.reg.Lookup(agent.Security)
	f.clk.BlockUntil(1)
	f.clk.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		snap, ok := f.reg.Snapshot(tok)
		return ok && snap.TaskLimit == 3 && snap.LastHeartbeat.Equal(f.clk.Now())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	clk := clock.NewFake()
	reg := agent.NewRegistry(clk, nil, nil)
	bcfg := broker.DefaultConfig("")
	bcfg.Token = testToken
	b := broker.New(bcfg, reg, clk, nil, nil)
	t.Cleanup(func() { b.Stop() })

	var mu sync.Mutex
	var conns []net.Conn
	dial := func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go b.ServeConn(server)
		mu.Lock()
		conns = append(conns, client)
		mu.Unlock()
		return client, nil
	}

	cfg := DefaultConfig("", agent.Quality)
	cfg.Token = testToken
	c := New(cfg, Echo(), dial, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		b.Stop()
		<-runDone
	})

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(agent.Quality)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	firstTok, _ := reg.Lookup(agent.Quality)

	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	// The dropped session waits out the reconnect delay before redialing.
	clk.BlockUntil(1)
	clk.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		tok, ok := reg.Lookup(agent.Quality)
		return ok && tok != firstTok
	}, 2*time.Second, 10*time.Millisecond, "handle never replaced")
	assert.Equal(t, 1, reg.Count())
}

func TestClient_GivesUpAfterMaxDialFailures(t *testing.T) {
	clk := clock.NewFake()
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (net.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	cfg := DefaultConfig("", agent.Security)
	cfg.Token = testToken
	cfg.MaxReconnectAttempts = 3
	c := New(cfg, Echo(), dial, clk, nil)

	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(context.Background())
	}()

	clk.BlockUntil(1)
	clk.Advance(10 * time.Second)
	clk.BlockUntil(1)
	clk.Advance(20 * time.Second)

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.Transient))
	case <-time.After(2 * time.Second):
		t.Fatal("client never gave up")
	}
	mu.Lock()
	assert.Equal(t, 3, dials)
	mu.Unlock()
}

func TestClient_ForwardsBroadcastEvents(t *testing.T) {
	got := make(chan string, 4)
	f := startWorker(t, agent.Documentation, Echo(), nil, func(c *Client) {
		c.OnEvent(func(name string, payload map[string]any) {
			got <- name
		})
	})

	require.NoError(t, f.b.Broadcast(context.Background(), "config_reload", map[string]any{"rev": 2}))
	select {
	case name := <-got:
		assert.Equal(t, "config_reload", name)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the worker")
	}
}

func newPeerPool(t *testing.T, respond func(*protocol.Message) *protocol.Message) *pool.Pool {
	t.Helper()
	clk := clock.NewFake()
	dial := func(ctx context.Context, endpoint string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			r := protocol.NewReader(server)
			w := protocol.NewWriter(server)
			for {
				msg, err := r.Read()
				if err != nil {
					return
				}
				if reply := respond(msg); reply != nil {
					w.Write(reply)
				}
			}
		}()
		return client, nil
	}
	cfg := pool.DefaultConfig("peer.sock")
	cfg.Min = 0
	p := pool.New(cfg, dial, nil, clk, nil, nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPooled_DeliverRoundTrip(t *testing.T) {
	p := newPeerPool(t, func(msg *protocol.Message) *protocol.Message {
		if msg.Type != protocol.TypeTask {
			return nil
		}
		reply, err := protocol.NewResult(msg.ID, msg.Agent, time.Now(), protocol.ResultData{
			Status:  protocol.StatusDone,
			Results: map[string]any{"ok": true},
		})
		if err != nil {
			return nil
		}
		return reply
	})
	pd := NewPooled(p, "driver", nil, nil)

	d, err := pd.Deliver(context.Background(), "pt-1", agent.Security, protocol.TaskData{
		Scope: []string{"main.go"},
	})
	require.NoError(t, err)
	res := awaitResult(t, d)
	assert.Equal(t, protocol.StatusDone, res.Status)
	assert.Equal(t, true, res.Results["ok"])

	require.Eventually(t, func() bool {
		return p.Stats().InUse == 0
	}, 2*time.Second, 10*time.Millisecond, "stream not released after round trip")
}

func TestPooled_AbortAbandonsRoundTrip(t *testing.T) {
	p := newPeerPool(t, func(msg *protocol.Message) *protocol.Message {
		// Swallow everything; the round trip never completes.
		return nil
	})
	pd := NewPooled(p, "driver", nil, nil)

	d, err := pd.Deliver(context.Background(), "pt-2", agent.Security, protocol.TaskData{})
	require.NoError(t, err)

	cause := fault.Errorf(fault.WorkerTimeout, "gave up")
	require.True(t, d.Abort(cause))
	assert.False(t, d.Abort(cause), "second abort is a no-op")

	_, err = d.Await(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.WorkerTimeout))
}

func TestPooled_ProbeMeasures(t *testing.T) {
	p := newPeerPool(t, func(msg *protocol.Message) *protocol.Message {
		if msg.Type != protocol.TypePing {
			return nil
		}
		pong, err := protocol.NewPong(msg, "peer", time.Now())
		if err != nil {
			return nil
		}
		return pong
	})
	pd := NewPooled(p, "driver", nil, nil)

	_, err := pd.Probe(context.Background(), agent.Security)
	require.NoError(t, err)
}

func TestMock_ScriptedAndPending(t *testing.T) {
	m := NewMock()
	m.Script(agent.Quality, protocol.ResultData{
		Status:  protocol.StatusDone,
		Results: map[string]any{"score": 90},
	})

	d, err := m.Deliver(context.Background(), "m-1", agent.Quality, protocol.TaskData{})
	require.NoError(t, err)
	res := awaitResult(t, d)
	assert.Equal(t, protocol.StatusDone, res.Status)

	pending, err := m.Deliver(context.Background(), "m-2", agent.Security, protocol.TaskData{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-2"}, m.Pending())
	require.True(t, m.Complete("m-2", protocol.ResultData{Status: protocol.StatusDone}))
	res = awaitResult(t, pending)
	assert.Equal(t, protocol.StatusDone, res.Status)

	assert.Len(t, m.Calls(), 2)
}

func TestMock_AbortAndScriptedError(t *testing.T) {
	m := NewMock()
	m.ScriptError(agent.Architecture, fault.Errorf(fault.WorkerUnavailable, "down"))

	_, err := m.Deliver(context.Background(), "m-3", agent.Architecture, protocol.TaskData{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.WorkerUnavailable))

	d, err := m.Deliver(context.Background(), "m-4", agent.Security, protocol.TaskData{})
	require.NoError(t, err)
	require.True(t, d.Abort(fault.Errorf(fault.Cancelled, "run cancelled")))
	_, err = d.Await(context.Background())
	assert.True(t, fault.Is(err, fault.Cancelled))
}

func TestEcho_ReportsScope(t *testing.T) {
	results, kpis, err := Echo().Handle(context.Background(), "e-1", &protocol.TaskData{
		Scope: []string{"x.go", "y.go", "z.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, results["files_analyzed"])
	assert.Equal(t, 0, kpis.Findings)
}
