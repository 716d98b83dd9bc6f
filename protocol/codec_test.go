package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semcrew/fault"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	msg, err := NewTask("task-1", "quality", testTime, TaskData{
		Scope:      []string{"a.go", "b.go"},
		Context:    TaskContext{RepoRoot: "/repo", Commit: "abc123", Branch: "main"},
		Output:     "/reports/task-1.json",
		DeadlineMS: 120000,
	})
	require.NoError(t, err)
	require.NoError(t, w.Write(msg))

	r := NewReader(&buf)
	got, err := r.Read()
	require.NoError(t, err)

	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, TypeTask, got.Type)
	assert.Equal(t, "quality", got.Agent)
	assert.Equal(t, "2025-06-01T12:00:00Z", got.Timestamp)

	task, err := got.DecodeTask()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, task.Scope)
	assert.Equal(t, "abc123", task.Context.Commit)
	assert.Equal(t, int64(120000), task.DeadlineMS)
}

func TestReadMultipleFramesAndBlankLines(t *testing.T) {
	input := `{"id":"1","type":"ping","agent":"security","timestamp":"2025-06-01T12:00:00Z"}

{"id":"2","type":"heartbeat","agent":"security","timestamp":"2025-06-01T12:00:01Z","data":{"agent":"security","status":"idle"}}
`
	r := NewReader(strings.NewReader(input))

	first, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, TypePing, first.Type)

	second, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, second.Type)

	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestReadMalformedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("{not json}\n"))
	_, err := r.Read()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProtocolViolation))
}

func TestReadUnknownType(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":"1","type":"bogus","agent":"x"}` + "\n"))
	_, err := r.Read()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProtocolViolation))
}

func TestReadMissingID(t *testing.T) {
	r := NewReader(strings.NewReader(`{"type":"ping","agent":"x"}` + "\n"))
	_, err := r.Read()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProtocolViolation))
}

func TestReadOversizedFrame(t *testing.T) {
	big := `{"id":"1","type":"event","agent":"x","data":{"pad":"` +
		strings.Repeat("a", MaxFrameSize) + `"}}` + "\n"
	r := NewReader(strings.NewReader(big))
	_, err := r.Read()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProtocolViolation))
}

func TestPongID(t *testing.T) {
	ping, err := NewPing("coordinator", testTime)
	require.NoError(t, err)

	pong, err := NewPong(ping, "broker", testTime)
	require.NoError(t, err)
	assert.Equal(t, "pong-"+ping.ID, pong.ID)
	assert.Equal(t, TypePong, pong.Type)
}

func TestAuthFrame(t *testing.T) {
	msg, err := NewAuth("security", "secret-token", testTime)
	require.NoError(t, err)

	auth, err := msg.DecodeAuth()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", auth.Token)
	assert.Equal(t, "security", auth.AgentID)
}

func TestResultFrameReusesTaskType(t *testing.T) {
	msg, err := NewResult("task-9", "quality", testTime, ResultData{
		Status: StatusDone,
		KPIs:   KPIs{LatencyMS: 1500, Tokens: 420, Findings: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeTask, msg.Type)
	assert.Equal(t, "task-9", msg.ID)

	res, err := msg.DecodeResult()
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 2, res.KPIs.Findings)
}

func TestDecodeRequiresData(t *testing.T) {
	msg := &Message{ID: "1", Type: TypeTask, Agent: "quality"}
	_, err := msg.DecodeTask()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ProtocolViolation))
}

func TestTimeParsing(t *testing.T) {
	msg := &Message{ID: "1", Type: TypePing, Timestamp: "2025-06-01T12:00:00Z"}
	ts, err := msg.Time()
	require.NoError(t, err)
	assert.Equal(t, testTime, ts)

	msg.Timestamp = "yesterday"
	_, err = msg.Time()
	assert.True(t, fault.Is(err, fault.ProtocolViolation))

	msg.Timestamp = ""
	ts, err = msg.Time()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}
