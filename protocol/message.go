// Package protocol defines the wire format spoken between the broker and
// worker processes: newline-terminated UTF-8 JSON envelopes over a local
// stream socket. The envelope and payload shapes are a stable contract;
// changing a field name here breaks every deployed worker.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semcrew/fault"
)

// Type enumerates the legal envelope types.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeRegistration Type = "registration"
	TypeTask         Type = "task"
	TypeEvent        Type = "event"
	TypeHeartbeat    Type = "heartbeat"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

var validTypes = map[Type]bool{
	TypeAuth:         true,
	TypeRegistration: true,
	TypeTask:         true,
	TypeEvent:        true,
	TypeHeartbeat:    true,
	TypePing:         true,
	TypePong:         true,
}

// Task terminal statuses carried in ResultData.Status.
const (
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Worker-reported statuses carried in HeartbeatData.Status.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)

// Message is one frame on the wire.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Agent     string          `json:"agent"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Validate checks the envelope invariants shared by every frame type.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fault.Errorf(fault.ProtocolViolation, "frame missing id")
	}
	if !validTypes[m.Type] {
		return fault.Errorf(fault.ProtocolViolation, "unknown frame type %q", m.Type)
	}
	return nil
}

// Time parses the envelope timestamp. A missing timestamp returns the
// zero time without error; workers built on older clients omit it on
// pong frames.
func (m *Message) Time() (time.Time, error) {
	if m.Timestamp == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return time.Time{}, fault.Errorf(fault.ProtocolViolation, "bad timestamp %q: %v", m.Timestamp, err)
	}
	return ts, nil
}

// AuthData is the payload of the mandatory first frame on a stream.
type AuthData struct {
	Token   string `json:"token"`
	AgentID string `json:"agent_id"`
}

// RegistrationData announces a worker after authentication.
type RegistrationData struct {
	Agent        string   `json:"agent"`
	PID          int      `json:"pid"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HeartbeatData reports worker liveness and load.
type HeartbeatData struct {
	Agent            string  `json:"agent"`
	PID              int     `json:"pid"`
	Status           string  `json:"status"`
	ActiveTasks      int     `json:"active_tasks"`
	ActiveTasksLimit int     `json:"active_tasks_limit"`
	UptimeS          float64 `json:"uptime_s"`
}

// TaskContext locates the change under analysis.
type TaskContext struct {
	RepoRoot string `json:"repo_root"`
	Commit   string `json:"commit"`
	Branch   string `json:"branch"`
}

// TaskData is the payload of a task frame sent to a worker.
type TaskData struct {
	Scope      []string       `json:"scope"`
	Context    TaskContext    `json:"context"`
	Output     string         `json:"output"`
	Config     map[string]any `json:"config,omitempty"`
	DeadlineMS int64          `json:"deadline_ms"`
}

// KPIs are the per-task performance indicators a worker reports.
type KPIs struct {
	LatencyMS int64 `json:"latency_ms"`
	Tokens    int   `json:"tokens"`
	Findings  int   `json:"findings"`
}

// ResultData is the payload of a task response frame. The frame reuses
// type=task with the id of the originating task.
type ResultData struct {
	Status  string         `json:"status"`
	Results map[string]any `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
	KPIs    KPIs           `json:"kpis"`
}

// EventData is the payload of informational event frames.
type EventData struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New builds a frame with a fresh id and the given payload.
func New(t Type, agent string, at time.Time, data any) (*Message, error) {
	return newWithID(uuid.New().String(), t, agent, at, data)
}

func newWithID(id string, t Type, agent string, at time.Time, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{
		ID:        id,
		Type:      t,
		Agent:     agent,
		Timestamp: at.UTC().Format(time.RFC3339),
		Data:      raw,
	}, nil
}

// NewAuth builds the handshake frame.
func NewAuth(agent, token string, at time.Time) (*Message, error) {
	return New(TypeAuth, agent, at, AuthData{Token: token, AgentID: agent})
}

// NewRegistration builds the post-auth registration frame.
func NewRegistration(agent string, at time.Time, data RegistrationData) (*Message, error) {
	data.Agent = agent
	return New(TypeRegistration, agent, at, data)
}

// NewHeartbeat builds a liveness frame.
func NewHeartbeat(agent string, at time.Time, data HeartbeatData) (*Message, error) {
	data.Agent = agent
	return New(TypeHeartbeat, agent, at, data)
}

// NewTask builds a task frame addressed to a worker. The id is supplied
// by the caller so the response can be correlated.
func NewTask(taskID, agent string, at time.Time, data TaskData) (*Message, error) {
	return newWithID(taskID, TypeTask, agent, at, data)
}

// NewResult builds a task response frame carrying the originating id.
func NewResult(taskID, agent string, at time.Time, data ResultData) (*Message, error) {
	return newWithID(taskID, TypeTask, agent, at, data)
}

// NewEvent builds an informational event frame.
func NewEvent(agent, event string, at time.Time, payload map[string]any) (*Message, error) {
	return New(TypeEvent, agent, at, EventData{Event: event, Payload: payload})
}

// NewPing builds a latency probe.
func NewPing(agent string, at time.Time) (*Message, error) {
	return New(TypePing, agent, at, map[string]any{})
}

// NewPong answers a ping. The id is pong-<ping id> so the prober can
// correlate without a shared table.
func NewPong(ping *Message, agent string, at time.Time) (*Message, error) {
	return newWithID("pong-"+ping.ID, TypePong, agent, at, map[string]any{})
}

// DecodeAuth unmarshals an auth payload.
func (m *Message) DecodeAuth() (*AuthData, error) {
	var d AuthData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeRegistration unmarshals a registration payload.
func (m *Message) DecodeRegistration() (*RegistrationData, error) {
	var d RegistrationData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeHeartbeat unmarshals a heartbeat payload.
func (m *Message) DecodeHeartbeat() (*HeartbeatData, error) {
	var d HeartbeatData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeTask unmarshals a task payload.
func (m *Message) DecodeTask() (*TaskData, error) {
	var d TaskData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeResult unmarshals a task response payload.
func (m *Message) DecodeResult() (*ResultData, error) {
	var d ResultData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeEvent unmarshals an event payload.
func (m *Message) DecodeEvent() (*EventData, error) {
	var d EventData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *Message) decode(into any) error {
	if len(m.Data) == 0 {
		return fault.Errorf(fault.ProtocolViolation, "%s frame %s has no data", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Data, into); err != nil {
		return fault.Errorf(fault.ProtocolViolation, "decode %s payload: %v", m.Type, err)
	}
	return nil
}
