package workflow

import (
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
)

// TaskStatus is the run-table status of one task. Pending and running
// are the only non-terminal values.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s != TaskPending && s != TaskRunning
}

// statusFromWire maps a worker-reported status onto the run table.
func statusFromWire(status string) TaskStatus {
	switch status {
	case protocol.StatusDone:
		return TaskDone
	case protocol.StatusTimeout:
		return TaskTimeout
	case protocol.StatusCancelled:
		return TaskCancelled
	default:
		return TaskFailed
	}
}

// statusFromError maps a dispatch or await error onto the run table.
func statusFromError(err error) TaskStatus {
	switch fault.KindOf(err) {
	case fault.Cancelled:
		return TaskCancelled
	case fault.WorkerTimeout:
		return TaskTimeout
	default:
		return TaskFailed
	}
}

// Task is one immutable dispatch unit: which worker reads which files,
// where the artifact goes, and how long the worker may take.
type Task struct {
	ID       string
	Target   agent.Identity
	Scope    []string
	Context  protocol.TaskContext
	Output   string
	Config   map[string]any
	Deadline time.Duration
}

// wireData renders the task as its protocol payload.
func (t *Task) wireData() protocol.TaskData {
	return protocol.TaskData{
		Scope:      t.Scope,
		Context:    t.Context,
		Output:     t.Output,
		Config:     t.Config,
		DeadlineMS: t.Deadline.Milliseconds(),
	}
}

// TaskResult is the collected terminal outcome of one task.
type TaskResult struct {
	TaskID    string
	Target    agent.Identity
	Status    TaskStatus
	Artifacts []string
	Results   map[string]any
	KPIs      protocol.KPIs
	Err       string
}

// severity reported by the worker for a failed task; failures without
// one count as high.
func (r TaskResult) severity() string {
	if s, ok := r.Results["severity"].(string); ok && s != "" {
		return s
	}
	return SeverityHigh
}

// Severity levels orderable against the blocking threshold.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// severityAtLeast reports whether got ranks at or above want. Unknown
// severities rank below every known one.
func severityAtLeast(got, want string) bool {
	return severityRank[got] >= severityRank[want] && severityRank[got] > 0
}
