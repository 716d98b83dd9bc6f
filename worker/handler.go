// Package worker implements the agent side of the stream protocol: a
// socket client that authenticates, registers, heartbeats, and runs a
// Handler per task frame. It also ships the in-process, pooled, and
// mock dispatch variants used for single-binary mode and tests.
package worker

import (
	"context"

	"github.com/c360studio/semcrew/protocol"
)

// Handler runs one analysis task. The context carries the task
// deadline; implementations should return promptly once it is done.
// Returned KPIs may leave LatencyMS zero, the client stamps it from the
// observed round trip.
type Handler interface {
	Handle(ctx context.Context, taskID string, task *protocol.TaskData) (map[string]any, protocol.KPIs, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, taskID string, task *protocol.TaskData) (map[string]any, protocol.KPIs, error)

func (f HandlerFunc) Handle(ctx context.Context, taskID string, task *protocol.TaskData) (map[string]any, protocol.KPIs, error) {
	return f(ctx, taskID, task)
}

// Echo returns a handler that acknowledges the task scope without
// analyzing anything. It backs the built-in worker command; real
// analyzers live in external processes.
func Echo() Handler {
	return HandlerFunc(func(ctx context.Context, taskID string, task *protocol.TaskData) (map[string]any, protocol.KPIs, error) {
		return map[string]any{
			"echo":           true,
			"files_analyzed": len(task.Scope),
			"scope":          task.Scope,
		}, protocol.KPIs{Findings: 0}, nil
	})
}
