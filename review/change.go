// Package review defines the change event that triggers a review run:
// one commit's worth of touched files plus the metadata the router and
// workers need to scope their analysis.
package review

import (
	"time"

	"github.com/c360studio/semcrew/fault"
)

// Event kinds. Push is the default when a driver leaves Kind empty.
const (
	KindPush        = "push"
	KindPullRequest = "pull_request"
	KindManual      = "manual"
)

// FileChange is one touched path with its line delta.
type FileChange struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// ChangeEvent describes one source-control change. It is immutable once
// submitted: the workflow reads it, never writes it.
type ChangeEvent struct {
	Repository string       `json:"repository"`
	Branch     string       `json:"branch"`
	Commit     string       `json:"commit"`
	Kind       string       `json:"kind,omitempty"`
	Files      []FileChange `json:"files"`
	Author     string       `json:"author"`
	Message    string       `json:"message,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Validate checks the fields a run cannot proceed without.
func (e *ChangeEvent) Validate() error {
	if e == nil {
		return fault.Errorf(fault.Fatal, "nil change event")
	}
	if e.Repository == "" {
		return fault.Errorf(fault.ProtocolViolation, "change event missing repository")
	}
	if e.Branch == "" {
		return fault.Errorf(fault.ProtocolViolation, "change event missing branch")
	}
	if e.Commit == "" {
		return fault.Errorf(fault.ProtocolViolation, "change event missing commit")
	}
	if len(e.Files) == 0 {
		return fault.Errorf(fault.ProtocolViolation, "change event has no files")
	}
	for _, f := range e.Files {
		if f.Path == "" {
			return fault.Errorf(fault.ProtocolViolation, "change event has a file with no path")
		}
	}
	return nil
}

// EventKind returns Kind, defaulting to push.
func (e *ChangeEvent) EventKind() string {
	if e.Kind == "" {
		return KindPush
	}
	return e.Kind
}

// TotalLines is the aggregate of added and removed lines over all files.
func (e *ChangeEvent) TotalLines() int {
	total := 0
	for _, f := range e.Files {
		total += f.LinesAdded + f.LinesRemoved
	}
	return total
}

// Paths returns the touched file paths in event order.
func (e *ChangeEvent) Paths() []string {
	paths := make([]string, len(e.Files))
	for i, f := range e.Files {
		paths[i] = f.Path
	}
	return paths
}
