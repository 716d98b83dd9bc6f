package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/semcrew/agent"
)

// Decision is the final verdict of a run.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionRequestChanges Decision = "request_changes"
	DecisionNeedsWork      Decision = "needs_work"
)

// Contribution is one worker's part of the final result, including the
// error it hit if it never produced an artifact.
type Contribution struct {
	Worker    agent.Identity
	Status    TaskStatus
	Findings  int
	Tokens    int
	LatencyMS int64
	Artifacts []string
	Err       string
}

// Totals aggregates KPIs over every contribution.
type Totals struct {
	Findings int
	Tokens   int
	Workers  int
}

// Result is the driver-visible outcome of a run. Every run that makes
// it past routing produces one; there is no partial silent success.
type Result struct {
	RunID           string
	Decision        Decision
	Summary         string
	CriticalIssues  []string
	Recommendations []string
	Contributions   []Contribution
	Totals          Totals
	Errors          []string
	Warnings        []string
	Duration        time.Duration
}

// contributions orders the per-worker outcomes for a result, analysis
// workers first, synthesizer last.
func contributions(results map[string]TaskResult) []Contribution {
	out := make([]Contribution, 0, len(results))
	for _, res := range results {
		out = append(out, Contribution{
			Worker:    res.Target,
			Status:    res.Status,
			Findings:  res.KPIs.Findings,
			Tokens:    res.KPIs.Tokens,
			LatencyMS: res.KPIs.LatencyMS,
			Artifacts: res.Artifacts,
			Err:       res.Err,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Worker == agent.Synthesizer) != (out[j].Worker == agent.Synthesizer) {
			return out[j].Worker == agent.Synthesizer
		}
		return out[i].Worker < out[j].Worker
	})
	return out
}

func totals(contribs []Contribution) Totals {
	t := Totals{Workers: len(contribs)}
	for _, c := range contribs {
		t.Findings += c.Findings
		t.Tokens += c.Tokens
	}
	return t
}

// summarize renders the one-sentence summary every result carries.
func summarize(decision Decision, t Totals, failed int) string {
	switch decision {
	case DecisionApprove:
		return fmt.Sprintf("Approved: %d workers reported no findings.", t.Workers)
	case DecisionRequestChanges:
		return fmt.Sprintf("Changes requested: %d findings across %d workers.", t.Findings, t.Workers)
	default:
		return fmt.Sprintf("Needs work: %d findings, %d of %d workers did not finish cleanly.", t.Findings, failed, t.Workers)
	}
}
