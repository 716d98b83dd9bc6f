// Package router turns a change event and a live health snapshot into
// a routing plan: which workers analyze which files, in what order,
// and with how much parallelism.
package router

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/review"
)

// Rule contributes a worker set when the event matches. Pattern rules
// fire on any touched path; threshold rules fire on aggregate size;
// Always rules fire unconditionally.
type Rule struct {
	Name    string
	Workers []agent.Identity

	// Patterns are doublestar globs matched case-insensitively against
	// each touched path.
	Patterns []string

	// MinTotalLines fires when the aggregate line delta exceeds it;
	// MinFiles fires when the touched-file count reaches it. Either
	// alone is sufficient.
	MinTotalLines int
	MinFiles      int

	Always bool

	// ScopeAll assigns the full file list instead of the matched
	// subset.
	ScopeAll bool
}

// Match reports whether the rule fires for event and which files back
// the decision.
func (r Rule) Match(event *review.ChangeEvent) (bool, []string) {
	if r.Always {
		return true, event.Paths()
	}

	if len(r.Patterns) > 0 {
		var matched []string
		for _, f := range event.Files {
			if matchAny(r.Patterns, f.Path) {
				matched = append(matched, f.Path)
			}
		}
		if len(matched) == 0 {
			return false, nil
		}
		if r.ScopeAll {
			return true, event.Paths()
		}
		return true, matched
	}

	if r.MinTotalLines > 0 && event.TotalLines() > r.MinTotalLines {
		return true, event.Paths()
	}
	if r.MinFiles > 0 && len(event.Files) >= r.MinFiles {
		return true, event.Paths()
	}
	return false, nil
}

func matchAny(patterns []string, path string) bool {
	p := strings.ToLower(path)
	for _, pattern := range patterns {
		ok, err := doublestar.Match(strings.ToLower(pattern), p)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultRules is the built-in skill table. Order matters: workers
// keep the position of the first rule that contributed them.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "dependency-manifest",
			Workers: []agent.Identity{agent.Security},
			Patterns: []string{
				"**/package.json", "**/package-lock.json", "**/yarn.lock", "**/pnpm-lock.yaml",
				"**/go.mod", "**/go.sum",
				"**/requirements*.txt", "**/pipfile*", "**/poetry.lock", "**/pyproject.toml",
				"**/gemfile*", "**/cargo.toml", "**/cargo.lock",
				"**/pom.xml", "**/build.gradle*",
				"**/dockerfile*", "**/docker-compose*.yml", "**/docker-compose*.yaml",
			},
		},
		{
			Name:          "large-change",
			Workers:       []agent.Identity{agent.Architecture},
			MinTotalLines: 500,
			MinFiles:      10,
			ScopeAll:      true,
		},
		{
			Name:    "api-surface",
			Workers: []agent.Identity{agent.Documentation},
			Patterns: []string{
				"**/*.proto", "**/*.graphql",
				"**/openapi*.yml", "**/openapi*.yaml", "**/openapi*.json",
				"**/swagger*.yml", "**/swagger*.yaml", "**/swagger*.json",
				"**/schema*.sql", "**/schema*.json",
			},
		},
		{
			Name:     "baseline",
			Workers:  []agent.Identity{agent.Quality, agent.Synthesizer},
			Always:   true,
			ScopeAll: true,
		},
	}
}
