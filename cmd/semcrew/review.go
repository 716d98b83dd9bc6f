package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/review"
	semruntime "github.com/c360studio/semcrew/runtime"
	"github.com/c360studio/semcrew/worker"
)

func reviewCmd(opts *rootOptions) *cobra.Command {
	var (
		repo    string
		branch  string
		commit  string
		files   []string
		author  string
		message string
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review one change with an embedded crew",
		Long: `Review runs a single change event through an embedded runtime with
in-process echo workers and prints the result as JSON. Each --files
value is path[:added[:removed]].`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(opts, cmd.OutOrStdout(), repo, branch, commit, files, author, message)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", ".", "Repository path to review")
	cmd.Flags().StringVar(&branch, "branch", "main", "Branch the change lands on")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit id under review")
	cmd.Flags().StringArrayVar(&files, "files", nil, "Changed file as path[:added[:removed]] (repeatable)")
	cmd.Flags().StringVar(&author, "author", "", "Change author")
	cmd.Flags().StringVar(&message, "message", "", "Change description")

	return cmd
}

func runReview(opts *rootOptions, out io.Writer, repo, branch, commit string, files []string, author, message string) error {
	logger := setupLogging(opts.logLevel)

	if commit == "" {
		return fmt.Errorf("--commit is required")
	}
	if len(files) == 0 {
		return fmt.Errorf("at least one --files entry is required")
	}
	changes, err := parseFileChanges(files)
	if err != nil {
		return err
	}

	absRepo, err := filepath.Abs(repo)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}
	info, err := os.Stat(absRepo)
	if err != nil {
		return fmt.Errorf("stat repo path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absRepo)
	}

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}

	// A one-shot run gets its own socket and report dir so nothing from
	// a long-running serve process is touched.
	scratch, err := os.MkdirTemp("", "semcrew-review-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	cfg.Broker.SocketPath = filepath.Join(scratch, "broker.sock")
	cfg.Workflow.RepoRoot = absRepo
	cfg.Workflow.ReportsDir = filepath.Join(scratch, "reports")

	rt, err := semruntime.New(cfg, semruntime.Options{
		Logger:  logger,
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop()

	if err := startCrew(ctx, rt, logger); err != nil {
		return err
	}

	// Stream run progress to stderr; stdout stays pure JSON.
	events, cancelSub := rt.Engine.Events().Subscribe(32)
	defer cancelSub()
	go func() {
		for ev := range events {
			if ev.Agent != "" {
				fmt.Fprintf(os.Stderr, "%s %s %s\n", ev.At.Format(time.TimeOnly), ev.Name, ev.Agent)
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %s\n", ev.At.Format(time.TimeOnly), ev.Name)
		}
	}()

	event := &review.ChangeEvent{
		Repository: filepath.Base(absRepo),
		Branch:     branch,
		Commit:     commit,
		Files:      changes,
		Author:     author,
		Message:    message,
		Timestamp:  time.Now(),
	}

	res, err := rt.Engine.Submit(ctx, event)
	if err != nil {
		return fmt.Errorf("review failed: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// startCrew binds one in-process echo worker per identity to the
// broker and waits for all of them to register.
func startCrew(ctx context.Context, rt *semruntime.Runtime, logger *slog.Logger) error {
	for _, id := range agent.Identities() {
		wcfg := worker.DefaultConfig(rt.SocketPath(), id)
		wcfg.Token = rt.Token()
		wcfg.Version = Version
		c := worker.New(wcfg, worker.Echo(), worker.InProcess(rt.Broker), nil, logger)
		go func() { _ = c.Run(ctx) }()
	}

	want := len(agent.Identities())
	deadline := time.Now().Add(5 * time.Second)
	for {
		if len(rt.Registry.SnapshotHealth()) >= want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("crew never registered (%d of %d workers)",
				len(rt.Registry.SnapshotHealth()), want)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// parseFileChanges turns path[:added[:removed]] values into file
// changes.
func parseFileChanges(values []string) ([]review.FileChange, error) {
	out := make([]review.FileChange, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("invalid --files value %q: expected path[:added[:removed]]", v)
		}
		fc := review.FileChange{Path: parts[0]}
		if fc.Path == "" {
			return nil, fmt.Errorf("invalid --files value %q: empty path", v)
		}
		var err error
		if len(parts) > 1 {
			if fc.LinesAdded, err = strconv.Atoi(parts[1]); err != nil {
				return nil, fmt.Errorf("invalid --files value %q: %w", v, err)
			}
		}
		if len(parts) > 2 {
			if fc.LinesRemoved, err = strconv.Atoi(parts[2]); err != nil {
				return nil, fmt.Errorf("invalid --files value %q: %w", v, err)
			}
		}
		out = append(out, fc)
	}
	return out, nil
}
