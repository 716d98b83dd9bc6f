package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/config"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/worker"
)

func workerCmd(opts *rootOptions) *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an analysis worker against the broker socket",
		Long: `Worker connects to the configured broker socket as one analysis
identity and serves tasks with the built-in echo analyzer. Real
analyzers are separate programs built on the worker package; this
command exists for wiring checks and demos.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, identity)
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Worker identity ("+identityList()+")")

	return cmd
}

func runWorker(opts *rootOptions, identity string) error {
	logger := setupLogging(opts.logLevel)

	id := agent.Identity(identity)
	if !id.Valid() {
		return fmt.Errorf("unknown identity %q (expected one of %s)", identity, identityList())
	}

	// A generated token would never match the broker's; require the
	// shared one.
	token := os.Getenv(config.EnvToken)
	if token == "" {
		return fmt.Errorf("%s is not set; the worker must share the broker's token", config.EnvToken)
	}

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}

	wcfg := worker.DefaultConfig(cfg.Broker.SocketPath, id)
	wcfg.Token = token
	wcfg.Version = Version
	c := worker.New(wcfg, worker.Echo(), nil, nil, logger)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	logger.Info("Worker starting", "agent", id, "socket", cfg.Broker.SocketPath)
	if err := c.Run(signalCtx); err != nil && !fault.IsCancelled(err) {
		return err
	}
	logger.Info("Worker stopped", "agent", id)
	return nil
}

func identityList() string {
	ids := agent.Identities()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return strings.Join(out, ", ")
}
