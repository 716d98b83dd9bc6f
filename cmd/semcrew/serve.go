package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c360studio/semcrew/config"
	"github.com/c360studio/semcrew/metrics"
	semruntime "github.com/c360studio/semcrew/runtime"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the review orchestrator",
		Long: `Serve starts the IPC broker, the approval gate, and the workflow
engine, then blocks until SIGINT or SIGTERM. Analysis workers connect
to the broker socket from their own processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	printBanner()
	logger := setupLogging(opts.logLevel)

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}

	rt, err := semruntime.New(cfg, semruntime.Options{
		Logger:  logger,
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := rt.Start(signalCtx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	// A config file edit cannot be applied to live components; tell the
	// operator instead of silently ignoring the write.
	if opts.configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{Path: opts.configPath, Logger: logger})
		if err != nil {
			logger.Warn("Config watcher unavailable", "path", opts.configPath, "error", err)
		} else if err := watcher.Start(signalCtx); err != nil {
			logger.Warn("Config watcher failed to start", "path", opts.configPath, "error", err)
		} else {
			defer watcher.Stop()
			go func() {
				for range watcher.Reloads() {
					logger.Warn("Configuration changed on disk; restart semcrew to apply it",
						"path", opts.configPath)
				}
			}()
		}
	}

	logger.Info("Semcrew ready",
		"version", Version,
		"socket", rt.SocketPath())

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	stopped := make(chan error, 1)
	go func() { stopped <- rt.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			logger.Error("Error stopping runtime", "error", err)
		}
	case <-time.After(30 * time.Second):
		logger.Error("Shutdown timed out")
	}

	logger.Info("Semcrew shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Semcrew v" + Version + "                     ║")
	fmt.Println("║      Multi-Agent Review Orchestrator          ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
