package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator with all workers, without the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCoordinator(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
}

func runCoordinator(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if err := rt.coord.StartAll(ctx); err != nil {
		return err
	}
	defer rt.coord.StopAll()

	go rt.watchConfig(ctx)
	slog.Info("coordinator running", "id", rt.coord.ID(), "workers", len(rt.coord.Snapshot()))
	rt.coord.Monitor(ctx)
	return nil
}
