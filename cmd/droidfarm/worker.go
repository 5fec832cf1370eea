package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"droidfarm/internal/worker"
)

var envType string

var workerCmd = &cobra.Command{
	Use:       "worker {env|reward|proxy}",
	Short:     "Run a single worker standalone",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"env", "reward", "proxy"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), args[0])
	},
}

func init() {
	workerCmd.Flags().StringVar(&envType, "env-type", "android", "environment type for the env worker")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(parent context.Context, kind string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if kind == "env" && envType != "android" {
		return fmt.Errorf("unsupported env type %q", envType)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	var w worker.Worker
	switch kind {
	case "env":
		w = rt.env
	case "reward":
		w = rt.reward
	case "proxy":
		w = rt.proxy
	default:
		return fmt.Errorf("unknown worker kind %q", kind)
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	slog.Info("worker running", "worker", w.ID(), "kind", w.Kind())
	go rt.watchConfig(ctx)

	<-ctx.Done()
	return w.Stop()
}
