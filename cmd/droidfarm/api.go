package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"droidfarm/internal/httpapi"
)

const shutdownGrace = 10 * time.Second

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API with the environment and reward workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAPI(cmd.Context())
	},
}

func init() {
	apiCmd.Flags().StringVar(&flagHost, "host", "", "listen host (overrides config)")
	apiCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(apiCmd)
}

func runAPI(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagHost != "" {
		cfg.Server.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	for _, id := range []string{envWorkerID, rewardWorkerID} {
		if err := rt.coord.StartWorker(ctx, id); err != nil {
			return err
		}
	}
	defer rt.coord.StopAll()

	go rt.coord.Monitor(ctx)
	go rt.watchConfig(ctx)

	api := httpapi.NewServer(rt.coord, rt.env, rt.reward)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("http shutdown incomplete", "err", err)
	}
	return nil
}
