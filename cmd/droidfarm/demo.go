package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Boot one trajectory, run a few actions, compute a reward, and clean up",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDemo(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(parent context.Context) error {
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

	b, err := rt.env.Create(ctx)
	if err != nil {
		return fmt.Errorf("creating demo trajectory: %w", err)
	}
	fmt.Printf("trajectory %s on %s\n", b.TrajectoryID, b.DeviceID)
	defer func() {
		if err := rt.env.Remove(context.Background(), b.TrajectoryID); err != nil {
			slog.Warn("demo cleanup failed", "err", err)
		}
	}()

	steps := 0
	for _, command := range []string{
		"key home",
		"click 540 960",
		"swipe 540 1500 540 500",
		"screenshot",
	} {
		obs, err := rt.env.Step(ctx, b.TrajectoryID, command)
		if err != nil {
			return fmt.Errorf("step %q: %w", command, err)
		}
		steps++
		fmt.Printf("step %-24s → action=%s activity=%s\n", command, obs.Action.Kind, obs.CurrentActivity)
	}

	if _, err := rt.env.Save(ctx, b.TrajectoryID); err != nil {
		return fmt.Errorf("saving demo trajectory: %w", err)
	}
	fmt.Printf("snapshot saved to %s\n", rt.env.SnapshotPath(b.TrajectoryID))

	reward, err := rt.reward.Compute("efficiency", b.TrajectoryID, map[string]any{
		"steps":     float64(steps),
		"max_steps": float64(20),
	})
	if err != nil {
		return fmt.Errorf("computing demo reward: %w", err)
	}
	fmt.Printf("efficiency reward: %.2f\n", reward)
	return nil
}
