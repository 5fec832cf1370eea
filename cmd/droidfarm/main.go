// droidfarm orchestrates a pool of Android emulators as sandboxed agent
// environments behind an HTTP API.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	flagHost   string
	flagPort   int
)

var rootCmd = &cobra.Command{
	Use:   "droidfarm",
	Short: "Android emulator trajectory orchestration service",
	Long: "droidfarm manages a pool of Android emulator processes as sandboxed agent\n" +
		"environments: trajectory lifecycle, UI actions, observations, snapshots,\n" +
		"and reward computation, fronted by an HTTP API.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// applyLogLevel raises the log level from the config file unless --verbose
// already forced debug.
func applyLogLevel(configured string) {
	if verbose {
		return
	}
	var level slog.Level
	switch strings.ToLower(configured) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
