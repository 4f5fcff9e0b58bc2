package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "gcsim",
		Short: "Drive old generation GC cycles over a synthetic heap",
		Long: `gcsim builds a region heap with a random object graph, runs mutator
goroutines against it and drives concurrent old generation marking cycles,
reporting what each cycle marked, filled and reclaimed.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults if empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	rootCmd.AddCommand(runCmd)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
