package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// exitCode mirrors the run-status exit semantics: callers can tell a
// clean completion from a cancelled run from an outright failure.
type exitCode int

const (
	exitCompleted exitCode = 0
	exitFailed    exitCode = 1
	exitCancelled exitCode = 2
)

func run() exitCode {
	var (
		verbose     bool
		logFormat   string
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:   "correlate",
		Short: "Correlate forensic artifacts into identities and anchored timelines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "tint", "log output format: tint, json")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on (empty disables it)")

	runExit := exitCompleted
	rootCmd.AddCommand(
		newRunCmd(&runExit),
		newQueryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}
	return runExit
}

func newLogger(verbose bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
