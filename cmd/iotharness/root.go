package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"iotharness/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "iotharness",
	Short: "IoT protocol measurement harness",
	Long:  "iotharness drives simulated sensor traffic through IoT protocols under controlled network impairment and collects per-packet timing metrics.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return logging.New(level)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(nodeCmd)
}
