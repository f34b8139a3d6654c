// Package cmd holds the CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "botgate",
	Short: "Messaging gateway for a long-lived agent",
	Long: `botgate bridges chat transports to an LLM agent runtime: it routes
inbound messages to per-conversation sessions, schedules agent runs, and
ships replies back through the originating channel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	defaultCfg := "botgate.json5"
	if home, err := os.UserHomeDir(); err == nil {
		defaultCfg = filepath.Join(home, ".botgate", "botgate.json5")
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultCfg, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// newLogger builds the process logger from the --log-level flag.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
