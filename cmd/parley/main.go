// Package main provides the parley CLI: a conversational agent core
// that connects LLM providers to external tool servers, with persisted
// sessions and a user confirmation gate in front of tool execution.
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Chat from the terminal:
//
//	parley chat --agent dev --channel cli
//
// Inspect the aggregated tool catalog:
//
//	parley tools list
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "parley",
		Short:        "Parley - conversational agent core with tool-server integration",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file, or returns defaults when the path
// is empty and no parley.yaml exists in the working directory.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("parley.yaml"); err == nil {
			path = "parley.yaml"
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// configureLogging rebuilds the default logger from config.
func configureLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
