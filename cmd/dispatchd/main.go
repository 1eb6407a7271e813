// Package main provides the CLI entry point for dispatchd, the dispatch
// core daemon: a natural-language command dispatcher that routes each
// request across LM providers, classifies it, resolves follow-up
// references against recent conversation, and orchestrates both
// in-process and MCP-bridged tools to answer it.
//
// # Basic Usage
//
// Run a single turn:
//
//	dispatchd run --config dispatchd.yaml "list the files in ./internal"
//
// Start an interactive session:
//
//	dispatchd chat --config dispatchd.yaml
//
// Check provider and tool health:
//
//	dispatchd status --config dispatchd.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
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

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main so tests can exercise it directly.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd - natural-language command dispatch core",
		Long: `dispatchd routes natural-language requests across LM providers,
classifies each one to pick a model tier, resolves follow-up references
against recent conversation, and orchestrates in-process and MCP-bridged
tools to carry out what was asked.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildChatCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
