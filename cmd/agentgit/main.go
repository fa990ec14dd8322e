// Package main provides the agentgit CLI: version control semantics for
// conversational agent sessions.
//
// # Basic Usage
//
// Initialize the database:
//
//	agentgit db init
//
// Inspect sessions and checkpoints:
//
//	agentgit sessions list --user rootusr
//	agentgit sessions tree --session 1
//	agentgit checkpoints list --session 1
//	agentgit checkpoints diff 3 7
//
// Restore a checkpoint on a new branch:
//
//	agentgit rollback --session 1 --checkpoint 3 --tools
//
// # Environment Variables
//
//   - DATABASE: backend selection ("embedded" or "networked")
//   - DATABASE_URL: database location (file path, sqlite:// or postgres:// URL)
//   - ANTHROPIC_API_KEY: Anthropic API key for the agent runtime
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentgit/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

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
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentgit",
		Short: "agentgit - checkpoints and branches for agent conversations",
		Long: `agentgit records agent conversations as checkpointed, branchable timelines.

Checkpoints snapshot the conversation, agent state, and tool track; rollback
restores a checkpoint on a fresh branch, optionally undoing tool side effects.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildDBCmd(),
		buildSessionsCmd(),
		buildCheckpointsCmd(),
		buildRollbackCmd(),
	)
	return rootCmd
}

// loadConfig resolves the configuration and reapplies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return cfg, nil
}
