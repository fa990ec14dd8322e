package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentgit/internal/checkpoint"
	"github.com/haasonsaas/agentgit/internal/store"
)

// buildCheckpointsCmd creates the "checkpoints" command group.
func buildCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage checkpoints",
	}
	cmd.AddCommand(
		buildCheckpointsListCmd(),
		buildCheckpointsDiffCmd(),
		buildCheckpointsPruneCmd(),
	)
	return cmd
}

// openEngine opens the store and wraps it in a checkpoint engine. The caller
// closes the returned store.
func openEngine(cmd *cobra.Command) (*store.Store, *checkpoint.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(cmd.Context(), cfg.StoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return s, checkpoint.NewEngine(checkpoint.Options{Store: s}), nil
}

func buildCheckpointsListCmd() *cobra.Command {
	var (
		internalID int64
		autoOnly   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints of a branch, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, engine, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			checkpoints, err := engine.List(cmd.Context(), internalID, autoOnly)
			if err != nil {
				return fmt.Errorf("list checkpoints: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(checkpoints) == 0 {
				fmt.Fprintln(out, "No checkpoints.")
				return nil
			}
			for _, cp := range checkpoints {
				kind := "manual"
				if cp.IsAuto {
					kind = "auto"
				}
				fmt.Fprintf(out, "[%d] %s (%s, %d msgs, tool track at %d, %s)\n",
					cp.ID, cp.CheckpointName, kind,
					len(cp.ConversationHistory), cp.ToolTrackPosition(),
					cp.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&internalID, "session", 0, "Internal session (branch) id")
	cmd.Flags().BoolVar(&autoOnly, "auto-only", false, "Only automatic checkpoints")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func buildCheckpointsDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <checkpoint-a> <checkpoint-b>",
		Short: "Compare two checkpoints",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idA, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid checkpoint id %q", args[0])
			}
			idB, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid checkpoint id %q", args[1])
			}

			s, engine, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			a, err := engine.Get(cmd.Context(), idA)
			if err != nil {
				return err
			}
			b, err := engine.Get(cmd.Context(), idB)
			if err != nil {
				return err
			}

			report := checkpoint.Diff(a, b)
			fmt.Fprint(cmd.OutOrStdout(), checkpoint.RenderText(report))
			return nil
		},
	}
}

func buildCheckpointsPruneCmd() *cobra.Command {
	var (
		internalID int64
		keep       int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old automatic checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, engine, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			deleted, err := engine.PruneAuto(cmd.Context(), internalID, keep)
			if err != nil {
				return fmt.Errorf("prune checkpoints: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d auto checkpoint(s), kept the %d most recent.\n", deleted, keep)
			return nil
		},
	}
	cmd.Flags().Int64Var(&internalID, "session", 0, "Internal session (branch) id")
	cmd.Flags().IntVar(&keep, "keep", 5, "How many recent auto checkpoints to keep")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
