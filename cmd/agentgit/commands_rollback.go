package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentgit/internal/checkpoint"
	"github.com/haasonsaas/agentgit/internal/rollback"
	"github.com/haasonsaas/agentgit/internal/session"
	"github.com/haasonsaas/agentgit/internal/store"
)

func buildRollbackCmd() *cobra.Command {
	var (
		externalID    int64
		checkpointID  int64
		rollbackTools bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a checkpoint on a new branch",
		Long: `Restore a session to a checkpoint. The checkpointed state is forked onto a
fresh branch, which becomes current; the old timeline is preserved. With
--tools, tool side effects recorded after the checkpoint are reversed first,
newest to oldest. Irreversible tools are reported but never block the
rollback.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cmd.Context(), cfg.StoreConfig())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			coordinator := rollback.NewCoordinator(rollback.Options{
				Store:    s,
				Engine:   checkpoint.NewEngine(checkpoint.Options{Store: s}),
				Sessions: session.NewManager(session.Options{Store: s}),
			})

			res, err := coordinator.Rollback(cmd.Context(), externalID, checkpointID, rollbackTools)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restored checkpoint %q (id %d) on new branch %s (id %d).\n",
				res.Checkpoint.CheckpointName, res.Checkpoint.ID,
				res.Session.GraphSessionID, res.Session.ID)
			for _, r := range res.Reversals {
				status := "reversed"
				if !r.ReversedSuccessfully {
					status = "NOT reversed"
				}
				fmt.Fprintf(out, "  [%d] %s: %s (%s)\n", r.Index, r.ToolName, status, r.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&externalID, "session", 0, "External session id")
	cmd.Flags().Int64Var(&checkpointID, "checkpoint", 0, "Checkpoint id to restore")
	cmd.Flags().BoolVar(&rollbackTools, "tools", false, "Reverse tool side effects recorded after the checkpoint")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}
