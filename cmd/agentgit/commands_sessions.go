package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentgit/internal/session"
	"github.com/haasonsaas/agentgit/internal/store"
	"github.com/haasonsaas/agentgit/pkg/models"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions and their branches",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsTreeCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		username        string
		includeInactive bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's sessions",
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

			user, err := s.Users.FindByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("lookup user %q: %w", username, err)
			}
			sessions, err := s.ExternalSessions.GetUserSessions(cmd.Context(), user.ID, !includeInactive)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			for _, es := range sessions {
				status := "active"
				if !es.IsActive {
					status = "inactive"
				}
				fmt.Fprintf(out, "[%d] %s (%s, %d branches, %d checkpoints, updated %s)\n",
					es.ID, es.SessionName, status, es.BranchCount, es.TotalCheckpoints,
					es.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", store.RootUsername, "Username to list sessions for")
	cmd.Flags().BoolVar(&includeInactive, "all", false, "Include deactivated sessions")
	return cmd
}

func buildSessionsTreeCmd() *cobra.Command {
	var externalID int64
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the branch tree of a session",
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

			manager := session.NewManager(session.Options{Store: s})
			roots, err := manager.BranchTree(cmd.Context(), externalID)
			if err != nil {
				return fmt.Errorf("branch tree: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(roots) == 0 {
				fmt.Fprintln(out, "No branches.")
				return nil
			}
			for _, root := range roots {
				printBranch(out, root)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&externalID, "session", 0, "External session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func printBranch(out io.Writer, node *models.BranchNode) {
	marker := " "
	if node.Session.IsCurrent {
		marker = "*"
	}
	fmt.Fprintf(out, "%s%s [%d] %s (%d msgs, %d tools, %d checkpoints)\n",
		strings.Repeat("  ", node.Depth), marker,
		node.Session.ID, node.Session.GraphSessionID,
		len(node.Session.ConversationHistory),
		node.Session.ToolInvocationCount,
		node.Session.CheckpointCount)
	for _, child := range node.Children {
		printBranch(out, child)
	}
}
