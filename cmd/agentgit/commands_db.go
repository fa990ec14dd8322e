package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentgit/internal/store"
)

// buildDBCmd creates the "db" command group.
func buildDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the database",
	}
	cmd.AddCommand(buildDBInitCmd())
	return cmd
}

func buildDBInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the schema and provision the root user",
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

			fmt.Fprintf(cmd.OutOrStdout(), "Database initialized (%s backend).\n", cfg.Database.Backend)
			return nil
		},
	}
}
