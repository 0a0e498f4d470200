package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/crabbot-core/logger"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage crabbot log files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete crabbot log files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := logger.ClearLogs()
			if err != nil {
				return fmt.Errorf("clear logs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d log file(s)\n", n)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crabbot version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crabbot %s (commit: %s)\n", version, commit)
		},
	}
}
