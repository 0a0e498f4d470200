package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/crabbot-core/state"
)

func newConnectionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Manage daemon connections",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <name> <url>",
			Short: "Register a daemon endpoint (ws:// or wss://)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sup, err := opts.openSupervisor()
				if err != nil {
					return err
				}
				defer sup.Close()

				conn, err := sup.AddConnection(args[0], args[1])
				if err != nil {
					return err
				}
				if err := sup.Flush(); err != nil {
					return fmt.Errorf("save connection: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added connection %s (%s)\n", conn.Name, conn.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List connections",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sup, err := opts.openSupervisor()
				if err != nil {
					return err
				}
				defer sup.Close()

				conns := sup.Connections()
				if len(conns) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No connections. Add one with: crabbot connection add <name> <url>")
					return nil
				}
				printConnections(cmd.OutOrStdout(), conns, len(sup.Snapshot().Sessions))
				return nil
			},
		},
		&cobra.Command{
			Use:     "remove <connection>",
			Aliases: []string{"rm"},
			Short:   "Remove a connection and its sessions",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sup, err := opts.openSupervisor()
				if err != nil {
					return err
				}
				defer sup.Close()

				conn, err := resolveConnection(sup, args[0])
				if err != nil {
					return err
				}
				if err := sup.RemoveConnection(conn.ID); err != nil {
					return err
				}
				if err := sup.Flush(); err != nil {
					return fmt.Errorf("save connections: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed connection %s\n", conn.Name)
				return nil
			},
		},
	)
	return cmd
}

func printConnections(out io.Writer, conns []state.Connection, sessions int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURL\tLAST CONNECTED")
	for _, c := range conns {
		last := "never"
		if !c.LastConnectedAt.IsZero() {
			last = c.LastConnectedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(c.ID), c.Name, c.URL, last)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d connection(s), %d session(s)\n", len(conns), sessions)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
