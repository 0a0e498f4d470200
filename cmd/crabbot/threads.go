package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/crabbot-core/state"
)

func newThreadsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "threads <connection>",
		Short: "List the daemon's threads",
		Long:  `Connect to a daemon, list its threads and merge them into the local directory.`,
		Args:  cobra.ExactArgs(1),
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
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			sessions, err := sup.DiscoverSessions(ctx, conn.ID)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No threads on %s\n", conn.Name)
				return nil
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
}

func printSessions(out io.Writer, sessions []state.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tTITLE\tSTATE\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ThreadID, s.Title, s.State, s.LatestActivity().Local().Format(time.DateTime))
	}
	w.Flush()
}
