package main

import (
	"github.com/spf13/cobra"
)

func newOpenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "open <threadId>",
		Short: "Find a thread on any connection and print its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := opts.openSupervisor()
			if err != nil {
				return err
			}
			defer sup.Close()

			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()
			sess, err := sup.OpenThread(ctx, args[0])
			if err != nil {
				return err
			}

			p := &printer{out: cmd.OutOrStdout()}
			p.println(statusStyle.Render(sess.Title + " · thread " + sess.ThreadID))
			cells, _ := sessionView(sup, sess.ID)
			p.flush(cells, false)
			return nil
		},
	}
}
