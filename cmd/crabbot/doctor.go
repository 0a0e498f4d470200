package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/zhubert/crabbot-core/cli"
	"github.com/zhubert/crabbot-core/exec"
	"github.com/zhubert/crabbot-core/logger"
)

func newDoctorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Show the active configuration and optional tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st := cfg.GetStore()
			fmt.Fprintf(out, "Store:         %s %s\n", st.Backend, st.Path)
			fmt.Fprintf(out, "Log file:      %s\n", logger.Path())
			fmt.Fprintf(out, "Desktop notes: %t\n\n", cfg.GetDesktopNotifications())

			checker := cli.NewChecker(exec.NewRealExecutor())
			results := checker.CheckAll(cmd.Context(), cli.DefaultPrerequisites(runtime.GOOS))
			fmt.Fprint(out, cli.FormatCheckResults(results))
			return nil
		},
	}
}
