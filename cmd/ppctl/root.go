package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	noColor bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ppctl",
		Short:         "Inspect powerplant daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	cmd.AddCommand(newProbeCommand())
	cmd.AddCommand(newWatchCommand())
	return cmd
}
