package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "compositorctl",
		Short:         "Inspect and repair compositions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.actor, "actor", "compositorctl", "Actor recorded on writes")
	flags.BoolVar(&ctx.asJSON, "json", false, "Write JSON instead of a table")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", false, "Log to stderr at the configured level")

	rootCmd.AddCommand(newVersionsCommand(ctx))
	rootCmd.AddCommand(newRollbackCommand(ctx))
	rootCmd.AddCommand(newSetPrimaryCommand(ctx))
	rootCmd.AddCommand(newOutputsCommand(ctx))
	rootCmd.AddCommand(newResolveCommand(ctx))
	rootCmd.AddCommand(newDeadLettersCommand(ctx))

	return rootCmd
}
