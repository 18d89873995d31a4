package main

import (
	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:   "group [origin]",
	Short: "Show the staging group of an origin, or list origins awaiting promotion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			ids, err := env.Grouper.Pending(ctx)
			if err != nil {
				return err
			}
			if ids == nil {
				ids = []string{}
			}
			return printJSON(cmd, ids)
		}

		g, err := env.Grouper.Group(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, g)
	},
}

func init() {
	rootCmd.AddCommand(groupCmd)
}
