package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/promote"
)

var promoteCmd = &cobra.Command{
	Use:   "promote [origin]",
	Short: "Promote an origin group, or every pending group with --all, into production",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return eris.New("give exactly one of <origin> or --all")
		}
		dry, _ := cmd.Flags().GetBool("dry-run")
		actor, err := actorFlag(cmd.Flags())
		if err != nil {
			return err
		}
		opts := promote.Options{DryRun: dry, Actor: actor}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if !all {
			res, err := env.Promoter.Promote(ctx, args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}

		origins, err := env.Grouper.Pending(ctx)
		if err != nil {
			return err
		}
		items, err := env.Promoter.Batch(ctx, origins, opts, cfg.Pipeline.Concurrency)
		if err != nil {
			return err
		}

		failed := 0
		for _, it := range items {
			if it.Err != nil {
				failed++
			}
		}
		zap.L().Info("batch promotion complete",
			zap.Int("origins", len(items)),
			zap.Int("failed", failed),
			zap.Bool("dry_run", dry),
		)
		if err := printJSON(cmd, items); err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("promote: %d of %d origins failed", failed, len(items))
		}
		return nil
	},
}

func init() {
	promoteCmd.Flags().Bool("all", false, "promote every pending or enriched origin")
	promoteCmd.Flags().Bool("dry-run", false, "run the promotion and roll it back")
	addActorFlag(promoteCmd)
	rootCmd.AddCommand(promoteCmd)
}
