package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge [survivor superseded]",
	Short: "Merge a duplicate unit into its survivor, or every pair listed in --pairs",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pairsFile, _ := cmd.Flags().GetString("pairs")
		switch {
		case pairsFile != "" && len(args) > 0:
			return eris.New("give <survivor> <superseded> or --pairs, not both")
		case pairsFile == "" && len(args) != 2:
			return eris.New("need <survivor> <superseded> or --pairs")
		}
		dry, _ := cmd.Flags().GetBool("dry-run")
		actor, err := actorFlag(cmd.Flags())
		if err != nil {
			return err
		}
		opts := merge.Options{DryRun: dry, Actor: actor}

		var pairs []merge.Pair
		if pairsFile != "" {
			if pairs, err = merge.LoadPairs(pairsFile); err != nil {
				return err
			}
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if pairsFile == "" {
			survivor, err := parseUnitID("survivor", args[0])
			if err != nil {
				return err
			}
			superseded, err := parseUnitID("superseded", args[1])
			if err != nil {
				return err
			}
			res, err := env.Merger.Merge(ctx, survivor, superseded, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}

		out, err := env.Merger.MergeAll(ctx, pairs, opts)
		if err != nil {
			return err
		}
		failed := 0
		for _, o := range out {
			if o.Err != nil {
				failed++
			}
		}
		if err := printJSON(cmd, out); err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("merge: %d of %d pairs failed", failed, len(out))
		}
		return nil
	},
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List active units that look like duplicates of each other",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		var finder merge.PairFinder
		if cmd.Flags().Changed("max-distance") {
			d, _ := cmd.Flags().GetFloat64("max-distance")
			finder = merge.NameMatcher{MaxDistance: d, Sentinel: cfg.Pipeline.Sentinel}
		}

		got, err := env.Merger.FindCandidates(ctx, finder)
		if err != nil {
			return err
		}
		zap.L().Info("duplicate candidates found", zap.Int("pairs", len(got)))
		if got == nil {
			got = []merge.Candidate{}
		}
		return printJSON(cmd, got)
	},
}

func parseUnitID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Errorf("%s: %q is not a unit id", name, s)
	}
	return id, nil
}

func init() {
	mergeCmd.Flags().String("pairs", "", "YAML or JSON file listing survivor/superseded pairs")
	mergeCmd.Flags().Bool("dry-run", false, "run the merge and roll it back")
	addActorFlag(mergeCmd)
	candidatesCmd.Flags().Float64("max-distance", 0, "only pair units within this many meters (0: name match only)")
	rootCmd.AddCommand(mergeCmd, candidatesCmd)
}
