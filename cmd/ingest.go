package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/staging"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load scraped rows from a CSV or XLSX file into staging",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := staging.IngestFile(ctx, env.Store, ingestFile)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		zap.L().Info("ingest complete",
			zap.String("file", ingestFile),
			zap.Int("read", report.Read),
			zap.Int64("written", report.Written),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("rejected", len(report.Rejected)),
		)
		return printJSON(cmd, report)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to a .csv or .xlsx file (required)")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
