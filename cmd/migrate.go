package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var applied []string
		switch s := st.(type) {
		case *store.Postgres:
			applied, err = store.Migrate(ctx, s.Pool())
		case *store.SQLite:
			// initStore already created the schema; this re-checks it.
			err = s.Migrate(ctx)
		default:
			return eris.New("migrate needs the postgres or sqlite driver")
		}
		if err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("schema up to date", zap.Int("applied", len(applied)))
		if applied == nil {
			applied = []string{}
		}
		return printJSON(cmd, map[string]any{"applied": applied})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
