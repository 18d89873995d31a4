package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mapatur/reconcile/internal/model"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show audit entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := auditFilter(cmd.Flags())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListAudit(ctx, f)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []model.AuditEntry{}
		}
		return printJSON(cmd, entries)
	},
}

func auditFilter(fs *pflag.FlagSet) (model.AuditFilter, error) {
	var f model.AuditFilter
	f.Table, _ = fs.GetString("table")
	op, _ := fs.GetString("operation")
	f.Operation = model.AuditOperation(op)
	f.RecordID, _ = fs.GetString("record")
	f.Limit, _ = fs.GetInt("limit")

	if fs.Changed("actor") {
		id, _ := fs.GetInt64("actor")
		f.ActorID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v, _ := fs.GetString(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, eris.Wrapf(err, "--%s", p.name)
		}
		*p.dst = &ts
	}
	return f, nil
}

func init() {
	auditCmd.Flags().String("table", "", "only entries for this table")
	auditCmd.Flags().String("operation", "", "insert, update or delete")
	auditCmd.Flags().String("record", "", "only entries for this record id")
	auditCmd.Flags().Int64("actor", 0, "only entries made by this user")
	auditCmd.Flags().String("since", "", "RFC 3339 lower bound")
	auditCmd.Flags().String("until", "", "RFC 3339 upper bound")
	auditCmd.Flags().Int("limit", 100, "maximum entries")
	rootCmd.AddCommand(auditCmd)
}
