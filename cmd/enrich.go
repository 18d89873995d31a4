package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/staging"
)

// enrichTextFlags maps flag names to the EnrichInput field they set.
var enrichTextFlags = []struct {
	name, usage string
	field       func(in *staging.EnrichInput) **string
}{
	{"name", "display name", func(in *staging.EnrichInput) **string { return &in.DisplayName }},
	{"address", "street address", func(in *staging.EnrichInput) **string { return &in.Address }},
	{"neighborhood", "neighborhood", func(in *staging.EnrichInput) **string { return &in.Neighborhood }},
	{"phone", "phone number", func(in *staging.EnrichInput) **string { return &in.Phone }},
	{"whatsapp", "WhatsApp number", func(in *staging.EnrichInput) **string { return &in.WhatsApp }},
	{"hours", "opening hours", func(in *staging.EnrichInput) **string { return &in.Hours }},
	{"email", "contact email", func(in *staging.EnrichInput) **string { return &in.Email }},
	{"website", "website URL", func(in *staging.EnrichInput) **string { return &in.Website }},
	{"instagram", "Instagram handle", func(in *staging.EnrichInput) **string { return &in.Instagram }},
	{"notes", "curator notes", func(in *staging.EnrichInput) **string { return &in.Notes }},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich <origin>",
	Short: "Apply curator enrichment to an origin",
	Long: "Only the flags given are changed; pass an empty value to clear a field. " +
		"Media flags take target:action[:ref], e.g. image:attach:https://cdn.example.org/a.jpg.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		in, err := enrichInput(cmd.Flags())
		if err != nil {
			return err
		}
		actor, err := actorFlag(cmd.Flags())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Applier.Enrich(ctx, args[0], in, actor)
		if err != nil {
			return err
		}

		zap.L().Info("enrichment applied",
			zap.String("origin_id", args[0]),
			zap.Bool("changed", res.Changed),
			zap.Int("rows_flipped", res.RowsFlipped),
		)
		return printJSON(cmd, res)
	},
}

// enrichInput builds the partial input from the flags that were set.
func enrichInput(fs *pflag.FlagSet) (staging.EnrichInput, error) {
	var in staging.EnrichInput
	for _, f := range enrichTextFlags {
		if !fs.Changed(f.name) {
			continue
		}
		v, err := fs.GetString(f.name)
		if err != nil {
			return in, err
		}
		*f.field(&in) = &v
	}

	if fs.Changed("lat") {
		v, _ := fs.GetFloat64("lat")
		in.Latitude = &v
	}
	if fs.Changed("lon") {
		v, _ := fs.GetFloat64("lon")
		in.Longitude = &v
	}

	media, _ := fs.GetStringArray("media")
	for _, m := range media {
		op, err := parseMediaOp(m)
		if err != nil {
			return in, err
		}
		in.Media = append(in.Media, op)
	}
	return in, nil
}

// parseMediaOp parses target:action[:ref]. The ref may itself contain
// colons.
func parseMediaOp(s string) (staging.MediaOp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return staging.MediaOp{}, eris.Errorf("media %q: want target:action[:ref]", s)
	}
	op := staging.MediaOp{
		Target: staging.MediaTarget(parts[0]),
		Action: staging.MediaAction(parts[1]),
	}
	if len(parts) == 3 {
		op.Ref = parts[2]
	}
	return op, nil
}

// actorFlag returns the --actor value, nil when unset.
func actorFlag(fs *pflag.FlagSet) (*int64, error) {
	if !fs.Changed("actor") {
		return nil, nil
	}
	id, err := fs.GetInt64("actor")
	if err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, eris.New("--actor must be a positive user id")
	}
	return &id, nil
}

func addActorFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("actor", 0, "id of the user the change is attributed to (default: system)")
}

func init() {
	for _, f := range enrichTextFlags {
		enrichCmd.Flags().String(f.name, "", f.usage)
	}
	enrichCmd.Flags().Float64("lat", 0, "latitude (requires --lon)")
	enrichCmd.Flags().Float64("lon", 0, "longitude (requires --lat)")
	enrichCmd.Flags().StringArray("media", nil, "media operation target:action[:ref] (repeatable)")
	addActorFlag(enrichCmd)
	rootCmd.AddCommand(enrichCmd)
}
