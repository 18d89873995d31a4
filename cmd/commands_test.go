package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/merge"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/promote"
	"github.com/mapatur/reconcile/internal/staging"
	"github.com/mapatur/reconcile/internal/store"
)

const exportCSV = `origin_id,unit_name,professional_name,specialty_name
CNES-001,Museu X,J. Silva,Guia Turístico
CNES-001,Museu X,M. Souza,Guia Turístico
CNES-002,Casa do Artesão,A. Lima,Artesanato
`

func ingestExport(t *testing.T) {
	t.Helper()
	out, err := execute(t, ingestCmd, nil, map[string]string{"file": writeFile(t, "export.csv", exportCSV)})
	require.NoError(t, err)
	report := decodeJSON[staging.IngestReport](t, out)
	assert.Equal(t, 3, report.Read)
	assert.Equal(t, int64(3), report.Written)
}

func enrichMuseum(t *testing.T) {
	t.Helper()
	_, err := execute(t, enrichCmd, []string{"CNES-001"}, map[string]string{
		"name":  "Museu de História X",
		"lat":   "-19.0078",
		"lon":   "-57.6547",
		"actor": "3",
	})
	require.NoError(t, err)
}

func TestPipelineCommands_EndToEnd(t *testing.T) {
	useMemory(t)
	ingestExport(t)

	out, err := execute(t, groupCmd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"CNES-001", "CNES-002"}, decodeJSON[[]string](t, out))

	out, err = execute(t, groupCmd, []string{"CNES-001"}, nil)
	require.NoError(t, err)
	g := decodeJSON[model.PromotionGroup](t, out)
	assert.Len(t, g.Records, 2)
	assert.Len(t, g.Professionals, 2)

	enrichMuseum(t)

	out, err = execute(t, promoteCmd, []string{"CNES-001"}, map[string]string{"actor": "3"})
	require.NoError(t, err)
	res := decodeJSON[promote.Result](t, out)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.RecordsPromoted)
	assert.Equal(t, model.OutcomeApplied, res.Outcome)

	out, err = execute(t, auditCmd, nil, map[string]string{"table": "units", "actor": "3"})
	require.NoError(t, err)
	entries := decodeJSON[[]model.AuditEntry](t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "Museu de História X", entries[0].After["name"])

	out, err = execute(t, groupCmd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"CNES-002"}, decodeJSON[[]string](t, out))
}

func TestIngest_MissingFile(t *testing.T) {
	useMemory(t)

	_, err := execute(t, ingestCmd, nil, map[string]string{"file": "/nonexistent/export.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest")
}

func TestEnrich_RejectsLoneLatitude(t *testing.T) {
	useMemory(t)
	ingestExport(t)

	_, err := execute(t, enrichCmd, []string{"CNES-001"}, map[string]string{"lat": "-19.0"})
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
}

func TestEnrich_BadActor(t *testing.T) {
	useMemory(t)

	_, err := execute(t, enrichCmd, []string{"CNES-001"}, map[string]string{"actor": "-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--actor")
}

func TestEnrichInput(t *testing.T) {
	fs := enrichCmd.Flags()
	t.Cleanup(func() {
		for _, n := range []string{"phone", "website", "lon", "media"} {
			fs.Lookup(n).Changed = false
		}
		_ = fs.Set("phone", "")
		_ = fs.Set("website", "")
		_ = fs.Set("lon", "0")
	})
	require.NoError(t, fs.Set("phone", "67 3231-0000"))
	require.NoError(t, fs.Set("website", ""))
	require.NoError(t, fs.Set("lon", "-57.6"))

	in, err := enrichInput(fs)
	require.NoError(t, err)
	require.NotNil(t, in.Phone)
	assert.Equal(t, "67 3231-0000", *in.Phone)
	require.NotNil(t, in.Website, "an empty flag clears the field")
	assert.Equal(t, "", *in.Website)
	assert.Nil(t, in.DisplayName)
	assert.Nil(t, in.Latitude)
	require.NotNil(t, in.Longitude)
	assert.InDelta(t, -57.6, *in.Longitude, 1e-9)
}

func TestParseMediaOp(t *testing.T) {
	op, err := parseMediaOp("image:attach:https://cdn.example.org/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, staging.MediaOp{Target: staging.MediaImage, Action: staging.MediaAttach, Ref: "https://cdn.example.org/a.jpg"}, op)

	op, err = parseMediaOp("icon:remove")
	require.NoError(t, err)
	assert.Equal(t, staging.MediaOp{Target: staging.MediaIcon, Action: staging.MediaRemove}, op)

	_, err = parseMediaOp("image")
	require.Error(t, err)
}

func TestPromote_Args(t *testing.T) {
	useMemory(t)

	_, err := execute(t, promoteCmd, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")

	_, err = execute(t, promoteCmd, []string{"CNES-001"}, map[string]string{"all": "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestPromote_All(t *testing.T) {
	useMemory(t)
	ingestExport(t)
	enrichMuseum(t)

	out, err := execute(t, promoteCmd, nil, map[string]string{"all": "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 origins failed")

	items := decodeJSON[[]promote.BatchItem](t, out)
	require.Len(t, items, 2)
	assert.Equal(t, "CNES-001", items[0].OriginID)
	require.NotNil(t, items[0].Result)
	assert.True(t, items[0].Result.Created)
	assert.Equal(t, "CNES-002", items[1].OriginID)
	assert.NotEmpty(t, items[1].Message, "no coordinates yet")
}

func TestPromote_DryRun(t *testing.T) {
	m := useMemory(t)
	ingestExport(t)
	enrichMuseum(t)

	out, err := execute(t, promoteCmd, []string{"CNES-001"}, map[string]string{"dry-run": "true"})
	require.NoError(t, err)
	assert.True(t, decodeJSON[promote.Result](t, out).DryRun)

	var units []model.Unit
	require.NoError(t, m.InTx(context.Background(), store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		units, err = tx.ListActiveUnits(ctx)
		return err
	}))
	assert.Empty(t, units)
}

// twoMuseums inserts two active units with the same name.
func twoMuseums(t *testing.T, m *store.Memory) {
	t.Helper()
	require.NoError(t, m.InTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 2; i++ {
			if err := tx.InsertUnit(ctx, &model.Unit{Name: "Museu X", Active: true}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestCandidatesAndMerge(t *testing.T) {
	m := useMemory(t)
	twoMuseums(t, m)

	out, err := execute(t, candidatesCmd, nil, nil)
	require.NoError(t, err)
	cands := decodeJSON[[]merge.Candidate](t, out)
	require.Len(t, cands, 1)
	assert.Equal(t, int64(1), cands[0].SurvivorID)
	assert.Equal(t, int64(2), cands[0].SupersededID)

	out, err = execute(t, mergeCmd, []string{"1", "2"}, map[string]string{"actor": "5"})
	require.NoError(t, err)
	res := decodeJSON[merge.Result](t, out)
	assert.True(t, res.Deactivated)

	out, err = execute(t, candidatesCmd, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, decodeJSON[[]merge.Candidate](t, out))
}

func TestMerge_Args(t *testing.T) {
	useMemory(t)

	tests := []struct {
		name  string
		args  []string
		flags map[string]string
		want  string
	}{
		{"nothing", nil, nil, "need <survivor> <superseded>"},
		{"one id", []string{"1"}, nil, "need <survivor> <superseded>"},
		{"both forms", []string{"1", "2"}, map[string]string{"pairs": "p.yaml"}, "not both"},
		{"not a number", []string{"one", "2"}, nil, "not a unit id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, mergeCmd, tt.args, tt.flags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMerge_PairsFile(t *testing.T) {
	m := useMemory(t)
	twoMuseums(t, m)

	pairs := writeFile(t, "pairs.yaml", `
pairs:
  - survivor: 1
    superseded: 2
    note: same museum
  - survivor: 1
    superseded: 99
`)
	out, err := execute(t, mergeCmd, nil, map[string]string{"pairs": pairs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 pairs failed")

	got := decodeJSON[[]merge.PairOutcome](t, out)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Result)
	assert.True(t, got[0].Result.Deactivated)
	assert.NotEmpty(t, got[1].Message)
}

func TestAudit_BadSince(t *testing.T) {
	useMemory(t)

	_, err := execute(t, auditCmd, nil, map[string]string{"since": "yesterday"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--since")
}
