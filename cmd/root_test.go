package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapatur/reconcile/internal/config"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Pipeline: config.PipelineConfig{
			GapTolerance: 5,
			Region:       model.DefaultRegion,
			Sentinel:     model.DefaultSentinel,
			Concurrency:  2,
		},
		Server: config.ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
	}
}

// useMemory points every command at one shared in-memory store.
func useMemory(t *testing.T) *store.Memory {
	t.Helper()
	m, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() }) //nolint:errcheck
	require.NoError(t, m.SeedMappings(context.Background(),
		model.SpecialtyMapping{RawName: "Guia Turístico", CanonicalName: "Guia de Turismo"}))

	oldStore, oldCfg := openStore, cfg
	openStore = func(context.Context) (store.Store, error) { return m, nil }
	cfg = testConfig()
	t.Cleanup(func() { openStore, cfg = oldStore, oldCfg })
	return m
}

// execute runs c's RunE with the given flags and returns its stdout. Flags
// are reset afterwards.
func execute(t *testing.T, c *cobra.Command, args []string, flags map[string]string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetContext(context.Background())
	t.Cleanup(func() {
		c.SetOut(nil)
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	})

	for k, v := range flags {
		require.NoError(t, c.Flags().Set(k, v), k)
	}
	err := c.RunE(c, args)
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "ingest", "group", "enrich", "promote", "merge", "candidates", "audit", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "reconcile", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		flag string
		def  string
	}{
		{ingestCmd, "file", ""},
		{enrichCmd, "lat", "0"},
		{enrichCmd, "media", "[]"},
		{enrichCmd, "actor", "0"},
		{promoteCmd, "all", "false"},
		{promoteCmd, "dry-run", "false"},
		{mergeCmd, "pairs", ""},
		{mergeCmd, "dry-run", "false"},
		{candidatesCmd, "max-distance", "0"},
		{auditCmd, "limit", "100"},
		{serveCmd, "port", "0"},
	}
	for _, tt := range tests {
		f := tt.cmd.Flags().Lookup(tt.flag)
		require.NotNil(t, f, "%s --%s", tt.cmd.Name(), tt.flag)
		assert.Equal(t, tt.def, f.DefValue, "%s --%s", tt.cmd.Name(), tt.flag)
	}
}

func TestInitStore(t *testing.T) {
	old := cfg
	t.Cleanup(func() { cfg = old })

	cfg = testConfig()
	st, err := initStore(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)
	require.NoError(t, st.Close())

	cfg.Store.Driver = "mysql"
	_, err = initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_SQLite(t *testing.T) {
	old := cfg
	t.Cleanup(func() { cfg = old })

	cfg = testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = filepath.Join(t.TempDir(), "test.db")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.IsType(t, &store.SQLite{}, st)

	// The schema is in place: a write round-trips.
	require.NoError(t, st.InTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertUnit(ctx, &model.Unit{Name: "Museu X", Active: true})
	}))
}

func TestMigrate_SQLite(t *testing.T) {
	old, oldStore := cfg, openStore
	t.Cleanup(func() { cfg, openStore = old, oldStore })

	cfg = testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = filepath.Join(t.TempDir(), "test.db")
	openStore = initStore

	out, err := execute(t, migrateCmd, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"applied": []}`, out)
}

func TestInitPipeline_ValidatesConfig(t *testing.T) {
	useMemory(t)
	cfg.Pipeline.Concurrency = 0

	_, err := initPipeline(context.Background(), "pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.concurrency")
}

func TestMigrate_RejectsMemory(t *testing.T) {
	useMemory(t)

	_, err := execute(t, migrateCmd, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func decodeJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}
